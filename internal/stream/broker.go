// Package stream fans trace records out to live subscribers of a session.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Broker delivers trace records to subscribers keyed by session id.
// Publishing never blocks: a subscriber whose buffer is full misses the
// record.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[chan model.TraceRecord]struct{}
	buffer int
}

// NewBroker creates a Broker. buffer <= 0 uses DefaultBuffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		subs:   make(map[string]map[chan model.TraceRecord]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a listener for sessionID. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(sessionID string) (<-chan model.TraceRecord, func()) {
	ch := make(chan model.TraceRecord, b.buffer)

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[chan model.TraceRecord]struct{})
		b.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[sessionID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, sessionID)
				}
			}
		})
	}
}

// HasSubscribers reports whether anyone listens to sessionID.
func (b *Broker) HasSubscribers(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID]) > 0
}

// Publish sends rec to every subscriber of rec.SessionID.
func (b *Broker) Publish(rec model.TraceRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[rec.SessionID] {
		select {
		case ch <- rec:
		default:
			zap.L().Debug("stream: subscriber buffer full, dropping record",
				zap.String("session_id", rec.SessionID),
				zap.String("type", string(rec.Type)),
			)
		}
	}
}

// CloseSession closes every subscriber of sessionID. Used once a session
// reaches a terminal status.
func (b *Broker) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		close(ch)
	}
	delete(b.subs, sessionID)
}
