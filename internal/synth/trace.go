package synth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
)

// TraceSink receives trace records as a session runs. Emit must not block
// the caller; records may be lost.
type TraceSink interface {
	Emit(rec model.TraceRecord)
	// Finish is called once after the terminal record of a session.
	Finish(sessionID string)
}

// TraceStore persists trace records.
type TraceStore interface {
	AppendTrace(ctx context.Context, rec model.TraceRecord) error
}

// Publisher delivers records to live subscribers.
type Publisher interface {
	Publish(rec model.TraceRecord)
	CloseSession(sessionID string)
}

// TraceWriter publishes each record to live subscribers synchronously and
// persists it from a background goroutine. When the buffer is full or a
// store write fails the record is logged and dropped.
type TraceWriter struct {
	store        TraceStore
	pub          Publisher
	ch           chan model.TraceRecord
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewTraceWriter creates a TraceWriter. pub may be nil.
func NewTraceWriter(store TraceStore, pub Publisher, buffer int) *TraceWriter {
	if buffer <= 0 {
		buffer = 256
	}
	w := &TraceWriter{
		store:        store,
		pub:          pub,
		ch:           make(chan model.TraceRecord, buffer),
		writeTimeout: 5 * time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *TraceWriter) loop() {
	defer w.wg.Done()
	for rec := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		if err := w.store.AppendTrace(ctx, rec); err != nil {
			zap.L().Warn("synth: trace write failed",
				zap.String("session_id", rec.SessionID),
				zap.String("type", string(rec.Type)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Emit implements TraceSink.
func (w *TraceWriter) Emit(rec model.TraceRecord) {
	if w.pub != nil {
		w.pub.Publish(rec)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- rec:
	default:
		zap.L().Warn("synth: trace buffer full, dropping record",
			zap.String("session_id", rec.SessionID),
			zap.String("type", string(rec.Type)),
		)
	}
}

// Finish implements TraceSink.
func (w *TraceWriter) Finish(sessionID string) {
	if w.pub != nil {
		w.pub.CloseSession(sessionID)
	}
}

// Close stops accepting records and waits for pending writes.
func (w *TraceWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// discardSink drops everything. Used when no sink is configured.
type discardSink struct{}

func (discardSink) Emit(model.TraceRecord) {}
func (discardSink) Finish(string)          {}
