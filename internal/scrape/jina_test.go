package scrape

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrapegen/internal/resilience"
	"github.com/sells-group/scrapegen/pkg/jina"
)

var longContent = "# The Blue Room\n\n" + strings.Repeat("Live music, cocktails and late shows every night. ", 5)

func TestJinaAdapter_Scrape_Success(t *testing.T) {
	m := &mockJina{}
	m.On("Read", mock.Anything, "https://blueroom.example").Return(&jina.ReadResponse{
		Code: 200,
		Data: jina.ReadData{Title: "The Blue Room", Content: longContent},
	}, nil)

	adapter := NewJinaAdapter(m)
	assert.Equal(t, "jina", adapter.Name())
	assert.True(t, adapter.Supports("https://blueroom.example"))

	doc, err := adapter.Scrape(context.Background(), "https://blueroom.example")
	require.NoError(t, err)
	assert.Equal(t, "jina", doc.Source)
	assert.Equal(t, "https://blueroom.example", doc.URL)
	assert.Equal(t, "The Blue Room", doc.Title)
	assert.Empty(t, doc.HTML)
	m.AssertExpectations(t)
}

func TestJinaAdapter_BreakerOpensAfterFailures(t *testing.T) {
	m := &mockJina{}
	m.On("Read", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	adapter := NewJinaAdapter(m)
	for i := 0; i < 3; i++ {
		_, err := adapter.Scrape(context.Background(), "https://a.example")
		require.Error(t, err)
	}
	assert.False(t, adapter.Supports("https://a.example"))

	_, err := adapter.Scrape(context.Background(), "https://a.example")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	m.AssertNumberOfCalls(t, "Read", 3)
}

func TestNeedsFallback(t *testing.T) {
	tests := []struct {
		name string
		resp *jina.ReadResponse
		want bool
	}{
		{"nil", nil, true},
		{"error code", &jina.ReadResponse{Code: 451, Data: jina.ReadData{Content: longContent}}, true},
		{"short", &jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: "tiny"}}, true},
		{"challenge", &jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: "Just a moment... " + strings.Repeat("x", 120)}}, true},
		{"long page mentioning cloudflare", &jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: strings.Repeat("cloudflare ", 120)}}, false},
		{"ok", &jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: longContent}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, needsFallback(tt.resp))
		})
	}
}
