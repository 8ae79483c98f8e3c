package firecrawl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/scrape", r.URL.Path)
		assert.Equal(t, "Bearer fc-key", r.Header.Get("Authorization"))

		var req ScrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://venue.example/events", req.URL)
		assert.Equal(t, []string{"rawHtml", "markdown"}, req.Formats)
		assert.Equal(t, 1500, req.WaitFor)

		_, _ = w.Write([]byte(`{"success":true,"data":{
			"markdown":"# Events",
			"rawHtml":"<html><body><h1>Events</h1></body></html>",
			"metadata":{"title":"Events","sourceURL":"https://venue.example/events","statusCode":200}}}`))
	}))
	defer srv.Close()

	c := NewClient("fc-key", WithBaseURL(srv.URL))
	resp, err := c.Scrape(context.Background(), ScrapeRequest{
		URL:     "https://venue.example/events",
		Formats: []string{"rawHtml", "markdown"},
		WaitFor: 1500,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "# Events", resp.Data.Markdown)
	assert.Contains(t, resp.Data.RawHTML, "<h1>Events</h1>")
	assert.Equal(t, "Events", resp.Data.Metadata.Title)
	assert.Equal(t, 200, resp.Data.Metadata.StatusCode)
}

func TestScrape_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient credits"}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Scrape(context.Background(), ScrapeRequest{URL: "https://a.example"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Equal(t, `firecrawl: HTTP 402: {"error":"insufficient credits"}`, apiErr.Error())
}

func TestScrape_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`nope`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Scrape(context.Background(), ScrapeRequest{URL: "https://a.example"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestScrape_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient("k", WithBaseURL(srv.URL)).Scrape(ctx, ScrapeRequest{URL: "https://a.example"})
	require.Error(t, err)
}

func TestWithHTTPClient(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	c := NewClient("k", WithHTTPClient(hc)).(*httpClient)
	assert.Same(t, hc, c.http)
	assert.Equal(t, defaultBaseURL, c.baseURL)
}
