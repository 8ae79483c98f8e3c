package model

import "time"

// Document is a fetched page. Markdown is the text shown to the model; HTML
// is the raw markup served to generated code through the browser handle and
// may be empty when the fetcher only produces text.
type Document struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Markdown   string    `json:"markdown"`
	HTML       string    `json:"-"`
	StatusCode int       `json:"status_code"`
	Source     string    `json:"source"`
	FetchedAt  time.Time `json:"fetched_at"`
}
