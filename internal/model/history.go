package model

import (
	"log/slog"
	"time"
)

type EntryType string

const (
	EntryPreRequest       EntryType = "pre-request"
	EntryPostResponse     EntryType = "post-response"
	EntryNetworkBefore    EntryType = "network-before"
	EntryNetworkCompleted EntryType = "network-completed"
	EntryNetworkError     EntryType = "network-error"
	EntryError            EntryType = "error"
)

type Source string

const (
	SourceFetch      Source = "fetch"
	SourceXHR        Source = "xhr"
	SourceWebRequest Source = "webRequest"
)

// HistoryEntry is one audit record. History is kept newest first.
type HistoryEntry struct {
	TS         int64             `json:"ts"`
	Type       EntryType         `json:"type"`
	Method     string            `json:"method,omitempty"`
	URL        string            `json:"url"`
	FinalURL   string            `json:"finalUrl,omitempty"`
	Status     int               `json:"status,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Source     Source            `json:"source,omitempty"`
	Matched    bool              `json:"matched"`
	Rule       string            `json:"rule,omitempty"`
	Duration   int64             `json:"duration,omitempty"`
	Error      string            `json:"error,omitempty"`
	IP         string            `json:"ip,omitempty"`
}

// Now returns the current time in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

func (e *HistoryEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(e.Type)),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
		slog.Bool("matched", e.Matched),
		slog.String("rule", e.Rule),
	)
}
