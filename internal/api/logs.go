package api

import (
	"log/slog"
	"net/http"

	applog "github.com/apiforward/apiforward/internal/log"
)

// handleLogs streams log lines at or above ?level= (default: all).
// WebSocket clients get one text message per line; plain HTTP clients get
// a chunked text/plain stream.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	floor := slog.LevelDebug
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		floor = applog.ParseLevel(lvl)
	}
	ch := s.logBroadcaster.Subscribe(floor)
	defer s.logBroadcaster.Unsubscribe(ch)

	if isWebSocket(r) {
		serveWS(w, r, ch)
		return
	}
	streamText(w, r, ch)
}

func streamText(w http.ResponseWriter, r *http.Request, ch <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
