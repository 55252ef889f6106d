package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func isWebSocket(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// serveWS upgrades the connection and writes every message from ch as a
// text frame until either side goes away.
func serveWS(w http.ResponseWriter, r *http.Request, ch <-chan []byte, first ...[]byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	// Reads only detect the client closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, msg) == nil
	}
	for _, msg := range first {
		if !write(msg) {
			return
		}
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok || !write(msg) {
				return
			}
		case <-done:
			return
		}
	}
}

// handleEvents pushes configUpdate messages to followers. The current
// snapshot is sent first.
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !isWebSocket(r) {
		http.Error(w, "websocket required", http.StatusBadRequest)
		return
	}
	updates := s.svc.Subscribe()
	defer s.svc.Unsubscribe(updates)

	frames := make(chan []byte, cap(updates))
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-updates:
				if !ok {
					close(frames)
					return
				}
				if data, err := json.Marshal(msg); err == nil {
					select {
					case frames <- data:
					case <-stop:
						return
					}
				}
			}
		}
	}()

	snap := s.svc.Snapshot()
	rules := snap.Rules
	cfg, err := json.Marshal(snap.Config)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	current, err := json.Marshal(bus.Message{Type: bus.TypeConfigUpdate, Rules: &rules, Config: cfg})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	serveWS(w, r, frames, current)
}
