package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/apiforward/apiforward/internal/history"
	"github.com/apiforward/apiforward/internal/model"
)

const maxMessageBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("json.Encode", slog.Any("error", err))
	}
}

func (s *APIServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, bus.Fail(err))
		return
	}
	var msg bus.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, bus.Fail(fmt.Errorf("invalid message: %w", err)))
		return
	}
	reply := s.svc.Handle(r.Context(), msg)
	reply.ID = msg.ID
	writeJSON(w, http.StatusOK, reply)
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  s.svc.State().String(),
		"rules":  snap.Rules,
		"config": snap.Config,
	})
}

func (s *APIServer) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Recorder().List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	data, err := history.MarshalExport(list)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", history.ExportFileName(model.Now())))
	_, _ = w.Write(data)
}

func (s *APIServer) handleDeclarative(w http.ResponseWriter, r *http.Request) {
	rules, err := s.svc.Declarative(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}
