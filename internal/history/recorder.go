package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/store"
	"github.com/apiforward/apiforward/internal/transform"
)

// ConfigFunc returns the config in effect for the next record.
type ConfigFunc func() model.Config

// Recorder keeps the bounded, newest-first history in the local
// partition of the store.
type Recorder struct {
	mu     sync.Mutex
	store  store.Store
	config ConfigFunc
}

func NewRecorder(s store.Store, config ConfigFunc) *Recorder {
	if config == nil {
		config = model.DefaultConfig
	}
	return &Recorder{store: s, config: config}
}

// Record prepends e and trims the history to the configured limit.
// Unmatched entries are dropped when historyMatchOnly is set. Failures
// are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, e model.HistoryEntry) {
	cfg := r.config()
	if cfg.HistoryMatchOnly && !e.Matched {
		return
	}
	if e.TS == 0 {
		e.TS = model.Now()
	}
	e = NewRedactor(cfg.SensitiveKeys).Entry(e)
	if len(e.Body) > transform.MaxCaptureBytes {
		e.Body = string(transform.CaptureBody([]byte(e.Body)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx)
	if err != nil {
		slog.Debug("History load failed", slog.Any("error", err))
		return
	}
	limit := cfg.Limit()
	next := make([]model.HistoryEntry, 0, min(len(list)+1, limit))
	next = append(next, e)
	for _, old := range list {
		if len(next) >= limit {
			break
		}
		next = append(next, old)
	}
	if err := store.SetJSON(ctx, r.store, store.Local, store.KeyHistory, next); err != nil {
		slog.Debug("History save failed", slog.Any("error", err))
	}
}

// List returns the history, newest first.
func (r *Recorder) List(ctx context.Context) ([]model.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

func (r *Recorder) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return store.SetJSON(ctx, r.store, store.Local, store.KeyHistory, []model.HistoryEntry{})
}

func (r *Recorder) load(ctx context.Context) ([]model.HistoryEntry, error) {
	var list []model.HistoryEntry
	if _, err := store.GetJSON(ctx, r.store, store.Local, store.KeyHistory, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []model.HistoryEntry{}
	}
	return list, nil
}

// ExportFileName is the file name used for an export taken at ts.
func ExportFileName(ts int64) string {
	return fmt.Sprintf("apiforward-history-%d.json", ts)
}

// Export writes the full history as indented JSON into dir and returns
// the file path.
func (r *Recorder) Export(ctx context.Context, dir string) (string, error) {
	list, err := r.List(ctx)
	if err != nil {
		return "", err
	}
	data, err := MarshalExport(list)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, ExportFileName(model.Now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	slog.Info("History exported", slog.String("file", path), slog.Int("entries", len(list)))
	return path, nil
}

// MarshalExport renders history the way it is exported.
func MarshalExport(list []model.HistoryEntry) ([]byte, error) {
	if list == nil {
		list = []model.HistoryEntry{}
	}
	return json.MarshalIndent(list, "", "  ")
}
