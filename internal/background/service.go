package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/apiforward/apiforward/internal/declarative"
	"github.com/apiforward/apiforward/internal/forward"
	"github.com/apiforward/apiforward/internal/history"
	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/propagate"
	"github.com/apiforward/apiforward/internal/statistics"
	"github.com/apiforward/apiforward/internal/store"
)

var (
	errUnknownMessage = errors.New("unknown message")
	errMissingRecord  = errors.New("missing record")
)

type Options struct {
	Store     store.Store
	Installer declarative.Installer
	Forward   *forward.Client
	Stats     *statistics.MatchRecordList
	ExportDir string
}

// Service is the authoritative context. It owns persistence, declarative
// rule installation, history and forwarding, and serves the message
// protocol.
type Service struct {
	store     store.Store
	prop      *propagate.Propagator
	applier   *declarative.Applier
	recorder  *history.Recorder
	forward   *forward.Client
	stats     *statistics.MatchRecordList
	exportDir string
	events    *events
	writes    *ownWrites
	// setMu keeps each save and the snapshot swap that follows it
	// together, so the snapshot always ends on the last stored value.
	setMu sync.Mutex
}

func New(opts Options) *Service {
	if opts.Installer == nil {
		opts.Installer = declarative.NewEngine()
	}
	if opts.Forward == nil {
		opts.Forward = forward.NewClient(0)
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "."
	}
	s := &Service{
		store:     opts.Store,
		prop:      propagate.New("background", propagate.StoreLoader{Store: opts.Store}),
		applier:   declarative.NewApplier(opts.Installer),
		forward:   opts.Forward,
		stats:     opts.Stats,
		exportDir: opts.ExportDir,
		events:    newEvents(),
		writes:    newOwnWrites(),
	}
	s.recorder = history.NewRecorder(opts.Store, func() model.Config {
		return s.prop.Current().Config
	})
	return s
}

// Start loads the snapshot, installs declarative rules and follows store
// changes until ctx is done. A failed initial load is logged and the
// service keeps running on defaults.
func (s *Service) Start(ctx context.Context) error {
	s.prop.OnUpdate(func(snap *propagate.Snapshot, u propagate.Update) {
		s.onUpdate(ctx, snap, u)
	})
	if err := s.prop.Start(ctx); err != nil {
		slog.Warn("Background context running on defaults", slog.Any("error", err))
	}

	if s.stats != nil {
		s.stats.Run(ctx)
	}

	changes, unsubscribe := s.store.Subscribe()
	go func() {
		defer unsubscribe()
		s.prop.FollowStore(ctx, s.writes.filter(changes))
	}()
	return nil
}

func (s *Service) onUpdate(ctx context.Context, snap *propagate.Snapshot, u propagate.Update) {
	if u.Rules != nil {
		if err := s.applier.Apply(ctx, snap.Rules); err != nil {
			slog.Warn("Declarative install failed", slog.Any("error", err))
		}
	}
	cfg, err := json.Marshal(snap.Config)
	if err != nil {
		return
	}
	rules := snap.Rules
	s.events.publish(bus.Message{Type: bus.TypeConfigUpdate, Rules: &rules, Config: cfg})
}

func (s *Service) Snapshot() *propagate.Snapshot {
	return s.prop.Current()
}

func (s *Service) State() propagate.State {
	return s.prop.State()
}

func (s *Service) Recorder() *history.Recorder {
	return s.recorder
}

func (s *Service) Declarative(ctx context.Context) ([]declarative.Rule, error) {
	return s.applier.Installed(ctx)
}

func (s *Service) Stats() []statistics.MatchRecord {
	if s.stats == nil {
		return []statistics.MatchRecord{}
	}
	return s.stats.Snapshot()
}

// Subscribe returns a channel of configUpdate messages. Release it with
// Unsubscribe.
func (s *Service) Subscribe() chan bus.Message {
	return s.events.subscribe()
}

func (s *Service) Unsubscribe(ch chan bus.Message) {
	s.events.unsubscribe(ch)
}

// Handle serves one protocol message.
func (s *Service) Handle(ctx context.Context, msg bus.Message) bus.Reply {
	switch msg.Type {
	case bus.TypeGetConfig:
		snap := s.prop.Current()
		cfg := snap.Config
		return bus.Reply{OK: true, Rules: snap.Rules, Config: &cfg}
	case bus.TypeSetRules:
		var rules []model.Rule
		if msg.Rules != nil {
			rules = *msg.Rules
		}
		return s.reply(s.SetRules(ctx, rules))
	case bus.TypeSetConfig:
		return s.reply(s.SetConfig(ctx, msg.Config))
	case bus.TypeLogRecord:
		if msg.Record == nil {
			return bus.Fail(errMissingRecord)
		}
		s.logRecord(ctx, *msg.Record)
		return bus.Ack()
	case bus.TypeGetHistory:
		list, err := s.recorder.List(ctx)
		if err != nil {
			return bus.Fail(err)
		}
		return bus.Reply{OK: true, History: list}
	case bus.TypeClearHistory:
		return s.reply(s.recorder.Clear(ctx))
	case bus.TypeExportHistory:
		path, err := s.recorder.Export(ctx, s.exportDir)
		if err != nil {
			return bus.Fail(err)
		}
		return bus.Reply{OK: true, File: path}
	case bus.TypeForwardPayload:
		return s.reply(s.forwardPayload(ctx, msg.Payload))
	}
	slog.Debug("Unknown message", slog.String("type", string(msg.Type)))
	return bus.Fail(errUnknownMessage)
}

func (s *Service) reply(err error) bus.Reply {
	if err != nil {
		return bus.Fail(err)
	}
	return bus.Ack()
}

// SetRules persists rules, swaps the snapshot and reinstalls declarative
// rules.
func (s *Service) SetRules(ctx context.Context, rules []model.Rule) error {
	if rules == nil {
		rules = []model.Rule{}
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	s.setMu.Lock()
	defer s.setMu.Unlock()
	if err := s.save(ctx, store.Sync, store.KeyRules, raw); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	return s.prop.ApplyRules(rules)
}

// SetConfig shallow-merges patch over the current config and persists the
// result.
func (s *Service) SetConfig(ctx context.Context, patch json.RawMessage) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	merged, err := model.MergeConfig(s.prop.Current().Config, patch)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := s.save(ctx, store.Local, store.KeyConfig, raw); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return s.prop.ApplyConfig(raw)
}

func (s *Service) save(ctx context.Context, p store.Partition, key string, raw json.RawMessage) error {
	s.writes.add(p, key, raw)
	if err := s.store.Set(ctx, p, map[string]json.RawMessage{key: raw}); err != nil {
		s.writes.consume(store.Change{Partition: p, Key: key, Value: raw})
		return err
	}
	return nil
}

func (s *Service) logRecord(ctx context.Context, e model.HistoryEntry) {
	if s.stats != nil && e.Matched && e.Type == model.EntryPreRequest {
		name := e.Rule
		if name == "" {
			name = "unnamed"
		}
		s.stats.AddMatchRecord(&statistics.MatchRecord{Rule: name, LastURL: e.URL})
	}
	s.recorder.Record(ctx, e)
}

func (s *Service) forwardPayload(ctx context.Context, payload json.RawMessage) error {
	cfg := s.prop.Current().Config
	if !cfg.Forward.Enabled || cfg.Forward.URL == "" {
		return forward.ErrDisabled
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := s.forward.Post(ctx, cfg.Forward.URL, payload); err != nil {
		slog.Debug("Forward failed", slog.Any("error", err))
		return err
	}
	return nil
}
