package propagate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/store"
)

type State int32

const (
	Uninitialized State = iota
	Syncing
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Syncing:
		return "SYNCING"
	case Ready:
		return "READY"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Loader fetches the authoritative rules and the stored config object.
// A nil config means none is stored.
type Loader interface {
	Load(ctx context.Context) ([]model.Rule, json.RawMessage, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) ([]model.Rule, json.RawMessage, error)

func (f LoaderFunc) Load(ctx context.Context) ([]model.Rule, json.RawMessage, error) {
	return f(ctx)
}

// StoreLoader reads rules from the sync partition and config from the
// local partition.
type StoreLoader struct {
	Store store.Store
}

func (l StoreLoader) Load(ctx context.Context) ([]model.Rule, json.RawMessage, error) {
	var rules []model.Rule
	if _, err := store.GetJSON(ctx, l.Store, store.Sync, store.KeyRules, &rules); err != nil {
		return nil, nil, err
	}
	values, err := l.Store.Get(ctx, store.Local, store.KeyConfig)
	if err != nil {
		return nil, nil, err
	}
	return rules, values[store.KeyConfig], nil
}

// Propagator keeps one context's Snapshot current. Readers call Current
// and never block; writers are serialized and swap the snapshot in one
// step.
type Propagator struct {
	name    string
	loader  Loader
	state   atomic.Int32
	current atomic.Pointer[Snapshot]

	mu    sync.Mutex
	hooks []func(*Snapshot, Update)
}

func New(name string, loader Loader) *Propagator {
	p := &Propagator{name: name, loader: loader}
	p.current.Store(NewSnapshot(nil, model.DefaultConfig()))
	return p
}

func (p *Propagator) State() State {
	return State(p.state.Load())
}

// Current returns the latest snapshot. Before Start it holds the
// defaults and no rules.
func (p *Propagator) Current() *Snapshot {
	return p.current.Load()
}

// OnUpdate registers fn to run after every snapshot swap, in the writer's
// goroutine.
func (p *Propagator) OnUpdate(fn func(*Snapshot, Update)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Start loads the initial snapshot. On failure the context keeps running
// on defaults and stays SYNCING until a notification arrives.
func (p *Propagator) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Store(int32(Syncing))
	rules, raw, err := p.loader.Load(ctx)
	if err != nil {
		slog.Warn("Initial sync failed", slog.String("context", p.name), slog.Any("error", err))
		return fmt.Errorf("load snapshot: %w", err)
	}
	cfg, err := model.ConfigFromStored(raw)
	if err != nil {
		slog.Warn("Stored config ignored", slog.String("context", p.name), slog.Any("error", err))
		cfg = model.DefaultConfig()
	}
	snap := NewSnapshot(rules, cfg)
	p.swap(snap, Update{Rules: &snap.Rules})
	slog.Info("Context synced", slog.String("context", p.name), slog.Int("rules", len(snap.Rules)), slog.Any("config", &snap.Config))
	return nil
}

// Apply merges u into the current snapshot: rules are replaced, config is
// shallow-merged.
func (p *Propagator) Apply(u Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Store(int32(Syncing))
	cur := p.current.Load()
	rules := cur.Rules
	if u.Rules != nil {
		rules = *u.Rules
	}
	cfg := cur.Config
	if len(u.Config) > 0 {
		merged, err := model.MergeConfig(cur.Config, u.Config)
		if err != nil {
			slog.Warn("Config update ignored", slog.String("context", p.name), slog.Any("error", err))
			p.state.Store(int32(Ready))
			return err
		}
		cfg = merged
	}
	snap := &Snapshot{Rules: rules, Config: cfg, Engine: cur.Engine}
	if u.Rules != nil {
		snap = NewSnapshot(rules, cfg)
	}
	p.swap(snap, u)
	slog.Debug("Snapshot updated", slog.String("context", p.name), slog.Bool("rules", u.Rules != nil), slog.Bool("config", len(u.Config) > 0))
	return nil
}

func (p *Propagator) ApplyRules(rules []model.Rule) error {
	if rules == nil {
		rules = []model.Rule{}
	}
	return p.Apply(Update{Rules: &rules})
}

func (p *Propagator) ApplyConfig(patch json.RawMessage) error {
	return p.Apply(Update{Config: patch})
}

func (p *Propagator) swap(snap *Snapshot, u Update) {
	p.current.Store(snap)
	p.state.Store(int32(Ready))
	for _, fn := range p.hooks {
		fn(snap, u)
	}
}

// FollowStore applies storage change notifications until ctx is done or
// changes is closed.
func (p *Propagator) FollowStore(ctx context.Context, changes <-chan store.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			p.applyChange(c)
		}
	}
}

func (p *Propagator) applyChange(c store.Change) {
	switch {
	case c.Partition == store.Sync && c.Key == store.KeyRules:
		var rules []model.Rule
		if len(c.Value) > 0 && string(c.Value) != "null" {
			if err := json.Unmarshal(c.Value, &rules); err != nil {
				slog.Warn("Invalid rules notification", slog.String("context", p.name), slog.Any("error", err))
				return
			}
		}
		_ = p.ApplyRules(rules)
	case c.Partition == store.Local && c.Key == store.KeyConfig:
		_ = p.ApplyConfig(c.Value)
	}
}

// Follow applies pushed updates until ctx is done or updates is closed.
func (p *Propagator) Follow(ctx context.Context, updates <-chan Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			_ = p.Apply(u)
		}
	}
}
