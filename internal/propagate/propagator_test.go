package propagate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartMergesOverDefaults(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer s.Close()
	require.NoError(t, store.SetJSON(ctx, s, store.Sync, store.KeyRules, []model.Rule{{Name: "a", Exact: "https://a.com/"}}))
	require.NoError(t, s.Set(ctx, store.Local, map[string]json.RawMessage{store.KeyConfig: json.RawMessage(`{"historyLimit": 10}`)}))

	p := New("test", StoreLoader{Store: s})
	assert.Equal(t, Uninitialized, p.State())
	assert.Equal(t, model.DefaultConfig(), p.Current().Config)

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, Ready, p.State())

	snap := p.Current()
	require.Len(t, snap.Rules, 1)
	assert.Equal(t, 10, snap.Config.HistoryLimit)
	assert.True(t, snap.Config.Enabled)
	assert.Equal(t, []string{"authorization", "token", "password", "cookie"}, snap.Config.SensitiveKeys)

	m, ok := snap.Match("https://a.com/", "GET")
	require.True(t, ok)
	assert.Equal(t, "a", m.Rule.Name)
}

func TestStartFailureKeepsDefaults(t *testing.T) {
	p := New("test", LoaderFunc(func(ctx context.Context) ([]model.Rule, json.RawMessage, error) {
		return nil, nil, errors.New("unavailable")
	}))
	assert.Error(t, p.Start(context.Background()))
	assert.Equal(t, Syncing, p.State())
	assert.Empty(t, p.Current().Rules)
	assert.True(t, p.Current().Config.Enabled)
}

func TestApplyMergeSemantics(t *testing.T) {
	p := New("test", StoreLoader{Store: store.NewMemory()})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.ApplyConfig(json.RawMessage(`{"historyMatchOnly": true}`)))
	require.NoError(t, p.ApplyConfig(json.RawMessage(`{"historyLimit": 3}`)))
	cfg := p.Current().Config
	assert.True(t, cfg.HistoryMatchOnly, "fields absent from an update are preserved")
	assert.Equal(t, 3, cfg.HistoryLimit)

	require.NoError(t, p.ApplyRules([]model.Rule{{Name: "one", Exact: "x"}, {Name: "two", Exact: "y"}}))
	require.NoError(t, p.ApplyRules([]model.Rule{{Name: "three", Exact: "z"}}))
	rules := p.Current().Rules
	require.Len(t, rules, 1, "rule updates replace")
	assert.Equal(t, "three", rules[0].Name)
	assert.Equal(t, 3, p.Current().Config.HistoryLimit)

	assert.Error(t, p.ApplyConfig(json.RawMessage(`{"historyLimit": -1}`)))
	assert.Equal(t, 3, p.Current().Config.HistoryLimit)
}

func TestSnapshotIsNotMutated(t *testing.T) {
	p := New("test", StoreLoader{Store: store.NewMemory()})
	require.NoError(t, p.ApplyRules([]model.Rule{{Name: "old", Wildcard: "*"}}))
	before := p.Current()

	require.NoError(t, p.ApplyRules([]model.Rule{{Name: "new", Wildcard: "*"}}))
	require.NoError(t, p.ApplyConfig(json.RawMessage(`{"enabled": false}`)))

	assert.Equal(t, "old", before.Rules[0].Name)
	assert.True(t, before.Config.Enabled)
	m, _ := before.Match("https://a.com/", "GET")
	assert.Equal(t, "old", m.Rule.Name)
}

func TestFollowStoreIsEventuallyConsistent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := store.NewMemory()
	defer s.Close()

	p := New("page", StoreLoader{Store: s})
	require.NoError(t, p.Start(ctx))
	changes, unsubscribe := s.Subscribe()
	defer unsubscribe()
	go p.FollowStore(ctx, changes)

	require.NoError(t, store.SetJSON(ctx, s, store.Sync, store.KeyRules, []model.Rule{{Name: "fresh", Wildcard: "*"}}))
	require.Eventually(t, func() bool {
		_, ok := p.Current().Match("https://a.com/", "GET")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.SetJSON(ctx, s, store.Local, store.KeyConfig, map[string]any{"enabled": false}))
	require.Eventually(t, func() bool {
		return !p.Current().Config.Enabled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFollowUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New("frame", StoreLoader{Store: store.NewMemory()})

	var mu sync.Mutex
	var seen []Update
	p.OnUpdate(func(s *Snapshot, u Update) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, u)
	})

	updates := make(chan Update, 2)
	go p.Follow(ctx, updates)
	rules := []model.Rule{{Exact: "https://a.com/"}}
	updates <- Update{Rules: &rules, Config: json.RawMessage(`{"historyLimit": 7}`)}

	require.Eventually(t, func() bool {
		return p.Current().Config.HistoryLimit == 7 && len(p.Current().Rules) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()
}

func TestConcurrentReaders(t *testing.T) {
	p := New("test", StoreLoader{Store: store.NewMemory()})
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := p.Current()
				if len(s.Rules) > 0 {
					_, _ = s.Match("https://a.com/", "GET")
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_ = p.ApplyRules([]model.Rule{{Wildcard: "*"}})
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, Ready, p.State())
}
