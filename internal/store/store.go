package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

type Partition string

const (
	// Sync holds the rule set and is broadcast to every context.
	Sync Partition = "sync"
	// Local holds config and history.
	Local Partition = "local"
)

const (
	KeyRules   = "rules"
	KeyConfig  = "config"
	KeyHistory = "history"
)

var ErrClosed = errors.New("store closed")

// Change is a storage change notification.
type Change struct {
	Partition Partition       `json:"partition"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
}

// announce builds the notification published to other processes. The
// history list grows with every request so only its key is sent; readers
// fetch it when they need it.
func announce(p Partition, key string, value json.RawMessage) Change {
	c := Change{Partition: p, Key: key}
	if key != KeyHistory {
		c.Value = value
	}
	return c
}

// Store is the durable key/value store with change notifications.
type Store interface {
	Get(ctx context.Context, p Partition, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, p Partition, values map[string]json.RawMessage) error
	// Subscribe returns a channel of changes and a function that cancels
	// the subscription. Slow subscribers miss notifications.
	Subscribe() (<-chan Change, func())
	Close() error
}

// GetJSON decodes a single key into v. found is false when the key is
// absent.
func GetJSON(ctx context.Context, s Store, p Partition, key string, v any) (found bool, err error) {
	values, err := s.Get(ctx, p, key)
	if err != nil {
		return false, err
	}
	raw, ok := values[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", p, key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, p Partition, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", p, key, err)
	}
	return s.Set(ctx, p, map[string]json.RawMessage{key: raw})
}

const subscriberBuffer = 64

// notifier fans changes out to subscribers without blocking the writer.
type notifier struct {
	mu     sync.RWMutex
	subs   map[chan Change]struct{}
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[chan Change]struct{})}
}

func (n *notifier) subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	n.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subs[ch]; ok {
				delete(n.subs, ch)
				close(ch)
			}
		})
	}
}

func (n *notifier) publish(c Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for ch := range n.subs {
		delete(n.subs, ch)
		close(ch)
	}
}
