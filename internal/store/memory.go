package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	data   map[Partition]map[string]json.RawMessage
	notify *notifier
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		data:   make(map[Partition]map[string]json.RawMessage),
		notify: newNotifier(),
	}
}

func (m *Memory) Get(ctx context.Context, p Partition, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]json.RawMessage, len(keys))
	part := m.data[p]
	for _, k := range keys {
		if v, ok := part[k]; ok {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, p Partition, values map[string]json.RawMessage) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	part, ok := m.data[p]
	if !ok {
		part = make(map[string]json.RawMessage)
		m.data[p] = part
	}
	changes := make([]Change, 0, len(values))
	for k, v := range values {
		v = append(json.RawMessage(nil), v...)
		part[k] = v
		changes = append(changes, Change{Partition: p, Key: k, Value: v})
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.notify.publish(c)
	}
	return nil
}

func (m *Memory) Subscribe() (<-chan Change, func()) {
	return m.notify.subscribe()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notify.close()
	return nil
}
