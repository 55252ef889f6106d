package background

import (
	"encoding/json"
	"sync"

	"github.com/apiforward/apiforward/internal/store"
)

const maxPendingWrites = 64

// ownWrites remembers values this process stored so their change
// notifications are not applied a second time, possibly after a newer
// write.
type ownWrites struct {
	mu      sync.Mutex
	pending map[string][]string
}

func newOwnWrites() *ownWrites {
	return &ownWrites{pending: make(map[string][]string)}
}

func writeKey(p store.Partition, key string) string {
	return string(p) + "/" + key
}

func (w *ownWrites) add(p store.Partition, key string, raw json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := writeKey(p, key)
	list := append(w.pending[k], string(raw))
	if len(list) > maxPendingWrites {
		list = list[len(list)-maxPendingWrites:]
	}
	w.pending[k] = list
}

// consume reports whether c echoes a remembered write and forgets it.
func (w *ownWrites) consume(c store.Change) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := writeKey(c.Partition, c.Key)
	list := w.pending[k]
	for i, v := range list {
		if v == string(c.Value) {
			w.pending[k] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// filter forwards changes that did not originate from this process.
func (w *ownWrites) filter(in <-chan store.Change) <-chan store.Change {
	out := make(chan store.Change, cap(in))
	go func() {
		defer close(out)
		for c := range in {
			if w.consume(c) {
				continue
			}
			out <- c
		}
	}()
	return out
}
