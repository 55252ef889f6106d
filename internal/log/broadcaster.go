package log

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
)

const subscriberBuffer = 256

// Broadcaster is an io.Writer that copies every log line to the
// subscribers whose minimum level it meets. It backs the /logs stream.
// Slow subscribers miss lines.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]slog.Level
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan []byte]slog.Level),
	}
}

var levelKey = []byte("level=")

// lineLevel reads the level attribute of a text handler line. Lines
// without one count as info.
func lineLevel(p []byte) slog.Level {
	i := bytes.Index(p, levelKey)
	if i < 0 {
		return slog.LevelInfo
	}
	rest := p[i+len(levelKey):]
	if end := bytes.IndexAny(rest, " \n"); end >= 0 {
		rest = rest[:end]
	}
	return ParseLevel(string(rest))
}

func (b *Broadcaster) Write(p []byte) (int, error) {
	level := lineLevel(p)
	buf := bytes.Clone(p)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, floor := range b.subscribers {
		if level < floor {
			continue
		}
		select {
		case ch <- buf:
		default:
		}
	}
	return len(p), nil
}

// Subscribe returns a channel receiving every line at or above floor.
// Release it with Unsubscribe.
func (b *Broadcaster) Subscribe(floor slog.Level) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = floor
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Calling it twice is safe.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

var _ io.Writer = (*Broadcaster)(nil)
