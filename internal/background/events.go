package background

import (
	"context"
	"sync"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/apiforward/apiforward/internal/propagate"
)

// events fans configUpdate messages out to followers. Slow followers
// miss updates.
type events struct {
	mu          sync.RWMutex
	subscribers map[chan bus.Message]struct{}
}

func newEvents() *events {
	return &events{subscribers: make(map[chan bus.Message]struct{})}
}

func (e *events) publish(msg bus.Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (e *events) subscribe() chan bus.Message {
	ch := make(chan bus.Message, 16)
	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

func (e *events) unsubscribe(ch chan bus.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscribers[ch]; ok {
		delete(e.subscribers, ch)
		close(ch)
	}
}

// Updates adapts the configUpdate stream for an in-process follower.
// The channel is closed when ctx is done.
func (s *Service) Updates(ctx context.Context) (<-chan propagate.Update, error) {
	ch := s.Subscribe()
	out := make(chan propagate.Update, cap(ch))
	go func() {
		defer close(out)
		defer s.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- propagate.Update{Rules: msg.Rules, Config: msg.Config}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
