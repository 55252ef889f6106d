package intercept

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/apiforward/apiforward/internal/forward"
	"github.com/apiforward/apiforward/internal/model"
)

const (
	defaultQueueSize = 256
	deliverTimeout   = 10 * time.Second
)

type job struct {
	msg      bus.Message
	fallback string
}

// Emitter sends logRecord and forwardPayload messages to the background
// context from a single FIFO queue. A full queue drops the message so the
// request path never blocks.
type Emitter struct {
	transport bus.Transport
	forward   *forward.Client

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

func NewEmitter(transport bus.Transport, fc *forward.Client, size int) *Emitter {
	if size <= 0 {
		size = defaultQueueSize
	}
	if fc == nil {
		fc = forward.NewClient(0)
	}
	e := &Emitter{
		transport: transport,
		forward:   fc,
		queue:     make(chan job, size),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Record queues a logRecord message.
func (e *Emitter) Record(entry model.HistoryEntry) {
	e.enqueue(job{msg: bus.Message{Type: bus.TypeLogRecord, Record: &entry}})
}

// Forward queues a forwardPayload message. When the transport fails the
// payload is posted to fallback directly, once.
func (e *Emitter) Forward(payload any, fallback string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Debug("Forward payload encode failed", slog.Any("error", err))
		return
	}
	e.enqueue(job{msg: bus.Message{Type: bus.TypeForwardPayload, Payload: raw}, fallback: fallback})
}

func (e *Emitter) enqueue(j job) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- j:
	default:
		slog.Debug("Side-channel message dropped", slog.String("type", string(j.msg.Type)))
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for j := range e.queue {
		e.deliver(j)
	}
}

func (e *Emitter) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	r, err := e.transport.Send(ctx, j.msg)
	if err == nil {
		if rerr := r.Err(); rerr != nil {
			slog.Debug("Side-channel message rejected", slog.String("type", string(j.msg.Type)), slog.Any("error", rerr))
		}
		return
	}
	slog.Debug("Side-channel message failed", slog.String("type", string(j.msg.Type)), slog.Any("error", err))
	if j.msg.Type != bus.TypeForwardPayload || j.fallback == "" {
		return
	}
	if err := e.forward.Post(ctx, j.fallback, j.msg.Payload); err != nil {
		slog.Debug("Direct forward failed", slog.Any("error", err))
	}
}

// Close delivers the queued messages and stops the emitter.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}
