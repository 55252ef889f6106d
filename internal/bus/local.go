package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultMailbox = 256

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan Reply
}

// Local delivers messages to a Handler in the same process. Messages are
// handled one at a time in the order they were sent.
type Local struct {
	handler Handler
	queue   chan envelope
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewLocal(h Handler, mailbox int) *Local {
	if mailbox <= 0 {
		mailbox = defaultMailbox
	}
	l := &Local{
		handler: h,
		queue:   make(chan envelope, mailbox),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Local) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case env := <-l.queue:
			r := l.handle(env)
			r.ID = env.msg.ID
			env.reply <- r
		}
	}
}

func (l *Local) handle(env envelope) (r Reply) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Message handler panic", slog.String("type", string(env.msg.Type)), slog.Any("panic", p))
			r = Reply{OK: false, Error: "internal error"}
		}
	}()
	return l.handler.Handle(env.ctx, env.msg)
}

func (l *Local) Send(ctx context.Context, msg Message) (Reply, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	env := envelope{ctx: ctx, msg: msg, reply: make(chan Reply, 1)}
	select {
	case <-l.done:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case l.queue <- env:
	}
	select {
	case r := <-env.reply:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-l.done:
		return Reply{}, ErrClosed
	}
}

// Close stops the mailbox. Pending messages are not handled.
func (l *Local) Close() error {
	l.once.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}
