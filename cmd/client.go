package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/apiforward/apiforward/internal/config"
	"github.com/apiforward/apiforward/internal/declarative"
	"github.com/apiforward/apiforward/internal/log"
)

// setClientLog sends logs of short-lived commands to stderr so stdout
// carries only command output.
func setClientLog(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: log.ParseLevel(cfg.LogLevel),
	})))
}

// connect returns a transport to the background context and the source
// of its configUpdate pushes: the remote service when one is configured,
// otherwise an in-process one over the configured store. engine receives
// declarative rules in-process and may be nil.
func connect(ctx context.Context, cfg *config.Config, engine *declarative.Engine) (bus.Transport, follower, error) {
	if cfg.Remote != "" {
		c := bus.NewClient(cfg.Remote, cfg.API.Secret)
		return c, c, nil
	}
	if engine == nil {
		engine = declarative.NewEngine()
	}
	svc, err := startBackground(ctx, cfg, engine)
	if err != nil {
		return nil, nil, err
	}
	l := bus.NewLocal(svc, 0)
	addShutdown("bus.Close", l.Close)
	return l, svc, nil
}

// send delivers msg and turns a failed reply into an error.
func send(ctx context.Context, t bus.Transport, msg bus.Message) (bus.Reply, error) {
	reply, err := t.Send(ctx, msg)
	if err != nil {
		return reply, err
	}
	return reply, reply.Err()
}
