package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/apiforward/apiforward/internal/config"
	"github.com/apiforward/apiforward/internal/declarative"
	"github.com/apiforward/apiforward/internal/forward"
	"github.com/apiforward/apiforward/internal/intercept"
	"github.com/apiforward/apiforward/internal/propagate"
)

// follower streams configUpdate pushes from the background context.
type follower interface {
	Updates(ctx context.Context) (<-chan propagate.Update, error)
}

// page is a page context: its own snapshot loaded over t and the
// interception chain built on it.
type page struct {
	prop   *propagate.Propagator
	client *http.Client
}

// newPage builds a page context. engine enforces declarative rules on the
// network path; when the background context runs in another process it
// does not install into engine, so the page mirrors the rules itself.
// A nil f leaves the snapshot as loaded.
func newPage(ctx context.Context, cfg *config.Config, t bus.Transport, engine *declarative.Engine, f follower) *page {
	prop := propagate.New("page", bus.Loader{Transport: t})
	if err := prop.Start(ctx); err != nil {
		slog.Warn("Page context running on defaults", slog.Any("error", err))
	}

	if _, remote := t.(*bus.Client); remote {
		applier := declarative.NewApplier(engine)
		prop.OnUpdate(func(snap *propagate.Snapshot, u propagate.Update) {
			if u.Rules == nil {
				return
			}
			if err := applier.Apply(ctx, snap.Rules); err != nil {
				slog.Warn("Declarative install failed", slog.Any("error", err))
			}
		})
		if err := applier.Apply(ctx, prop.Current().Rules); err != nil {
			slog.Warn("Declarative install failed", slog.Any("error", err))
		}
	}

	if f != nil {
		updates, err := f.Updates(ctx)
		if err != nil {
			slog.Warn("Not following config updates", slog.Any("error", err))
		} else {
			go prop.Follow(ctx, updates)
		}
	}

	emitter := intercept.NewEmitter(t, forward.NewClient(cfg.ForwardTimeout), 0)
	addShutdown("emitter.Close", emitter.Close)

	network := engine.Transport(http.DefaultTransport)
	chain := intercept.New(intercept.Options{
		Propagator: prop,
		Emitter:    emitter,
		Next:       intercept.NewObserver(prop, emitter, network),
		Delegate:   cfg.DelegateHeaders,
	})
	return &page{
		prop:   prop,
		client: &http.Client{Transport: chain},
	}
}
