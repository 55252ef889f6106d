package declarative

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apiforward/apiforward/internal/model"
)

// Applier installs compiled rules. Installs within one process are
// serialized so the last call wins.
type Applier struct {
	mu        sync.Mutex
	installer Installer
}

func NewApplier(installer Installer) *Applier {
	return &Applier{installer: installer}
}

// Apply replaces every installed rule with the compilation of rules.
func (a *Applier) Apply(ctx context.Context, rules []model.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.installer.DynamicRules(ctx)
	if err != nil {
		return fmt.Errorf("read dynamic rules: %w", err)
	}
	ids := make([]int, len(current))
	for i, r := range current {
		ids[i] = r.ID
	}
	c := Compile(rules, ids)
	if err := a.installer.UpdateDynamicRules(ctx, c.RemoveIDs, c.AddRules); err != nil {
		return fmt.Errorf("update dynamic rules: %w", err)
	}
	slog.Info("Declarative rules installed", slog.Int("removed", len(c.RemoveIDs)), slog.Int("added", len(c.AddRules)))
	return nil
}

// Installed returns the rules currently held by the installer.
func (a *Applier) Installed(ctx context.Context) ([]Rule, error) {
	return a.installer.DynamicRules(ctx)
}
