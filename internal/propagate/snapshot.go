package propagate

import (
	"encoding/json"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/rule"
)

// Snapshot is an immutable view of rules and config held by one context.
// It is replaced as a whole, never mutated.
type Snapshot struct {
	Rules  []model.Rule
	Config model.Config
	Engine *rule.Engine
}

func NewSnapshot(rules []model.Rule, cfg model.Config) *Snapshot {
	if rules == nil {
		rules = []model.Rule{}
	}
	return &Snapshot{Rules: rules, Config: cfg, Engine: rule.NewEngine(rules)}
}

// Match runs the rule matcher against this snapshot.
func (s *Snapshot) Match(url, method string) (rule.Match, bool) {
	return s.Engine.Match(url, method)
}

// Update is a pushed change. Rules, when set, replace the rule list;
// Config, when set, is shallow-merged over the current config.
type Update struct {
	Rules  *[]model.Rule
	Config json.RawMessage
}
