package rule

import (
	"log/slog"

	"github.com/apiforward/apiforward/internal/model"
)

// Match is the outcome of a successful lookup. Index is the rule's
// position in the list, which is its identity.
type Match struct {
	Index int
	Rule  *model.Rule
}

type entry struct {
	rule *model.Rule
	pred *Predicate
}

// Engine holds a precompiled, immutable rule list.
type Engine struct {
	entries []entry
}

func NewEngine(rules []model.Rule) *Engine {
	entries := make([]entry, len(rules))
	var active int
	for i := range rules {
		r := &rules[i]
		entries[i].rule = r
		if !r.IsEnabled() {
			continue
		}
		pred, err := Compile(r)
		if err != nil {
			slog.Warn("Invalid rule", slog.Int("index", i), slog.Any("rule", r), slog.Any("error", err))
			continue
		}
		entries[i].pred = pred
		active++
	}
	slog.Debug("Rule engine initialized", slog.Int("rules", len(rules)), slog.Int("active", active))
	return &Engine{entries: entries}
}

// Match returns the first enabled rule matching url and method. Later
// rules are never considered once one matches.
func (e *Engine) Match(url, method string) (Match, bool) {
	if e == nil {
		return Match{Index: -1}, false
	}
	for i, en := range e.entries {
		if en.pred == nil {
			continue
		}
		if en.pred.Match(url, method) {
			slog.Debug("Rule matched", slog.Int("index", i), slog.Any("rule", en.rule), slog.String("url", url), slog.String("method", method))
			return Match{Index: i, Rule: en.rule}, true
		}
	}
	return Match{Index: -1}, false
}

func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.entries)
}

// FindFirstMatch evaluates rules against a request without keeping a
// compiled engine around. Compiled patterns are still cached.
func FindFirstMatch(url, method string, rules []model.Rule) (int, *model.Rule) {
	for i := range rules {
		r := &rules[i]
		if !r.IsEnabled() {
			continue
		}
		pred, err := Compile(r)
		if err != nil {
			continue
		}
		if pred.Match(url, method) {
			return i, r
		}
	}
	return -1, nil
}
