package declarative

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/rule"
	"github.com/apiforward/apiforward/internal/transform"
)

const (
	// BaseID is the first ID handed out by every compilation.
	BaseID          = 1000
	DefaultPriority = 1
)

var defaultResourceTypes = []string{"main_frame", "sub_frame", "xmlhttprequest", "other"}

// Compilation is the full replacement of the installed rule set.
type Compilation struct {
	RemoveIDs []int
	AddRules  []Rule
}

// Compile derives host-enforced rules from the user rule set. Every ID in
// installed is removed; IDs are reassigned from BaseID on each call.
//
// String redirects to absolute http(s) URLs become redirect rules. Header
// changes on restricted names, which in-process code does not apply,
// become modifyHeaders rules. Object-form redirects stay in-process only.
func Compile(rules []model.Rule, installed []int) Compilation {
	c := Compilation{RemoveIDs: append([]int(nil), installed...)}
	sort.Ints(c.RemoveIDs)

	next := BaseID
	for i := range rules {
		r := &rules[i]
		if !r.IsEnabled() {
			continue
		}
		cond, ok := condition(r)

		if target, isRedirect := r.RedirectURL(); isRedirect {
			if !ok {
				slog.Debug("Skip redirect without url predicate", slog.Int("index", i))
			} else {
				c.AddRules = append(c.AddRules, Rule{
					ID:        next,
					Priority:  DefaultPriority,
					Action:    Action{Type: ActionRedirect, Redirect: &Redirect{URL: target}},
					Condition: cond,
				})
				next++
			}
		}

		if headers := RestrictedHeaderOps(r); len(headers) > 0 && ok {
			c.AddRules = append(c.AddRules, Rule{
				ID:        next,
				Priority:  DefaultPriority,
				Action:    Action{Type: ActionModifyHeaders, RequestHeaders: headers},
				Condition: cond,
			})
			next++
		}
	}
	return c
}

func condition(r *model.Rule) (Condition, bool) {
	var filter string
	switch {
	case r.Exact != "":
		filter = rule.ExactToPattern(r.Exact)
	case r.Wildcard != "":
		filter = rule.WildcardToPattern(r.Wildcard)
	case r.Regex != "":
		filter = r.Regex
	default:
		return Condition{}, false
	}
	// exact is string equality; patterns ignore case like the matcher
	cond := Condition{
		RegexFilter:              filter,
		IsURLFilterCaseSensitive: model.Bool(r.Exact != ""),
		ResourceTypes:            append([]string(nil), defaultResourceTypes...),
	}
	for _, m := range r.Method {
		cond.RequestMethods = append(cond.RequestMethods, strings.ToLower(m))
	}
	return cond, true
}

// RestrictedHeaderOps returns the header changes of r on names that
// in-process code leaves to the host: sets in name order, then removes.
func RestrictedHeaderOps(r *model.Rule) []HeaderInfo {
	if r == nil || r.Modify == nil || r.Modify.Headers == nil {
		return nil
	}
	h := r.Modify.Headers
	var ops []HeaderInfo
	keys := make([]string, 0, len(h.Set))
	for k := range h.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if transform.IsRestrictedHeader(k) {
			ops = append(ops, HeaderInfo{Header: strings.ToLower(k), Operation: HeaderSet, Value: h.Set[k]})
		}
	}
	for _, k := range h.Remove {
		if transform.IsRestrictedHeader(k) {
			ops = append(ops, HeaderInfo{Header: strings.ToLower(k), Operation: HeaderRemove})
		}
	}
	return ops
}
