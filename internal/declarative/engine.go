package declarative

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Installer is the host's dynamic rule store.
type Installer interface {
	DynamicRules(ctx context.Context) ([]Rule, error)
	UpdateDynamicRules(ctx context.Context, removeIDs []int, add []Rule) error
}

type installed struct {
	rule Rule
	re   *regexp.Regexp
}

// Engine is an in-process host rule store that also enforces the
// installed rules on outgoing requests. Updates are applied all or
// nothing.
type Engine struct {
	mu    sync.RWMutex
	rules []installed
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) DynamicRules(ctx context.Context) ([]Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.rule
	}
	return out, nil
}

func (e *Engine) UpdateDynamicRules(ctx context.Context, removeIDs []int, add []Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remove := make(map[int]struct{}, len(removeIDs))
	for _, id := range removeIDs {
		remove[id] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]installed, 0, len(e.rules)+len(add))
	ids := make(map[int]struct{}, len(e.rules)+len(add))
	for _, r := range e.rules {
		if _, ok := remove[r.rule.ID]; ok {
			continue
		}
		next = append(next, r)
		ids[r.rule.ID] = struct{}{}
	}
	for _, r := range add {
		if r.ID < 1 {
			return fmt.Errorf("rule id %d: must be positive", r.ID)
		}
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("rule id %d: duplicate", r.ID)
		}
		re, err := compileFilter(r.Condition)
		if err != nil {
			return fmt.Errorf("rule id %d: %w", r.ID, err)
		}
		ids[r.ID] = struct{}{}
		next = append(next, installed{rule: r, re: re})
	}
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].rule.Priority != next[j].rule.Priority {
			return next[i].rule.Priority > next[j].rule.Priority
		}
		return next[i].rule.ID < next[j].rule.ID
	})
	e.rules = next
	return nil
}

func compileFilter(c Condition) (*regexp.Regexp, error) {
	expr := c.RegexFilter
	if expr == "" {
		return nil, fmt.Errorf("empty regexFilter")
	}
	if c.IsURLFilterCaseSensitive == nil || !*c.IsURLFilterCaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regexFilter: %w", err)
	}
	return re, nil
}

func (in *installed) matches(u, method string) bool {
	if ms := in.rule.Condition.RequestMethods; len(ms) > 0 {
		ok := false
		for _, m := range ms {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return in.re.MatchString(u)
}

// Decision is what the engine does to one request.
type Decision struct {
	RedirectURL string
	Headers     []HeaderInfo
	RuleIDs     []int
}

// Evaluate returns the first matching redirect, by priority then ID, and
// the header operations of every matching modifyHeaders rule. Requests
// marked with WithRequestHeaders skip evaluation.
func (e *Engine) Evaluate(u, method string) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var d Decision
	for i := range e.rules {
		in := &e.rules[i]
		if !in.matches(u, method) {
			continue
		}
		switch in.rule.Action.Type {
		case ActionRedirect:
			if d.RedirectURL == "" && in.rule.Action.Redirect != nil {
				d.RedirectURL = in.rule.Action.Redirect.URL
				d.RuleIDs = append(d.RuleIDs, in.rule.ID)
			}
		case ActionModifyHeaders:
			d.Headers = append(d.Headers, in.rule.Action.RequestHeaders...)
			d.RuleIDs = append(d.RuleIDs, in.rule.ID)
		}
	}
	return d
}

type requestHeadersKey struct{}

// WithRequestHeaders records on ctx that the in-process matcher has
// already handled the request. The enforcer then applies ops, which may
// be empty, and nothing derived from the installed rules: the URL it sees
// is post-rewrite and only the first matching user rule counts.
func WithRequestHeaders(ctx context.Context, ops []HeaderInfo) context.Context {
	return context.WithValue(ctx, requestHeadersKey{}, ops)
}

func requestHeaders(ctx context.Context) ([]HeaderInfo, bool) {
	ops, ok := ctx.Value(requestHeadersKey{}).([]HeaderInfo)
	return ops, ok
}

// Transport enforces installed rules before handing the request to next.
func (e *Engine) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &enforcer{engine: e, next: next}
}

type enforcer struct {
	engine *Engine
	next   http.RoundTripper
}

func (t *enforcer) RoundTrip(req *http.Request) (*http.Response, error) {
	var d Decision
	if ops, ok := requestHeaders(req.Context()); ok {
		d.Headers = ops
	} else {
		d = t.engine.Evaluate(req.URL.String(), req.Method)
	}
	if d.RedirectURL == "" && len(d.Headers) == 0 {
		return t.next.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	if d.RedirectURL != "" {
		target, err := url.Parse(d.RedirectURL)
		if err != nil {
			slog.Warn("Invalid declarative redirect", slog.String("url", d.RedirectURL), slog.Any("error", err))
		} else {
			out.URL = target
			out.Host = target.Host
		}
	}
	for _, h := range d.Headers {
		switch h.Operation {
		case HeaderSet:
			if strings.EqualFold(h.Header, "host") {
				out.Host = h.Value
				continue
			}
			out.Header.Set(h.Header, h.Value)
		case HeaderRemove:
			out.Header.Del(h.Header)
		}
	}
	slog.Debug("Declarative rules applied", slog.String("url", req.URL.String()), slog.String("final", out.URL.String()), slog.Any("ids", d.RuleIDs))
	return t.next.RoundTrip(out)
}
