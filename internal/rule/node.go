package rule

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/dlclark/regexp2"
)

var (
	ErrNoPredicate = errors.New("rule has no predicate")
	ErrTooDeep     = errors.New("rule predicate nesting too deep")
)

// MaxDepth bounds any/all nesting.
const MaxDepth = 32

type Kind uint8

const (
	KindExact Kind = iota + 1
	KindWildcard
	KindRegex
	KindAny
	KindAll
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindWildcard:
		return "wildcard"
	case KindRegex:
		return "regex"
	case KindAny:
		return "any"
	case KindAll:
		return "all"
	}
	return "unknown"
}

// Node is one predicate of a compiled rule: either a leaf pattern or a
// combinator over child rules.
type Node struct {
	Kind     Kind
	Pattern  string
	re       *regexp2.Regexp
	Children []*Predicate
}

// Predicate is the compiled form of a rule's matching part: a method
// constraint and the present predicates, OR'd in evaluation order.
type Predicate struct {
	Methods model.Methods
	Nodes   []Node
}

// Compile builds the predicate tree of r. A rule without any predicate,
// or nested deeper than MaxDepth, is rejected.
func Compile(r *model.Rule) (*Predicate, error) {
	return compile(r, 0)
}

func compile(r *model.Rule, depth int) (*Predicate, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	if !r.HasPredicate() {
		return nil, ErrNoPredicate
	}
	p := &Predicate{Methods: r.Method}
	if r.Exact != "" {
		p.Nodes = append(p.Nodes, Node{Kind: KindExact, Pattern: r.Exact})
	}
	if r.Wildcard != "" {
		// malformed wildcards cannot happen after quoting; a nil re never matches
		re, _ := compilePattern(WildcardToPattern(r.Wildcard), regexp2.IgnoreCase|regexp2.Singleline)
		p.Nodes = append(p.Nodes, Node{Kind: KindWildcard, Pattern: r.Wildcard, re: re})
	}
	if r.Regex != "" {
		re, _ := compilePattern(r.Regex, regexp2.IgnoreCase)
		p.Nodes = append(p.Nodes, Node{Kind: KindRegex, Pattern: r.Regex, re: re})
	}
	for _, c := range []struct {
		kind Kind
		subs []model.Rule
	}{{KindAny, r.Any}, {KindAll, r.All}} {
		if len(c.subs) == 0 {
			continue
		}
		n := Node{Kind: c.kind}
		for i := range c.subs {
			child, err := compile(&c.subs[i], depth+1)
			if errors.Is(err, ErrTooDeep) {
				return nil, err
			}
			if err != nil {
				slog.Warn("Invalid sub-rule", slog.String("kind", c.kind.String()), slog.Int("index", i), slog.Any("error", err))
				child = nil
			}
			n.Children = append(n.Children, child)
		}
		p.Nodes = append(p.Nodes, n)
	}
	return p, nil
}

// Match reports whether the request satisfies the method constraint and
// at least one predicate.
func (p *Predicate) Match(url, method string) bool {
	if p == nil {
		return false
	}
	if !p.Methods.Allows(method) {
		return false
	}
	for i := range p.Nodes {
		if p.Nodes[i].match(url, method) {
			return true
		}
	}
	return false
}

func (n *Node) match(url, method string) bool {
	switch n.Kind {
	case KindExact:
		return url == n.Pattern
	case KindWildcard, KindRegex:
		return matchString(n.re, url)
	case KindAny:
		for _, c := range n.Children {
			if c.Match(url, method) {
				return true
			}
		}
		return false
	case KindAll:
		for _, c := range n.Children {
			if !c.Match(url, method) {
				return false
			}
		}
		return true
	}
	return false
}

func (n Node) String() string {
	if n.Kind == KindAny || n.Kind == KindAll {
		return fmt.Sprintf("%s[%d]", n.Kind, len(n.Children))
	}
	return fmt.Sprintf("%s(%s)", n.Kind, n.Pattern)
}
