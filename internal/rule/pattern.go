package rule

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	patternCacheSize = 1024
	matchTimeout     = 50 * time.Millisecond
)

// WildcardToPattern translates a glob where '*' matches any sequence of
// characters into an anchored pattern. The output only uses RE2 syntax so
// it can be handed to the declarative rule engine unchanged.
func WildcardToPattern(glob string) string {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}

// ExactToPattern anchors a literal URL.
func ExactToPattern(s string) string {
	return "^" + regexp.QuoteMeta(s) + "$"
}

type patternKey struct {
	expr string
	opts regexp2.RegexOptions
}

type compiled struct {
	re  *regexp2.Regexp
	err error
}

var patterns, _ = lru.New[patternKey, compiled](patternCacheSize)

// compilePattern returns a cached compiled pattern. Failures are cached
// as well so a malformed pattern is only reported once.
func compilePattern(expr string, opts regexp2.RegexOptions) (*regexp2.Regexp, error) {
	key := patternKey{expr: expr, opts: opts}
	if c, ok := patterns.Get(key); ok {
		return c.re, c.err
	}
	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		slog.Warn("regexp2.Compile", slog.String("pattern", expr), slog.Any("error", err))
		re = nil
	} else {
		re.MatchTimeout = matchTimeout
	}
	patterns.Add(key, compiled{re: re, err: err})
	return re, err
}

func matchString(re *regexp2.Regexp, s string) bool {
	if re == nil {
		return false
	}
	ok, err := re.MatchString(s)
	if err != nil {
		slog.Debug("regexp2.MatchString", slog.String("pattern", re.String()), slog.Any("error", err))
		return false
	}
	return ok
}
