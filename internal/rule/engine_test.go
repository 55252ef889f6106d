package rule

import (
	"encoding/json"
	"testing"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseRules(t *testing.T, s string) []model.Rule {
	t.Helper()
	var rules []model.Rule
	require.NoError(t, json.Unmarshal([]byte(s), &rules))
	return rules
}

func TestWildcardToPattern(t *testing.T) {
	tests := []struct {
		glob string
		want string
	}{
		{"*.example.com/api/*", `^.*\.example\.com/api/.*$`},
		{"https://a.com/?q=1", `^https://a\.com/\?q=1$`},
		{"*", `^.*$`},
		{"", `^$`},
	}
	for _, tt := range tests {
		t.Run(tt.glob, func(t *testing.T) {
			assert.Equal(t, tt.want, WildcardToPattern(tt.glob))
		})
	}
}

func TestWildcardMatch(t *testing.T) {
	rules := []model.Rule{{Wildcard: "*.example.com/api/*"}}
	tests := []struct {
		url  string
		want bool
	}{
		{"https://foo.example.com/api/v1", true},
		{"https://FOO.Example.com/API/v1", true},
		{"https://example.org/api/v1", false},
		{"https://foo.example.com/api/", true},
		{"https://foo.example.com/apiv1", false},
		{"https://foo.example.com/api/a\nb", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			idx, r := FindFirstMatch(tt.url, "GET", rules)
			assert.Equal(t, tt.want, r != nil)
			if tt.want {
				assert.Equal(t, 0, idx)
			}
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	rules := parseRules(t, `[
		{"name": "disabled", "enabled": false, "wildcard": "*"},
		{"name": "first", "wildcard": "https://api.example.com/*"},
		{"name": "second", "exact": "https://api.example.com/items"}
	]`)
	e := NewEngine(rules)
	m, ok := e.Match("https://api.example.com/items", "GET")
	require.True(t, ok)
	assert.Equal(t, 1, m.Index)
	assert.Equal(t, "first", m.Rule.Name)

	idx, r := FindFirstMatch("https://api.example.com/items", "GET", rules)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "first", r.Name)
}

func TestNoPredicateNeverMatches(t *testing.T) {
	rules := parseRules(t, `[{"name": "empty", "method": "GET"}, {"any": []}, {"all": []}, {"exact": ""}]`)
	e := NewEngine(rules)
	_, ok := e.Match("https://example.com/", "GET")
	assert.False(t, ok)

	_, err := Compile(&rules[0])
	assert.ErrorIs(t, err, ErrNoPredicate)
}

func TestPatternsIgnoreCase(t *testing.T) {
	rules := parseRules(t, `[
		{"name": "regex", "regex": "^https://API\\.example\\.com/old$"},
		{"name": "wildcard", "wildcard": "https://CDN.example.com/*"},
		{"name": "exact", "exact": "https://www.example.com/Path"}
	]`)
	e := NewEngine(rules)

	m, ok := e.Match("https://api.example.com/old", "GET")
	require.True(t, ok)
	assert.Equal(t, "regex", m.Rule.Name)

	m, ok = e.Match("https://cdn.example.com/x", "GET")
	require.True(t, ok)
	assert.Equal(t, "wildcard", m.Rule.Name)

	_, ok = e.Match("https://www.example.com/path", "GET")
	assert.False(t, ok, "exact is string equality")
	_, ok = e.Match("https://www.example.com/Path", "GET")
	assert.True(t, ok)
}

func TestMethodConstraint(t *testing.T) {
	rules := parseRules(t, `[
		{"name": "post", "method": "post", "wildcard": "*/items"},
		{"name": "list", "method": ["PUT", "patch"], "wildcard": "*/items"}
	]`)
	e := NewEngine(rules)

	m, ok := e.Match("https://a.com/items", "POST")
	require.True(t, ok)
	assert.Equal(t, "post", m.Rule.Name)

	m, ok = e.Match("https://a.com/items", "PATCH")
	require.True(t, ok)
	assert.Equal(t, "list", m.Rule.Name)

	_, ok = e.Match("https://a.com/items", "GET")
	assert.False(t, ok)
}

func TestAllAndAny(t *testing.T) {
	ruleA := `{"wildcard": "https://api.example.com/*"}`
	ruleB := `{"regex": "/v[0-9]+/"}`
	rules := parseRules(t, `[{"all": [`+ruleA+`,`+ruleB+`]}]`)
	single := func(s string) []model.Rule { return parseRules(t, "["+s+"]") }

	urls := []string{
		"https://api.example.com/v1/items",
		"https://api.example.com/items",
		"https://other.example.com/v1/items",
		"https://other.example.com/items",
	}
	for _, u := range urls {
		t.Run(u, func(t *testing.T) {
			_, a := FindFirstMatch(u, "GET", single(ruleA))
			_, b := FindFirstMatch(u, "GET", single(ruleB))
			_, all := FindFirstMatch(u, "GET", rules)
			assert.Equal(t, a != nil && b != nil, all != nil)
		})
	}

	anyRules := parseRules(t, `[{"any": [{"exact": "https://x.com/a"}, {"exact": "https://x.com/b"}]}]`)
	_, r := FindFirstMatch("https://x.com/b", "GET", anyRules)
	assert.NotNil(t, r)
	_, r = FindFirstMatch("https://x.com/c", "GET", anyRules)
	assert.Nil(t, r)
}

func TestSubRuleMethod(t *testing.T) {
	rules := parseRules(t, `[{"any": [{"method": "POST", "exact": "https://x.com/a"}]}]`)
	_, r := FindFirstMatch("https://x.com/a", "GET", rules)
	assert.Nil(t, r)
	_, r = FindFirstMatch("https://x.com/a", "POST", rules)
	assert.NotNil(t, r)
}

func TestMalformedRegex(t *testing.T) {
	rules := parseRules(t, `[
		{"name": "broken", "regex": "(unclosed"},
		{"name": "broken-or-exact", "regex": "[", "exact": "https://x.com/"},
		{"name": "fallback", "wildcard": "*"}
	]`)
	e := NewEngine(rules)

	m, ok := e.Match("https://x.com/", "GET")
	require.True(t, ok)
	assert.Equal(t, "broken-or-exact", m.Rule.Name)

	m, ok = e.Match("https://y.com/", "GET")
	require.True(t, ok)
	assert.Equal(t, "fallback", m.Rule.Name)
}

func TestDepthGuard(t *testing.T) {
	r := model.Rule{Exact: "https://x.com/"}
	for i := 0; i < MaxDepth+2; i++ {
		r = model.Rule{All: []model.Rule{r}}
	}
	_, err := Compile(&r)
	assert.ErrorIs(t, err, ErrTooDeep)

	e := NewEngine([]model.Rule{r})
	_, ok := e.Match("https://x.com/", "GET")
	assert.False(t, ok)
}
