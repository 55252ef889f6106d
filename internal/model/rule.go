package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Rule is a single entry of the ordered rule list. The first enabled rule
// whose predicate holds governs a request.
type Rule struct {
	Name    string  `json:"name,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
	Method  Methods `json:"method,omitempty"`

	Exact    string `json:"exact,omitempty"`
	Wildcard string `json:"wildcard,omitempty"`
	Regex    string `json:"regex,omitempty"`
	Any      []Rule `json:"any,omitempty"`
	All      []Rule `json:"all,omitempty"`

	Modify         *RequestModify  `json:"modify,omitempty"`
	Action         *Action         `json:"action,omitempty"`
	ResponseModify *ResponseModify `json:"responseModify,omitempty"`
	Forward        bool            `json:"forward,omitempty"`
}

type RequestModify struct {
	Query   *Changes     `json:"query,omitempty"`
	Headers *Changes     `json:"headers,omitempty"`
	Body    *BodyChanges `json:"body,omitempty"`
}

type ResponseModify struct {
	Headers *Changes     `json:"headers,omitempty"`
	Body    *BodyChanges `json:"body,omitempty"`
}

type Changes struct {
	Set    StringMap `json:"set,omitempty"`
	Remove []string  `json:"remove,omitempty"`
}

type BodyChanges struct {
	JSONMerge     map[string]json.RawMessage `json:"jsonMerge,omitempty"`
	StringReplace *Replace                   `json:"stringReplace,omitempty"`
}

type Replace struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Action struct {
	Redirect *Redirect `json:"redirect,omitempty"`
}

// Redirect is either an absolute URL (string form) or a set of
// component-local replacements (object form).
type Redirect struct {
	URL         string       `json:"-"`
	HostReplace Replacements `json:"hostReplace,omitempty"`
	PathReplace Replacements `json:"pathReplace,omitempty"`
}

// IsEnabled reports whether the rule takes part in matching. An absent
// enabled field means enabled.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// HasPredicate reports whether any of exact, wildcard, regex, any or all
// is present. Empty strings and empty lists count as absent.
func (r *Rule) HasPredicate() bool {
	return r.Exact != "" || r.Wildcard != "" || r.Regex != "" || len(r.Any) > 0 || len(r.All) > 0
}

// RedirectURL returns the string-form redirect target when it is an
// absolute http(s) URL.
func (r *Rule) RedirectURL() (string, bool) {
	if r.Action == nil || r.Action.Redirect == nil || r.Action.Redirect.URL == "" {
		return "", false
	}
	if !IsAbsoluteHTTPURL(r.Action.Redirect.URL) {
		return "", false
	}
	return r.Action.Redirect.URL, true
}

// DisplayName is used in logs and statistics.
func (r *Rule) DisplayName(index int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", index)
}

func (r *Rule) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("name", r.Name)}
	if r.Exact != "" {
		attrs = append(attrs, slog.String("exact", r.Exact))
	}
	if r.Wildcard != "" {
		attrs = append(attrs, slog.String("wildcard", r.Wildcard))
	}
	if r.Regex != "" {
		attrs = append(attrs, slog.String("regex", r.Regex))
	}
	if len(r.Any) > 0 {
		attrs = append(attrs, slog.Int("any", len(r.Any)))
	}
	if len(r.All) > 0 {
		attrs = append(attrs, slog.Int("all", len(r.All)))
	}
	if len(r.Method) > 0 {
		attrs = append(attrs, slog.String("method", strings.Join(r.Method, ",")))
	}
	attrs = append(attrs, slog.Bool("enabled", r.IsEnabled()), slog.Bool("forward", r.Forward))
	return slog.GroupValue(attrs...)
}

// IsAbsoluteHTTPURL reports whether s parses as an http or https URL with
// a host.
func IsAbsoluteHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Methods accepts either a single method string or a list of methods.
type Methods []string

// Allows reports whether method satisfies the constraint. An empty
// constraint allows every method.
func (m Methods) Allows(method string) bool {
	if len(m) == 0 {
		return true
	}
	for _, v := range m {
		if strings.EqualFold(v, method) {
			return true
		}
	}
	return false
}

func (m *Methods) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*m = nil
			return nil
		}
		*m = Methods{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("method must be a string or a list of strings: %w", err)
	}
	*m = list
	return nil
}

func (m Methods) MarshalJSON() ([]byte, error) {
	if len(m) == 1 {
		return json.Marshal(m[0])
	}
	return json.Marshal([]string(m))
}

// StringMap decodes any JSON scalar value to its string form, so
// {"page": 2} sets the value "2".
type StringMap map[string]string

func (s *StringMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(StringMap, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		if len(v) > 0 && v[0] == '"' {
			var str string
			if err := json.Unmarshal(v, &str); err != nil {
				return err
			}
			out[k] = str
			continue
		}
		out[k] = string(v)
	}
	*s = out
	return nil
}

// Replacements accepts a single {from,to} object or an ordered list.
type Replacements []Replace

func (r *Replacements) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*r = nil
	case len(data) > 0 && data[0] == '[':
		var list []Replace
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*r = list
	default:
		var one Replace
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*r = Replacements{one}
	}
	return nil
}

func (r Replacements) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]Replace(r))
}

func (r *Redirect) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		*r = Redirect{}
		return json.Unmarshal(data, &r.URL)
	}
	type plain Redirect
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("redirect must be a URL string or an object: %w", err)
	}
	*r = Redirect(p)
	return nil
}

func (r Redirect) MarshalJSON() ([]byte, error) {
	if r.URL != "" {
		return json.Marshal(r.URL)
	}
	type plain Redirect
	return json.Marshal(plain(r))
}

// Bool returns a pointer to v, for the optional enabled flag.
func Bool(v bool) *bool {
	return &v
}
