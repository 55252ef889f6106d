package history

import (
	"bytes"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/transform"
	"github.com/dlclark/regexp2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	redacted = "***"
	// redactedBody replaces a body that could not be masked in time.
	redactedBody = "[redacted]"
	looseTimeout = 100 * time.Millisecond
)

// maxRedactDepth bounds the JSON walk.
const maxRedactDepth = 16

// Redactor masks sensitive values in history entries.
type Redactor struct {
	keys map[string]struct{}
	// loose finds "key": value pairs in bodies that are no longer valid
	// JSON, typically because the capture limit cut them.
	loose *regexp2.Regexp
}

func NewRedactor(keys []string) *Redactor {
	r := &Redactor{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			r.keys[k] = struct{}{}
		}
	}
	if len(r.keys) == 0 {
		return r
	}
	alts := make([]string, 0, len(r.keys))
	for k := range r.keys {
		alts = append(alts, regexp2.Escape(k))
	}
	sort.Strings(alts)
	expr := `"(` + strings.Join(alts, "|") + `)"(\s*:\s*)(?:"(?:[^"\\]|\\.)*"?|[^\s,\]}\[{"]+)`
	re, err := regexp2.Compile(expr, regexp2.IgnoreCase)
	if err != nil {
		slog.Warn("regexp2.Compile", slog.String("pattern", expr), slog.Any("error", err))
		return r
	}
	re.MatchTimeout = looseTimeout
	r.loose = re
	return r
}

func (r *Redactor) sensitive(name string) bool {
	_, ok := r.keys[strings.ToLower(name)]
	return ok
}

// Entry returns a copy of e with sensitive headers, query parameters and
// JSON body fields masked.
func (r *Redactor) Entry(e model.HistoryEntry) model.HistoryEntry {
	if len(r.keys) == 0 {
		return e
	}
	if len(e.Headers) > 0 {
		h := make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			if r.sensitive(k) {
				v = redacted
			}
			h[k] = v
		}
		e.Headers = h
	}
	e.URL = r.URL(e.URL)
	e.FinalURL = r.URL(e.FinalURL)
	if e.Body != "" {
		e.Body = string(r.JSON([]byte(e.Body)))
	}
	return e
}

// URL masks sensitive query parameter values.
func (r *Redactor) URL(raw string) string {
	if raw == "" || !strings.Contains(raw, "?") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	parts := strings.Split(u.RawQuery, "&")
	changed := false
	for i, part := range parts {
		k, _, _ := strings.Cut(part, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			name = k
		}
		if r.sensitive(name) {
			parts[i] = k + "=" + redacted
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String()
}

// JSON masks the values of sensitive keys at any depth. Bodies that are
// not valid JSON get their quoted "key": value pairs masked instead;
// anything else is returned unchanged.
func (r *Redactor) JSON(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return r.masked(body)
	}
	var paths []string
	r.walk(gjson.ParseBytes(body), "", 0, &paths)
	out := body
	for _, p := range paths {
		if next, err := sjson.SetBytes(out, p, redacted); err == nil {
			out = next
		}
	}
	return out
}

func (r *Redactor) masked(body []byte) []byte {
	if r.loose == nil || !bytes.ContainsRune(body, '"') {
		return body
	}
	out, err := r.loose.ReplaceFunc(string(body), func(m regexp2.Match) string {
		return `"` + m.GroupByNumber(1).String() + `"` + m.GroupByNumber(2).String() + `"` + redacted + `"`
	}, -1, -1)
	if err != nil {
		slog.Debug("History body masking failed", slog.Any("error", err))
		return []byte(redactedBody)
	}
	return []byte(out)
}

func (r *Redactor) walk(v gjson.Result, prefix string, depth int, paths *[]string) {
	if depth > maxRedactDepth || (!v.IsObject() && !v.IsArray()) {
		return
	}
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	if v.IsArray() {
		for i, item := range v.Array() {
			r.walk(item, join(strconv.Itoa(i)), depth+1, paths)
		}
		return
	}
	v.ForEach(func(key, value gjson.Result) bool {
		p := join(transform.EscapePath(key.String()))
		if r.sensitive(key.String()) {
			*paths = append(*paths, p)
			return true
		}
		r.walk(value, p, depth+1, paths)
		return true
	})
}
