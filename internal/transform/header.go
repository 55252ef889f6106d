package transform

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/apiforward/apiforward/internal/model"
	"golang.org/x/net/http/httpguts"
)

var restrictedHeaders = map[string]struct{}{
	"accept-charset":                 {},
	"accept-encoding":                {},
	"access-control-request-headers": {},
	"access-control-request-method":  {},
	"connection":                     {},
	"content-length":                 {},
	"cookie":                         {},
	"cookie2":                        {},
	"date":                           {},
	"dnt":                            {},
	"expect":                         {},
	"host":                           {},
	"keep-alive":                     {},
	"origin":                         {},
	"referer":                        {},
	"set-cookie":                     {},
	"te":                             {},
	"trailer":                        {},
	"transfer-encoding":              {},
	"upgrade":                        {},
	"via":                            {},
}

// IsRestrictedHeader reports whether name belongs to the browser-controlled
// set that in-page code cannot change.
func IsRestrictedHeader(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(n, "sec-") || strings.HasPrefix(n, "proxy-") {
		return true
	}
	_, ok := restrictedHeaders[n]
	return ok
}

// applyHeaderChanges applies set then remove to h in place. It returns the
// number of changes applied. Restricted names are skipped when delegate is
// true.
func applyHeaderChanges(h http.Header, c *model.Changes, delegate bool) int {
	if c == nil {
		return 0
	}
	n := 0
	for _, k := range sortedKeys(c.Set) {
		v := c.Set[k]
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			slog.Debug("Skip invalid header", slog.String("header", k))
			continue
		}
		if delegate && IsRestrictedHeader(k) {
			continue
		}
		h.Set(k, v)
		n++
	}
	for _, k := range c.Remove {
		if delegate && IsRestrictedHeader(k) {
			continue
		}
		if _, ok := h[http.CanonicalHeaderKey(k)]; ok {
			n++
		}
		h.Del(k)
	}
	return n
}

// FlattenHeaders returns lower-cased names mapped to comma-joined values.
func FlattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
