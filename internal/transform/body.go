package transform

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxCaptureBytes is the hard ceiling for rewritten response bodies and
// for every logged or forwarded body copy.
const MaxCaptureBytes = 256 << 10

// IsJSONContentType reports whether a body with this content type is
// eligible for jsonMerge.
func IsJSONContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") && !strings.Contains(ct, "multipart")
}

// MergeJSON shallow-merges changes into a JSON object body. Existing keys
// keep their position, new keys are appended in sorted order. ok is false
// when body is not a JSON object or a change value is not valid JSON.
func MergeJSON(body []byte, changes map[string]json.RawMessage) ([]byte, bool) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body, false
	}
	out := append([]byte(nil), body...)
	var err error
	var v bytes.Buffer
	for _, k := range sortedKeys(changes) {
		v.Reset()
		if err := json.Compact(&v, changes[k]); err != nil {
			return body, false
		}
		out, err = sjson.SetRawBytes(out, EscapePath(k), v.Bytes())
		if err != nil {
			return body, false
		}
	}
	return out, true
}

// ReplaceAll performs a literal global substitution. An empty from
// replaces the whole body with to.
func ReplaceAll(body []byte, r *model.Replace) ([]byte, bool) {
	if r == nil {
		return body, false
	}
	if r.From == "" {
		return []byte(r.To), !bytes.Equal(body, []byte(r.To))
	}
	if !bytes.Contains(body, []byte(r.From)) {
		return body, false
	}
	return bytes.ReplaceAll(body, []byte(r.From), []byte(r.To)), true
}

// CaptureBody returns body cut to MaxCaptureBytes on a UTF-8 boundary.
func CaptureBody(body []byte) []byte {
	if len(body) <= MaxCaptureBytes {
		return body
	}
	cut := MaxCaptureBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

// EscapePath escapes a single object key for use as a gjson/sjson path
// component.
func EscapePath(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c < utf8.RuneSelf && !isPathSafe(c) {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isPathSafe(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
