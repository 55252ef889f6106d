package transform

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/apiforward/apiforward/internal/model"
)

// Request is the outgoing request descriptor seen by the pipeline.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// RequestResult is the rewritten descriptor. Header is always a copy.
type RequestResult struct {
	URL           string
	Header        http.Header
	Body          []byte
	QueryChanged  bool
	HeaderChanged bool
	BodyChanged   bool
	Redirected    bool
}

// Response is the received response descriptor.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// Pipeline applies a matched rule's changes. Delegate leaves restricted
// request headers to the declarative rule layer.
type Pipeline struct {
	Delegate bool
}

// ApplyRequest runs query, header, body and redirect changes in that
// order. A nil rule returns the request unchanged. Failures in any step
// leave that part untouched.
func (p *Pipeline) ApplyRequest(req Request, r *model.Rule) RequestResult {
	res := RequestResult{URL: req.URL, Header: req.Header.Clone(), Body: req.Body}
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	if r == nil {
		return res
	}

	if m := r.Modify; m != nil {
		if m.Query != nil {
			if u, ok := applyQuery(res.URL, m.Query); ok {
				res.QueryChanged = u != res.URL
				res.URL = u
			}
		}
		if m.Headers != nil {
			res.HeaderChanged = applyHeaderChanges(res.Header, m.Headers, p.Delegate) > 0
		}
		if m.Body != nil {
			res.Body, res.BodyChanged = applyRequestBody(res.Header.Get("Content-Type"), req.Body, m.Body)
		}
	}

	if r.Action != nil && r.Action.Redirect != nil {
		if u, ok := applyRedirect(res.URL, r.Action.Redirect); ok {
			res.Redirected = u != res.URL
			res.URL = u
		}
	}
	return res
}

func applyQuery(raw string, c *model.Changes) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		slog.Debug("url.Parse", slog.String("url", raw), slog.Any("error", err))
		return raw, false
	}
	pairs := parseQuery(u.RawQuery)
	for _, k := range c.Remove {
		pairs = removeParam(pairs, k)
	}
	for _, k := range sortedKeys(c.Set) {
		pairs = setParam(pairs, k, c.Set[k])
	}
	u.RawQuery = encodeQuery(pairs)
	u.ForceQuery = false
	return u.String(), true
}

func applyRequestBody(contentType string, body []byte, c *model.BodyChanges) ([]byte, bool) {
	if len(c.JSONMerge) > 0 && IsJSONContentType(contentType) {
		if out, ok := MergeJSON(body, c.JSONMerge); ok {
			return out, true
		}
	}
	if c.StringReplace != nil {
		return ReplaceAll(body, c.StringReplace)
	}
	return body, false
}

func applyRedirect(raw string, rd *model.Redirect) (string, bool) {
	if rd.URL != "" {
		if !model.IsAbsoluteHTTPURL(rd.URL) {
			return raw, false
		}
		return rd.URL, true
	}
	if len(rd.HostReplace) == 0 && len(rd.PathReplace) == 0 {
		return raw, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, false
	}
	for _, r := range rd.HostReplace {
		u.Host = strings.Replace(u.Host, r.From, r.To, 1)
	}
	if len(rd.PathReplace) > 0 {
		p := u.EscapedPath()
		for _, r := range rd.PathReplace {
			p = strings.Replace(p, r.From, r.To, 1)
		}
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			return raw, false
		}
		u.Path, u.RawPath = unescaped, p
	}
	return u.String(), true
}

// ApplyResponse builds a replacement response when the rule carries
// responseModify. Status and status text are preserved and the body is
// capped at MaxCaptureBytes. ok is false when the original should be
// delivered untouched.
func (p *Pipeline) ApplyResponse(r *model.Rule, resp Response) (Response, bool) {
	if r == nil || r.ResponseModify == nil {
		return resp, false
	}
	out := Response{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header.Clone(),
		Body:       resp.Body,
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	rm := r.ResponseModify
	if rm.Headers != nil {
		applyHeaderChanges(out.Header, rm.Headers, false)
	}
	if b := rm.Body; b != nil {
		if len(b.JSONMerge) > 0 {
			src := out.Body
			if len(strings.TrimSpace(string(src))) == 0 {
				src = []byte("{}")
			}
			if merged, ok := MergeJSON(src, b.JSONMerge); ok {
				out.Body = merged
				if out.Header.Get("Content-Type") == "" {
					out.Header.Set("Content-Type", "application/json")
				}
			}
		} else if b.StringReplace != nil {
			out.Body, _ = ReplaceAll(out.Body, b.StringReplace)
		}
	}
	out.Body = CaptureBody(out.Body)
	return out, true
}
