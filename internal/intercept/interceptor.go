package intercept

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/apiforward/apiforward/internal/declarative"
	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/propagate"
	"github.com/apiforward/apiforward/internal/transform"
)

type Options struct {
	// Propagator holds the context's snapshot.
	Propagator *propagate.Propagator
	Emitter    *Emitter
	// Next performs the network call. Defaults to http.DefaultTransport.
	Next   http.RoundTripper
	Source model.Source
	// Delegate leaves restricted request headers to declarative rules.
	Delegate bool
}

// Interceptor is the page-context interception hook. It matches each
// request against the current snapshot, rewrites request and response
// for the matched rule, and reports pre-request, post-response and error
// entries to the background context.
type Interceptor struct {
	prop     *propagate.Propagator
	emitter  *Emitter
	next     http.RoundTripper
	source   model.Source
	pipeline transform.Pipeline
}

func New(opts Options) *Interceptor {
	if opts.Next == nil {
		opts.Next = http.DefaultTransport
	}
	if opts.Source == "" {
		opts.Source = model.SourceFetch
	}
	return &Interceptor{
		prop:     opts.Propagator,
		emitter:  opts.Emitter,
		next:     opts.Next,
		source:   opts.Source,
		pipeline: transform.Pipeline{Delegate: opts.Delegate},
	}
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	snap := i.prop.Current()
	if !snap.Config.Enabled {
		return i.next.RoundTrip(req)
	}

	start := time.Now()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	original := req.URL.String()

	var (
		r    *model.Rule
		name string
	)
	if m, ok := snap.Match(original, method); ok {
		r = m.Rule
		name = r.DisplayName(m.Index)
	}

	out := req
	finalURL := original
	if r != nil {
		var body []byte
		bodyRead := r.Modify != nil && r.Modify.Body != nil
		if bodyRead {
			var err error
			if body, err = readRequestBody(req); err != nil {
				i.recordError(method, original, true, name, err)
				return nil, err
			}
		}
		res := i.pipeline.ApplyRequest(transform.Request{URL: original, Method: method, Header: req.Header, Body: body}, r)
		out = rewriteRequest(req, res, bodyRead)
		finalURL = out.URL.String()
		slog.Debug("Request rewritten",
			slog.String("rule", name),
			slog.String("url", original),
			slog.String("final", finalURL),
			slog.Bool("query", res.QueryChanged),
			slog.Bool("headers", res.HeaderChanged),
			slog.Bool("body", res.BodyChanged),
			slog.Bool("redirect", res.Redirected))
	}
	var delegated []declarative.HeaderInfo
	if i.pipeline.Delegate {
		delegated = declarative.RestrictedHeaderOps(r)
	}
	out = out.WithContext(declarative.WithRequestHeaders(out.Context(), delegated))

	i.emitter.Record(model.HistoryEntry{
		TS:       model.Now(),
		Type:     model.EntryPreRequest,
		Method:   method,
		URL:      original,
		FinalURL: finalURL,
		Source:   i.source,
		Matched:  r != nil,
		Rule:     name,
	})

	resp, err := i.next.RoundTrip(out)
	if err != nil {
		i.recordError(method, finalURL, r != nil, name, err)
		return nil, err
	}

	var body []byte
	if r != nil && r.ResponseModify != nil {
		body, err = readAllResponse(resp)
	} else {
		body, err = captureResponse(resp)
	}
	if err != nil {
		i.recordError(method, finalURL, r != nil, name, err)
		return nil, err
	}

	if modified, ok := i.pipeline.ApplyResponse(r, transform.Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
		Body:       body,
	}); ok {
		replaceResponse(resp, modified)
		body = modified.Body
	}

	entry := model.HistoryEntry{
		TS:       model.Now(),
		Type:     model.EntryPostResponse,
		Method:   method,
		URL:      finalURL,
		FinalURL: finalURL,
		Status:   resp.StatusCode,
		Headers:  transform.FlattenHeaders(resp.Header),
		Body:     string(transform.CaptureBody(body)),
		Source:   i.source,
		Matched:  r != nil,
		Rule:     name,
		Duration: time.Since(start).Milliseconds(),
	}
	i.emitter.Record(entry)
	if snap.Config.ShouldForward(r) {
		i.emitter.Forward(entry, snap.Config.Forward.URL)
	}
	return resp, nil
}

func (i *Interceptor) recordError(method, u string, matched bool, rule string, err error) {
	slog.Debug("Request failed", slog.String("url", u), slog.Any("error", err))
	i.emitter.Record(model.HistoryEntry{
		TS:      model.Now(),
		Type:    model.EntryError,
		Method:  method,
		URL:     u,
		Error:   err.Error(),
		Source:  i.source,
		Matched: matched,
		Rule:    rule,
	})
}
