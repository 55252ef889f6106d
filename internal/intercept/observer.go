package intercept

import (
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/propagate"
)

// Observer records network-level events for every request that passes
// through it, matched or not. It never changes the request.
type Observer struct {
	prop    *propagate.Propagator
	emitter *Emitter
	next    http.RoundTripper
}

func NewObserver(prop *propagate.Propagator, emitter *Emitter, next http.RoundTripper) *Observer {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Observer{prop: prop, emitter: emitter, next: next}
}

func (o *Observer) RoundTrip(req *http.Request) (*http.Response, error) {
	snap := o.prop.Current()
	if !snap.Config.Enabled {
		return o.next.RoundTrip(req)
	}

	start := time.Now()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u := req.URL.String()
	_, matched := snap.Match(u, method)

	o.emitter.Record(model.HistoryEntry{
		TS:      model.Now(),
		Type:    model.EntryNetworkBefore,
		Method:  method,
		URL:     u,
		Source:  model.SourceWebRequest,
		Matched: matched,
	})

	var ip atomic.Value
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn == nil {
				return
			}
			if host, _, err := net.SplitHostPort(info.Conn.RemoteAddr().String()); err == nil {
				ip.Store(host)
			}
		},
	}
	traced := req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := o.next.RoundTrip(traced)
	if err != nil {
		o.emitter.Record(model.HistoryEntry{
			TS:       model.Now(),
			Type:     model.EntryNetworkError,
			Method:   method,
			URL:      u,
			Error:    err.Error(),
			Source:   model.SourceWebRequest,
			Matched:  matched,
			Duration: time.Since(start).Milliseconds(),
		})
		return nil, err
	}

	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	entry := model.HistoryEntry{
		TS:         model.Now(),
		Type:       model.EntryNetworkCompleted,
		Method:     method,
		URL:        u,
		FinalURL:   final,
		StatusCode: resp.StatusCode,
		Source:     model.SourceWebRequest,
		Matched:    matched,
		Duration:   time.Since(start).Milliseconds(),
	}
	if v, ok := ip.Load().(string); ok {
		entry.IP = v
	}
	o.emitter.Record(entry)
	return resp, nil
}
