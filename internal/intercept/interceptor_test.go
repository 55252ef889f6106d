package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/apiforward/apiforward/internal/background"
	"github.com/apiforward/apiforward/internal/bus"
	"github.com/apiforward/apiforward/internal/declarative"
	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/propagate"
	"github.com/apiforward/apiforward/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream answers every request locally and remembers what it saw.
type upstream struct {
	mu       sync.Mutex
	urls     []string
	bodies   []string
	headers  []http.Header
	respBody string
	respType string
	err      error
}

func (u *upstream) RoundTrip(req *http.Request) (*http.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return nil, u.err
	}
	u.urls = append(u.urls, req.URL.String())
	u.headers = append(u.headers, req.Header.Clone())
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		u.bodies = append(u.bodies, string(data))
	} else {
		u.bodies = append(u.bodies, "")
	}
	ct := u.respType
	if ct == "" {
		ct = "application/json"
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Header:        http.Header{"Content-Type": {ct}},
		Body:          io.NopCloser(strings.NewReader(u.respBody)),
		ContentLength: int64(len(u.respBody)),
		Request:       req,
	}, nil
}

type harness struct {
	svc      *background.Service
	local    *bus.Local
	emitter  *Emitter
	upstream *upstream
	client   *http.Client
}

func newHarness(t *testing.T, rules []model.Rule, cfg string) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := store.NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	engine := declarative.NewEngine()
	svc := background.New(background.Options{Store: s, Installer: engine, ExportDir: t.TempDir()})
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.SetRules(ctx, rules))
	if cfg != "" {
		require.NoError(t, svc.SetConfig(ctx, json.RawMessage(cfg)))
	}

	local := bus.NewLocal(svc, 0)
	t.Cleanup(func() { _ = local.Close() })

	page := propagate.New("page", bus.Loader{Transport: local})
	require.NoError(t, page.Start(ctx))

	up := &upstream{respBody: `{"items":[1,2]}`}
	emitter := NewEmitter(local, nil, 0)
	chain := New(Options{
		Propagator: page,
		Emitter:    emitter,
		Next:       NewObserver(page, emitter, engine.Transport(up)),
		Delegate:   true,
	})
	return &harness{
		svc:      svc,
		local:    local,
		emitter:  emitter,
		upstream: up,
		client:   &http.Client{Transport: chain},
	}
}

// history flushes the side channel and returns the recorded entries,
// newest first.
func (h *harness) history(t *testing.T) []model.HistoryEntry {
	t.Helper()
	require.NoError(t, h.emitter.Close())
	list, err := h.svc.Recorder().List(context.Background())
	require.NoError(t, err)
	return list
}

func byType(list []model.HistoryEntry, typ model.EntryType) []model.HistoryEntry {
	var out []model.HistoryEntry
	for _, e := range list {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestPathRedirectEndToEnd(t *testing.T) {
	rules := []model.Rule{{
		Wildcard: "*/v1/*",
		Action:   &model.Action{Redirect: &model.Redirect{PathReplace: model.Replacements{{From: "/v1", To: "/v2"}}}},
	}}
	h := newHarness(t, rules, "")

	resp, err := h.client.Get("https://api.example.com/v1/items?x=1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, `{"items":[1,2]}`, string(body))

	const final = "https://api.example.com/v2/items?x=1"
	require.Equal(t, []string{final}, h.upstream.urls)

	list := h.history(t)
	pre := byType(list, model.EntryPreRequest)
	require.Len(t, pre, 1)
	assert.True(t, pre[0].Matched)
	assert.Equal(t, "https://api.example.com/v1/items?x=1", pre[0].URL)
	assert.Equal(t, final, pre[0].FinalURL)
	assert.Equal(t, model.SourceFetch, pre[0].Source)

	post := byType(list, model.EntryPostResponse)
	require.Len(t, post, 1)
	assert.Equal(t, final, post[0].URL)
	assert.Equal(t, final, post[0].FinalURL)
	assert.Equal(t, http.StatusOK, post[0].Status)
	assert.Equal(t, `{"items":[1,2]}`, post[0].Body)

	completed := byType(list, model.EntryNetworkCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, model.SourceWebRequest, completed[0].Source)
	assert.Equal(t, http.StatusOK, completed[0].StatusCode)
	assert.Len(t, byType(list, model.EntryNetworkBefore), 1)
	assert.Equal(t, model.EntryPreRequest, list[len(list)-1].Type)
}

func TestRequestRewrite(t *testing.T) {
	rules := []model.Rule{{
		Exact:  "https://api.example.com/submit?a=1&token=x",
		Method: model.Methods{"post"},
		Modify: &model.RequestModify{
			Query:   &model.Changes{Set: model.StringMap{"b": "2"}, Remove: []string{"token"}},
			Headers: &model.Changes{Set: model.StringMap{"X-Trace": "on"}},
			Body:    &model.BodyChanges{JSONMerge: map[string]json.RawMessage{"extra": json.RawMessage(`true`)}},
		},
	}}
	h := newHarness(t, rules, "")

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/submit?a=1&token=x", bytes.NewBufferString(`{"name":"n"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, h.upstream.urls, 1)
	assert.Equal(t, "https://api.example.com/submit?a=1&b=2", h.upstream.urls[0])
	assert.Equal(t, `{"name":"n","extra":true}`, h.upstream.bodies[0])
	assert.Equal(t, "on", h.upstream.headers[0].Get("X-Trace"))

	get, err := h.client.Get("https://api.example.com/submit?a=1&token=x")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, "https://api.example.com/submit?a=1&token=x", h.upstream.urls[1], "method constraint")
}

func TestRestrictedHeadersAreDelegated(t *testing.T) {
	rules := []model.Rule{{
		Wildcard: "https://api.example.com/*",
		Modify: &model.RequestModify{
			Headers: &model.Changes{Set: model.StringMap{"Origin": "https://app.example.com", "X-Client": "af"}},
		},
	}}
	h := newHarness(t, rules, "")

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/me", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://other.example.com")
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, h.upstream.headers, 1)
	assert.Equal(t, "af", h.upstream.headers[0].Get("X-Client"))
	assert.Equal(t, "https://app.example.com", h.upstream.headers[0].Get("Origin"))
	assert.Equal(t, "https://other.example.com", req.Header.Get("Origin"), "caller's request is not modified")
}

func TestDelegatedHeadersSurviveQueryRewrite(t *testing.T) {
	rules := []model.Rule{{
		Exact: "https://api.example.com/x",
		Modify: &model.RequestModify{
			Query:   &model.Changes{Set: model.StringMap{"b": "1"}},
			Headers: &model.Changes{Set: model.StringMap{"Cookie": "sid=1"}},
		},
	}}
	h := newHarness(t, rules, "")

	resp, err := h.client.Get("https://api.example.com/x")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, h.upstream.urls, 1)
	assert.Equal(t, "https://api.example.com/x?b=1", h.upstream.urls[0])
	assert.Equal(t, "sid=1", h.upstream.headers[0].Get("Cookie"))
}

func TestDelegatedHeadersFollowFirstMatch(t *testing.T) {
	rules := []model.Rule{
		{Name: "first", Wildcard: "https://api.example.com/*"},
		{
			Name:     "second",
			Wildcard: "https://api.example.com/*",
			Modify:   &model.RequestModify{Headers: &model.Changes{Set: model.StringMap{"Cookie": "sid=2"}}},
		},
	}
	h := newHarness(t, rules, "")

	resp, err := h.client.Get("https://api.example.com/me")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, h.upstream.headers, 1)
	assert.Empty(t, h.upstream.headers[0].Get("Cookie"))
	pre := byType(h.history(t), model.EntryPreRequest)
	require.Len(t, pre, 1)
	assert.Equal(t, "first", pre[0].Rule)
}

func TestDeclarativeRedirect(t *testing.T) {
	rules := []model.Rule{{
		Exact:  "https://old.example.com/x",
		Action: &model.Action{Redirect: &model.Redirect{URL: "https://new.example.com/y"}},
	}}
	h := newHarness(t, rules, "")

	resp, err := h.client.Get("https://old.example.com/x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"https://new.example.com/y"}, h.upstream.urls)
}

func TestResponseModify(t *testing.T) {
	rules := []model.Rule{{
		Wildcard: "*",
		ResponseModify: &model.ResponseModify{
			Headers: &model.Changes{Set: model.StringMap{"X-Patched": "1"}},
			Body:    &model.BodyChanges{JSONMerge: map[string]json.RawMessage{"patched": json.RawMessage(`"yes"`)}},
		},
	}}
	h := newHarness(t, rules, "")

	resp, err := h.client.Get("https://api.example.com/list")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Patched"))
	assert.Equal(t, `{"items":[1,2],"patched":"yes"}`, string(body))
	assert.Equal(t, int64(len(body)), resp.ContentLength)

	post := byType(h.history(t), model.EntryPostResponse)
	require.Len(t, post, 1)
	assert.Equal(t, string(body), post[0].Body)
	assert.Equal(t, "1", post[0].Headers["x-patched"])
}

func TestNetworkError(t *testing.T) {
	h := newHarness(t, []model.Rule{{Wildcard: "*"}}, "")
	h.upstream.err = errors.New("connection refused")

	_, err := h.client.Get("https://down.example.com/")
	require.Error(t, err)

	list := h.history(t)
	errs := byType(list, model.EntryError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "connection refused")
	assert.True(t, errs[0].Matched)
	assert.Len(t, byType(list, model.EntryNetworkError), 1)
	assert.Empty(t, byType(list, model.EntryPostResponse))
}

func TestMasterSwitch(t *testing.T) {
	rules := []model.Rule{{
		Wildcard: "*/v1/*",
		Action:   &model.Action{Redirect: &model.Redirect{PathReplace: model.Replacements{{From: "/v1", To: "/v2"}}}},
	}}
	h := newHarness(t, rules, `{"enabled": false}`)

	resp, err := h.client.Get("https://api.example.com/v1/items")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"https://api.example.com/v1/items"}, h.upstream.urls)
	assert.Empty(t, h.history(t))
}

func TestUnmatchedTrafficHonoursMatchOnly(t *testing.T) {
	h := newHarness(t, []model.Rule{{Exact: "https://a.example.com/"}}, `{"historyMatchOnly": true}`)

	resp, err := h.client.Get("https://b.example.com/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, h.history(t))
}

type brokenTransport struct{}

func (brokenTransport) Send(ctx context.Context, msg bus.Message) (bus.Reply, error) {
	return bus.Reply{}, bus.ErrClosed
}

func TestForwardFallsBackToDirectPost(t *testing.T) {
	received := make(chan model.HistoryEntry, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e model.HistoryEntry
		_ = json.NewDecoder(r.Body).Decode(&e)
		received <- e
	}))
	defer srv.Close()

	rules := []model.Rule{{Wildcard: "*", Forward: true}}
	page := propagate.New("page", propagate.LoaderFunc(func(ctx context.Context) ([]model.Rule, json.RawMessage, error) {
		cfg, _ := json.Marshal(map[string]any{"forward": map[string]any{"enabled": true, "url": srv.URL}})
		return rules, cfg, nil
	}))
	require.NoError(t, page.Start(context.Background()))

	up := &upstream{respBody: "plain"}
	emitter := NewEmitter(brokenTransport{}, nil, 0)
	client := &http.Client{Transport: New(Options{Propagator: page, Emitter: emitter, Next: up})}

	resp, err := client.Get("https://api.example.com/data")
	require.NoError(t, err)
	resp.Body.Close()
	require.NoError(t, emitter.Close())

	select {
	case e := <-received:
		assert.Equal(t, model.EntryPostResponse, e.Type)
		assert.Equal(t, "plain", e.Body)
		assert.Equal(t, "https://api.example.com/data", e.URL)
	default:
		t.Fatal("payload was not forwarded")
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	var delivered int
	var mu sync.Mutex
	transport := bus.NewLocal(bus.HandlerFunc(func(ctx context.Context, msg bus.Message) bus.Reply {
		<-block
		mu.Lock()
		delivered++
		mu.Unlock()
		return bus.Ack()
	}), 0)
	defer transport.Close()

	e := NewEmitter(transport, nil, 1)
	for i := 0; i < 10; i++ {
		e.Record(model.HistoryEntry{TS: int64(i)})
	}
	close(block)
	require.NoError(t, e.Close())
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, delivered, 10)
	assert.GreaterOrEqual(t, delivered, 1)
}
