package history

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/store"
	"github.com/apiforward/apiforward/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configWith(mut func(*model.Config)) ConfigFunc {
	return func() model.Config {
		c := model.DefaultConfig()
		mut(&c)
		return c
	}
}

func TestRecordRingBuffer(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemory(), configWith(func(c *model.Config) { c.HistoryLimit = 3 }))

	for i := 1; i <= 4; i++ {
		r.Record(ctx, model.HistoryEntry{TS: int64(i), Type: model.EntryPreRequest, URL: "https://a.com/", Matched: true})
	}
	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int64{4, 3, 2}, []int64{list[0].TS, list[1].TS, list[2].TS})
}

func TestRecordMatchOnly(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemory(), configWith(func(c *model.Config) { c.HistoryMatchOnly = true }))

	r.Record(ctx, model.HistoryEntry{Type: model.EntryPreRequest, URL: "https://a.com/", Matched: true})
	r.Record(ctx, model.HistoryEntry{Type: model.EntryPreRequest, URL: "https://b.com/", Matched: false})

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://a.com/", list[0].URL)
	assert.NotZero(t, list[0].TS)
}

func TestDefaultLimit(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemory(), configWith(func(c *model.Config) { c.HistoryLimit = 0 }))
	for i := 0; i < model.DefaultHistoryLimit+5; i++ {
		r.Record(ctx, model.HistoryEntry{TS: int64(i + 1), Matched: true})
	}
	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, model.DefaultHistoryLimit)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Get(ctx context.Context, p store.Partition, keys ...string) (map[string]json.RawMessage, error) {
	return nil, errors.New("storage unavailable")
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	r := NewRecorder(brokenStore{Store: store.NewMemory()}, nil)
	assert.NotPanics(t, func() {
		r.Record(context.Background(), model.HistoryEntry{Matched: true})
	})
	_, err := r.List(context.Background())
	assert.Error(t, err)
}

func TestRecordRedacts(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemory(), nil)
	r.Record(ctx, model.HistoryEntry{
		Type:     model.EntryPostResponse,
		URL:      "https://a.com/p?token=abc&x=1",
		FinalURL: "https://a.com/p?x=1",
		Headers:  map[string]string{"authorization": "Bearer s3cret", "content-type": "application/json"},
		Body:     `{"user":"u","password":"p","nested":{"Token":"t"},"items":[{"cookie":"c"}]}`,
		Matched:  true,
	})
	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	e := list[0]
	assert.Equal(t, "***", e.Headers["authorization"])
	assert.Equal(t, "application/json", e.Headers["content-type"])
	assert.Equal(t, "https://a.com/p?token=***&x=1", e.URL)
	assert.Equal(t, "https://a.com/p?x=1", e.FinalURL)
	assert.JSONEq(t, `{"user":"u","password":"***","nested":{"Token":"***"},"items":[{"cookie":"***"}]}`, e.Body)
}

func TestRedactorLeavesPlainBody(t *testing.T) {
	r := NewRedactor([]string{"password"})
	assert.Equal(t, "password=p", string(r.JSON([]byte("password=p"))))
	assert.Equal(t, `{"a.b":{"password":"***"}}`, string(r.JSON([]byte(`{"a.b":{"password":"x"}}`))))
}

func TestRedactorMasksCutBody(t *testing.T) {
	r := NewRedactor([]string{"token", "cookie", "password"})
	assert.Equal(t, `{"token": "***", "n": {"Cookie":"***", "x": "y`,
		string(r.JSON([]byte(`{"token": "abc", "n": {"Cookie":12, "x": "y`))))
	assert.Equal(t, `{"a":1,"password":"***"`, string(r.JSON([]byte(`{"a":1,"password":"hun`))))
	assert.Equal(t, `{"a":"b\"`, string(r.JSON([]byte(`{"a":"b\"`))))
}

func TestRecordRedactsCapturedBody(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemory(), nil)
	body := `{"password":"hunter2","data":"` + strings.Repeat("x", transform.MaxCaptureBytes) + `"}`
	captured := transform.CaptureBody([]byte(body))
	require.Len(t, captured, transform.MaxCaptureBytes)

	r.Record(ctx, model.HistoryEntry{Type: model.EntryPostResponse, URL: "https://a.com/", Body: string(captured), Matched: true})
	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotContains(t, list[0].Body, "hunter2")
	assert.True(t, strings.HasPrefix(list[0].Body, `{"password":"***","data":"xxx`))
}

func TestClearAndExport(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemory(), nil)
	r.Record(ctx, model.HistoryEntry{TS: 1, Type: model.EntryError, URL: "https://a.com/", Error: "boom", Matched: true})

	dir := t.TempDir()
	path, err := r.Export(ctx, dir)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^apiforward-history-\d+\.json$`), filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[\n  {"))
	var back []model.HistoryEntry
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, 1)
	assert.Equal(t, "boom", back[0].Error)

	require.NoError(t, r.Clear(ctx))
	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
