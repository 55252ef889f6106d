package forward

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost(t *testing.T) {
	var (
		gotType string
		gotBody map[string]any
		calls   int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(0)
	err := c.Post(context.Background(), srv.URL, map[string]any{"url": "https://a.com/", "status": 200, "body": "ok"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "https://a.com/", gotBody["url"])
	assert.Equal(t, "ok", gotBody["body"])
}

func TestPostErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer failing.Close()

	tests := []struct {
		name   string
		target string
		isErr  error
	}{
		{name: "no url", target: "", isErr: ErrDisabled},
		{name: "bad status", target: failing.URL},
		{name: "bad url", target: "http://[::1"},
	}
	c := NewClient(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Post(context.Background(), tt.target, map[string]int{"a": 1})
			require.Error(t, err)
			if tt.isErr != nil {
				assert.ErrorIs(t, err, tt.isErr)
			}
		})
	}
}
