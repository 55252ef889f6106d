package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apiforward/apiforward/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalOrderAndIDs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Type
	)
	l := NewLocal(HandlerFunc(func(ctx context.Context, msg Message) Reply {
		mu.Lock()
		seen = append(seen, msg.Type)
		mu.Unlock()
		return Ack()
	}), 0)
	defer l.Close()

	ctx := context.Background()
	for _, typ := range []Type{TypeGetConfig, TypeClearHistory, TypeGetHistory} {
		r, err := l.Send(ctx, Message{ID: "fixed-" + string(typ), Type: typ})
		require.NoError(t, err)
		assert.True(t, r.OK)
		assert.Equal(t, "fixed-"+string(typ), r.ID)
	}
	assert.Equal(t, []Type{TypeGetConfig, TypeClearHistory, TypeGetHistory}, seen)

	r, err := l.Send(ctx, Message{Type: TypeGetConfig})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
}

func TestLocalRecoversPanics(t *testing.T) {
	l := NewLocal(HandlerFunc(func(ctx context.Context, msg Message) Reply {
		if msg.Type == TypeSetRules {
			panic("bad rules")
		}
		return Ack()
	}), 1)
	defer l.Close()

	r, err := l.Send(context.Background(), RulesMessage(nil))
	require.NoError(t, err)
	assert.False(t, r.OK)
	assert.EqualError(t, r.Err(), "internal error")

	r, err = l.Send(context.Background(), Message{Type: TypeGetConfig})
	require.NoError(t, err)
	assert.True(t, r.OK)
}

func TestLocalSendHonoursContext(t *testing.T) {
	release := make(chan struct{})
	l := NewLocal(HandlerFunc(func(ctx context.Context, msg Message) Reply {
		<-release
		return Ack()
	}), 1)
	defer func() {
		close(release)
		_ = l.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Send(ctx, Message{Type: TypeGetConfig})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageJSON(t *testing.T) {
	rules := []model.Rule{{Name: "a", Exact: "https://a.com/"}}
	data, err := json.Marshal(RulesMessage(rules))
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, TypeSetRules, back.Type)
	require.NotNil(t, back.Rules)
	assert.Equal(t, "a", (*back.Rules)[0].Name)

	assert.NoError(t, Ack().Err())
	assert.EqualError(t, Fail(errors.New("boom")).Err(), "boom")
}
