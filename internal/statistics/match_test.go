package statistics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRecordList(t *testing.T) {
	l := NewMatchRecordList("")
	l.Add(&MatchRecord{Rule: "b", LastURL: "https://b.com/1"})
	l.Add(&MatchRecord{Rule: "a", LastURL: "https://a.com/1"})
	l.Add(&MatchRecord{Rule: "b", LastURL: "https://b.com/2"})

	list := l.Snapshot()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Rule)
	assert.Equal(t, 2, list[0].Count)
	assert.Equal(t, "https://b.com/2", list[0].LastURL)
	assert.Equal(t, "a", list[1].Rule)
	assert.False(t, list[1].LastSeen.IsZero())
}

func TestMatchRecordListRunAndDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "match_stats")
	l := NewMatchRecordList(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx)

	l.AddMatchRecord(&MatchRecord{Rule: "api", LastURL: "https://api.example.com/v1"})
	require.Eventually(t, func() bool {
		return len(l.Snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	l.Dump()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "api 1 "))
	assert.Contains(t, string(data), "https://api.example.com/v1")
}
