package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Options struct {
	Backend    string
	SQLitePath string
	Redis      RedisOptions
}

// Open creates the Store selected by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		return OpenSQLite(opts.SQLitePath)
	case BackendRedis:
		return OpenRedis(ctx, opts.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
