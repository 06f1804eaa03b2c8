package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	KindMemory   = "memory"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// Backends carries the connections a store may be built on. Only the one
// matching the requested kind is used.
type Backends struct {
	Pool     *pgxpool.Pool
	RedisURL string
	// SweepInterval applies to the memory store.
	SweepInterval time.Duration
}

// NewStore builds the Store for kind. The returned closer releases resources
// the store owns (the sweep goroutine, the Redis client); it is never nil.
func NewStore(ctx context.Context, kind string, b Backends) (Store, io.Closer, error) {
	switch kind {
	case KindMemory, "":
		s := NewMemoryStore(b.SweepInterval)
		return s, closerFunc(func() error { s.Close(); return nil }), nil
	case KindPostgres:
		if b.Pool == nil {
			return nil, nil, fmt.Errorf("postgres session store requires a database pool")
		}
		return NewPGStoreFromPool(b.Pool), closerFunc(func() error { return nil }), nil
	case KindRedis:
		s, client, err := NewRedisStoreFromURL(ctx, b.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", kind)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
