package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
)

// Redis shares plans across replicas. Plans are stored as JSON under
// prefix+userID with the cache TTL.
type Redis struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, addr, prefix string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis cache: missing address")
	}
	if prefix == "" {
		prefix = "policy:plan:"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, userID string) (planner.Plan, bool, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+userID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return planner.Plan{}, false, nil
	}
	if err != nil {
		return planner.Plan{}, false, fmt.Errorf("redis get plan: %w", err)
	}
	var p planner.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return planner.Plan{}, false, fmt.Errorf("decode cached plan: %w", err)
	}
	return p, true, nil
}

func (r *Redis) Put(ctx context.Context, plan planner.Plan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	ttl := r.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := r.rdb.Set(ctx, r.prefix+plan.UserID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set plan: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
