// Package redisstore implements the limitrate Store interface on Redis,
// porting the teacher's atomic Lua-script token-bucket technique to
// limitrate's windowed rate/cost counters so commits stay atomic across
// concurrent requests even when the limiter runs on many instances.
package redisstore

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/limitrate/limitrate/store"
)

// incrAndExpireScript atomically increments a counter and, only on its
// first increment within the window, sets its TTL — so a window's expiry
// always matches its own lifetime regardless of how many commits race to
// create it.
//
// KEYS[1] = physical key
// ARGV[1] = window length in seconds
// returns the post-increment integer value.
var incrAndExpireScript = goredis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return v
`)

// incrByFloatAndExpireScript is the cost-counter equivalent of
// incrAndExpireScript; Redis has no atomic "increment float and report
// whether this was the first write", so the script checks TTL == -1
// (no expiry set) as the first-write signal instead.
//
// KEYS[1] = physical key
// ARGV[1] = window length in seconds
// ARGV[2] = amount to add
// returns the post-add float value as a string.
var incrByFloatAndExpireScript = goredis.NewScript(`
local v = redis.call("INCRBYFLOAT", KEYS[1], ARGV[2])
local ttl = redis.call("TTL", KEYS[1])
if ttl == -1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return v
`)

// Store is a limitrate Store backed by a single Redis instance or cluster.
type Store struct {
	client goredis.UniversalClient
}

// New wraps an already-configured go-redis client. Callers choose
// goredis.NewClient / NewClusterClient / NewFailoverClient to match their
// deployment topology.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

var _ store.Store = (*Store)(nil)

func (s *Store) PeekRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	now := time.Now()
	physical := physicalKey(key, windowSeconds, now)
	val, err := s.client.Get(ctx, physical).Int()
	if err != nil && err != goredis.Nil {
		return store.RateResult{}, &store.ErrUnavailable{Op: "PeekRate", Reason: err.Error()}
	}
	return store.RateResult{
		Current:        val,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       limit > 0 && val > limit,
	}, nil
}

func (s *Store) CommitRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	now := time.Now()
	physical := physicalKey(key, windowSeconds, now)
	res, err := incrAndExpireScript.Run(ctx, s.client, []string{physical}, windowSeconds).Int()
	if err != nil {
		return store.RateResult{}, &store.ErrUnavailable{Op: "CommitRate", Reason: err.Error()}
	}
	return store.RateResult{
		Current:        res,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       limit > 0 && res > limit,
	}, nil
}

func (s *Store) PeekCost(ctx context.Context, key string, windowSeconds int) (store.CostResult, error) {
	now := time.Now()
	physical := physicalKey(key, windowSeconds, now)
	val, err := s.client.Get(ctx, physical).Float64()
	if err != nil && err != goredis.Nil {
		return store.CostResult{}, &store.ErrUnavailable{Op: "PeekCost", Reason: err.Error()}
	}
	return store.CostResult{Current: val, ResetInSeconds: store.ResetInSeconds(now, windowSeconds)}, nil
}

func (s *Store) CommitCost(ctx context.Context, key string, amount float64, windowSeconds int, cap float64) (store.CostResult, error) {
	now := time.Now()
	physical := physicalKey(key, windowSeconds, now)
	res, err := incrByFloatAndExpireScript.Run(ctx, s.client, []string{physical}, windowSeconds, amount).Text()
	if err != nil {
		return store.CostResult{}, &store.ErrUnavailable{Op: "CommitCost", Reason: err.Error()}
	}
	var current float64
	if _, scanErr := fmt.Sscanf(res, "%g", &current); scanErr != nil {
		return store.CostResult{}, &store.ErrInvalid{Op: "CommitCost", Msg: "non-numeric response from incrByFloat script"}
	}
	return store.CostResult{
		Current:        current,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       cap > 0 && current > cap,
		Cap:            cap,
	}, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	var cursor uint64
	pattern := key + ":*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return &store.ErrUnavailable{Op: "Reset", Reason: err.Error()}
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return &store.ErrUnavailable{Op: "Reset", Reason: err.Error()}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func physicalKey(logicalKey string, windowSeconds int, now time.Time) string {
	return store.WindowKey(logicalKey, windowSeconds, store.WindowIndex(now, windowSeconds))
}
