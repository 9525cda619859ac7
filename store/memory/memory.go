// Package memory is the process-local Store implementation: a sharded
// mutex-protected map of counters. It is the store of choice for a single
// instance deployment; multi-instance deployments must use a shared store
// (store/sharedstore, store/redisstore, store/sqlstore).
//
// Grounded on core/pkg/budget/memory_store.go (RWMutex-protected map with
// copy-out-of-lock reads) and core/pkg/kernel/limiter.go's
// InMemoryLimiterStore (lazy bucket creation).
package memory

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/limitrate/limitrate/store"
)

// shardCount is the number of independent mutex shards. Keyed by
// hash(key) so that unrelated tenants/endpoints don't serialize behind
// one global lock, per spec.md 5 "Shared state".
const shardCount = 64

type rateCounter struct {
	count  int
	window int64
}

type costCounter struct {
	amount float64
	window int64
}

type shard struct {
	mu    sync.Mutex
	rates map[string]*rateCounter
	costs map[string]*costCounter
}

// Store is the in-memory, sharded Store implementation.
type Store struct {
	shards [shardCount]*shard
}

// New creates an empty in-memory store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{
			rates: make(map[string]*rateCounter),
			costs: make(map[string]*costCounter),
		}
	}
	return s
}

// physicalKey folds the window length into the map key so that a minute,
// hour, and day counter for the same logical key coexist independently,
// per spec.md 4.3's "{logical-key}:{window-length}:{window-index}" layout
// (the window index itself lives inside the counter, not the map key, so
// a rolled-over window is reused in place rather than leaking a new map
// entry every tick).
func physicalKey(logicalKey string, windowSeconds int) string {
	return logicalKey + ":" + strconv.Itoa(windowSeconds)
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// PeekRate returns the current rate count without mutating state.
func (s *Store) PeekRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	pk := physicalKey(key, windowSeconds)
	sh := s.shardFor(pk)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	current := 0
	if c, ok := sh.rates[pk]; ok && c.window == idx {
		current = c.count
	}

	return store.RateResult{
		Current:        current,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       limit > 0 && current > limit,
	}, nil
}

// CommitRate atomically increments the rate counter for the current
// window, resetting it first if the window has rolled over.
func (s *Store) CommitRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	pk := physicalKey(key, windowSeconds)
	sh := s.shardFor(pk)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.rates[pk]
	if !ok {
		c = &rateCounter{window: idx}
		sh.rates[pk] = c
	}
	if c.window != idx {
		c.count = 0
		c.window = idx
	}
	c.count++

	return store.RateResult{
		Current:        c.count,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       limit > 0 && c.count > limit,
	}, nil
}

// PeekCost returns the current accumulated cost without mutating state.
func (s *Store) PeekCost(ctx context.Context, key string, windowSeconds int) (store.CostResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	pk := physicalKey(key, windowSeconds)
	sh := s.shardFor(pk)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	current := 0.0
	if c, ok := sh.costs[pk]; ok && c.window == idx {
		current = c.amount
	}

	return store.CostResult{
		Current:        current,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
	}, nil
}

// CommitCost atomically adds amount to the cost counter for the current
// window, resetting it first if the window has rolled over.
func (s *Store) CommitCost(ctx context.Context, key string, amount float64, windowSeconds int, cap float64) (store.CostResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	pk := physicalKey(key, windowSeconds)
	sh := s.shardFor(pk)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.costs[pk]
	if !ok {
		c = &costCounter{window: idx}
		sh.costs[pk] = c
	}
	if c.window != idx {
		c.amount = 0
		c.window = idx
	}
	c.amount += amount

	return store.CostResult{
		Current:        c.amount,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       cap > 0 && c.amount > cap,
		Cap:            cap,
	}, nil
}

// Reset clears every window's rate and cost counters under logicalKey.
// Since physical keys are "{logical}:{windowSeconds}", every shard is
// scanned for the logical prefix — cheap in practice since the number of
// distinct window lengths configured is small (minute/hour/day).
func (s *Store) Reset(ctx context.Context, logicalKey string) error {
	prefix := logicalKey + ":"
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.rates {
			if strings.HasPrefix(k, prefix) {
				delete(sh.rates, k)
			}
		}
		for k := range sh.costs {
			if strings.HasPrefix(k, prefix) {
				delete(sh.costs, k)
			}
		}
		sh.mu.Unlock()
	}
	return nil
}
