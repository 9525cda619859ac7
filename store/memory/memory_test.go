package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/limitrate/limitrate/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitRate_IncrementsAndReportsExceeded(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := s.CommitRate(ctx, "user-a:POST|/api/ask", 3, 60)
		require.NoError(t, err)
		assert.Equal(t, i, res.Current)
		assert.False(t, res.Exceeded)
	}

	res, err := s.CommitRate(ctx, "user-a:POST|/api/ask", 3, 60)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Current)
	assert.True(t, res.Exceeded)
}

func TestPeekRate_DoesNotMutate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.CommitRate(ctx, "user-a:GET|/x", 10, 60)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := s.PeekRate(ctx, "user-a:GET|/x", 10, 60)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Current)
	}
}

func TestWindowsAreIndependent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.CommitRate(ctx, "user-a:GET|/x", 10, 60)
	require.NoError(t, err)
	_, err = s.CommitRate(ctx, "user-a:GET|/x", 1000, 3600)
	require.NoError(t, err)

	minute, err := s.PeekRate(ctx, "user-a:GET|/x", 10, 60)
	require.NoError(t, err)
	hour, err := s.PeekRate(ctx, "user-a:GET|/x", 1000, 3600)
	require.NoError(t, err)

	assert.Equal(t, 1, minute.Current)
	assert.Equal(t, 1, hour.Current)
}

func TestCommitCost_AccumulatesAndCaps(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	res, err := s.CommitCost(ctx, "user-a:POST|/api/ask", 0.03, 3600, 0.10)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, res.Current, 1e-9)
	assert.False(t, res.Exceeded)

	res, err = s.CommitCost(ctx, "user-a:POST|/api/ask", 0.03, 3600, 0.10)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, res.Current, 1e-9)

	res, err = s.CommitCost(ctx, "user-a:POST|/api/ask", 0.03, 3600, 0.10)
	require.NoError(t, err)
	assert.InDelta(t, 0.09, res.Current, 1e-9)
	assert.False(t, res.Exceeded)

	res, err = s.CommitCost(ctx, "user-a:POST|/api/ask", 0.03, 3600, 0.10)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, res.Current, 1e-9)
	assert.True(t, res.Exceeded)
}

func TestReset_ClearsAllWindows(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.CommitRate(ctx, "user-a:GET|/x", 10, 60)
	require.NoError(t, err)
	_, err = s.CommitRate(ctx, "user-a:GET|/x", 10, 3600)
	require.NoError(t, err)
	_, err = s.CommitCost(ctx, "user-a:GET|/x", 1, 3600, 10)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx, "user-a:GET|/x"))

	minute, err := s.PeekRate(ctx, "user-a:GET|/x", 10, 60)
	require.NoError(t, err)
	assert.Equal(t, 0, minute.Current)

	cost, err := s.PeekCost(ctx, "user-a:GET|/x", 3600)
	require.NoError(t, err)
	assert.InDelta(t, 0, cost.Current, 1e-9)
}

func TestCommitRate_ConcurrentSerializesCorrectly(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = s.CommitRate(ctx, "shared-key", 1000000, 60)
		}()
	}
	wg.Wait()

	res, err := s.PeekRate(ctx, "shared-key", 1000000, 60)
	require.NoError(t, err)
	assert.Equal(t, n, res.Current)
}
