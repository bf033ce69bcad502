package scorecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/personad/internal/score"
)

// fakeClock is advanced manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// countingStore wraps an in-memory store and counts loads.
type countingStore struct {
	*score.InMemoryStore
	loads atomic.Int64
}

func (c *countingStore) GetScore(ctx context.Context, id string) (*score.PersonaScore, error) {
	c.loads.Add(1)
	return c.InMemoryStore.GetScore(ctx, id)
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *countingStore, *fakeClock) {
	t.Helper()
	store := &countingStore{InMemoryStore: score.NewInMemoryStore()}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := New(store.GetScore, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return c, store, clock
}

func seed(t *testing.T, store *countingStore, id string, overall float64) {
	t.Helper()
	s := score.NewPersonaScore(id)
	s.OverallScore = overall
	require.NoError(t, store.PutScore(context.Background(), s))
}

func TestNew_InvalidConfig(t *testing.T) {
	store := score.NewInMemoryStore()

	_, err := New(store.GetScore, Config{TTL: 0, MaxEntries: 10})
	assert.Error(t, err)
	_, err = New(store.GetScore, Config{TTL: time.Second, MaxEntries: 0})
	assert.Error(t, err)
	_, err = New(nil, Config{TTL: time.Second, MaxEntries: 1})
	assert.Error(t, err)
}

func TestCache_ReadThroughAndHit(t *testing.T) {
	c, store, _ := newTestCache(t, Config{TTL: time.Minute, MaxEntries: 10})
	seed(t, store, "coder", 0.8)
	ctx := context.Background()

	s, err := c.Get(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, 0.8, s.OverallScore)

	s, err = c.Get(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, 0.8, s.OverallScore)

	assert.Equal(t, int64(1), store.loads.Load())
	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Sets)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, 0.5, st.HitRate())
}

func TestCache_ReturnsCopies(t *testing.T) {
	c, store, _ := newTestCache(t, Config{TTL: time.Minute, MaxEntries: 10})
	seed(t, store, "coder", 0.8)

	s, err := c.Get(context.Background(), "coder")
	require.NoError(t, err)
	s.OverallScore = 0

	again, err := c.Get(context.Background(), "coder")
	require.NoError(t, err)
	assert.Equal(t, 0.8, again.OverallScore)
}

func TestCache_CachesMisses(t *testing.T) {
	c, store, _ := newTestCache(t, Config{TTL: time.Minute, MaxEntries: 10, CacheMisses: true})

	for i := 0; i < 3; i++ {
		s, err := c.Get(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Nil(t, s)
	}
	assert.Equal(t, int64(1), store.loads.Load())
}

func TestCache_MissesNotCachedWhenDisabled(t *testing.T) {
	c, store, _ := newTestCache(t, Config{TTL: time.Minute, MaxEntries: 10})

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "ghost")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), store.loads.Load())
}

func TestCache_SlidingExpiration(t *testing.T) {
	c, store, clock := newTestCache(t, Config{TTL: 10 * time.Second, MaxEntries: 10})
	seed(t, store, "coder", 0.8)
	ctx := context.Background()

	_, err := c.Get(ctx, "coder")
	require.NoError(t, err)

	// Each access within the TTL pushes expiry out again.
	for i := 0; i < 5; i++ {
		clock.Advance(8 * time.Second)
		_, err = c.Get(ctx, "coder")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), store.loads.Load())

	clock.Advance(11 * time.Second)
	_, err = c.Get(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, int64(2), store.loads.Load())
}

func TestCache_LRUEviction(t *testing.T) {
	c, store, _ := newTestCache(t, Config{TTL: time.Minute, MaxEntries: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		seed(t, store, id, 0.5)
	}

	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "b")
	_, _ = c.Get(ctx, "a") // a is now most recently used
	_, _ = c.Get(ctx, "c") // evicts b

	require.Equal(t, int64(3), store.loads.Load())
	_, _ = c.Get(ctx, "a")
	assert.Equal(t, int64(3), store.loads.Load(), "a survived")
	_, _ = c.Get(ctx, "b")
	assert.Equal(t, int64(4), store.loads.Load(), "b was evicted")

	st := c.Stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, int64(2), st.Evictions)
}

func TestCache_SetOverwrites(t *testing.T) {
	c, store, _ := newTestCache(t, Config{TTL: time.Minute, MaxEntries: 10, CacheMisses: true})
	ctx := context.Background()

	s, err := c.Get(ctx, "coder")
	require.NoError(t, err)
	require.Nil(t, s)

	fresh := score.NewPersonaScore("coder")
	fresh.UsageCount = 1
	c.Set("coder", fresh)

	s, err = c.Get(ctx, "coder")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(1), s.UsageCount)
	assert.Equal(t, int64(1), store.loads.Load(), "no re-fetch after Set")
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, store, _ := newTestCache(t, Config{TTL: time.Minute, MaxEntries: 10})
	seed(t, store, "a", 0.5)
	seed(t, store, "b", 0.5)
	ctx := context.Background()

	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "b")
	c.Delete("a")
	assert.Equal(t, 1, c.Stats().Size)

	c.Clear()
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCache_LoadErrorNotCached(t *testing.T) {
	var calls atomic.Int64
	load := func(context.Context, string) (*score.PersonaScore, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return score.NewPersonaScore("coder"), nil
	}
	c, err := New(load, Config{TTL: time.Minute, MaxEntries: 10, CacheMisses: true})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "coder")
	require.Error(t, err)

	s, err := c.Get(context.Background(), "coder")
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestCache_ConcurrentMissesShareOneLoad(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	load := func(context.Context, string) (*score.PersonaScore, error) {
		calls.Add(1)
		<-release
		return score.NewPersonaScore("coder"), nil
	}
	c, err := New(load, Config{TTL: time.Minute, MaxEntries: 10})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Get(context.Background(), "coder")
			assert.NoError(t, err)
			assert.NotNil(t, s)
		}()
	}
	// Give every goroutine time to join the in-flight load.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
}

func TestCache_CanceledCallerDoesNotFailSharedLoad(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context, _ string) (*score.PersonaScore, error) {
		close(started)
		select {
		case <-release:
			return score.NewPersonaScore("coder"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c, err := New(load, Config{TTL: time.Minute, MaxEntries: 10})
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(firstCtx, "coder")
		firstErr <- err
	}()
	<-started

	type result struct {
		s   *score.PersonaScore
		err error
	}
	second := make(chan result, 1)
	go func() {
		s, err := c.Get(context.Background(), "coder")
		second <- result{s, err}
	}()
	// Let the second caller join the in-flight load.
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	require.NotNil(t, got.s)
	assert.Equal(t, "coder", got.s.PersonaID)

	_, err = c.Get(context.Background(), "coder")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Stats().Hits, "the shared load was cached")
}

func TestCache_SetDuringLoadWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(context.Context, string) (*score.PersonaScore, error) {
		close(started)
		<-release
		stale := score.NewPersonaScore("coder")
		stale.UsageCount = 1
		return stale, nil
	}
	c, err := New(load, Config{TTL: time.Minute, MaxEntries: 10})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), "coder")
	}()

	<-started
	fresh := score.NewPersonaScore("coder")
	fresh.UsageCount = 2
	c.Set("coder", fresh)
	close(release)
	<-done

	s, err := c.Get(context.Background(), "coder")
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.UsageCount)
}

func TestCache_ServiceIntegration(t *testing.T) {
	store := score.NewInMemoryStore()
	c, err := New(store.GetScore, Config{TTL: time.Minute, MaxEntries: 10, CacheMisses: true})
	require.NoError(t, err)
	svc, err := score.NewService(store, nil, score.WithCache(c))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.RecordUserFeedback(ctx, "coder", 0.9, "great")
	require.NoError(t, err)

	got, err := svc.GetScore(ctx, "coder")
	require.NoError(t, err)
	stored, err := store.GetScore(ctx, "coder")
	require.NoError(t, err)

	assert.Equal(t, stored, got)
	assert.Equal(t, 0.9, got.UserSatisfactionAvg)
	assert.Equal(t, int64(1), got.UserFeedbackCount)
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestNewMetrics_Idempotent(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}
