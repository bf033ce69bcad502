package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
	"github.com/fyrsmithlabs/personad/internal/storage/storagetest"
)

func newStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		s, _ := newStore(t)
		return s
	})
}

func TestStore_KeyLayout(t *testing.T) {
	s, mr := newStore(t, WithPrefix("team"))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "coder", storagetest.Encode(t, persona.Entity{Persona: storagetest.Persona("coder")})))
	require.NoError(t, s.PutScore(ctx, &score.PersonaScore{PersonaID: "coder", UsageCount: 1}))
	require.NoError(t, s.AppendFeedback(ctx, "coder", score.FeedbackEntry{Rating: 5}, 3))

	assert.True(t, mr.Exists("team:persona:coder"))
	assert.True(t, mr.Exists("team:score:coder"))
	assert.True(t, mr.Exists("team:personas"))
	items, err := mr.List("team:feedback:coder")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestStore_ListKeepsInsertionOrder(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid", "zeta"} {
		require.NoError(t, s.Put(ctx, id, storagetest.Encode(t, persona.Entity{Persona: storagetest.Persona(id)})))
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, storagetest.ListIDs(t, s))
}

func TestStore_EventCap(t *testing.T) {
	s, _ := newStore(t, WithEventCap(2))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordUsageEvent(ctx, score.UsageEvent{PersonaID: id, Outcome: score.OutcomeSuccess}))
	}
	events, err := s.UsageEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].PersonaID)
	assert.Equal(t, "c", events[1].PersonaID)
}

func TestStore_ConnectionLoss(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	mr.Close()

	err := s.Ping(ctx)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	_, err = s.Get(ctx, "coder")
	assert.ErrorIs(t, err, storage.ErrStore)

	var failed int
	for _, err := range s.List(ctx) {
		assert.ErrorIs(t, err, storage.ErrStore)
		failed++
	}
	assert.Equal(t, 1, failed)
}
