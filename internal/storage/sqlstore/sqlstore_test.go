package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
	"github.com/fyrsmithlabs/personad/internal/storage/storagetest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "personad.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend { return newStore(t) })
}

func TestStore_ListKeepsInsertionOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.Put(ctx, id, storagetest.Encode(t, persona.Entity{Persona: storagetest.Persona(id)})))
	}
	// Updating keeps the original position.
	require.NoError(t, s.Put(ctx, "zeta", storagetest.Encode(t, persona.Entity{Persona: storagetest.Persona("zeta")})))

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, storagetest.ListIDs(t, s))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personad.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "coder", storagetest.Encode(t, persona.Entity{Persona: storagetest.Persona("coder")})))
	require.NoError(t, s.PutScore(ctx, &score.PersonaScore{PersonaID: "coder", UsageCount: 7}))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"coder"}, storagetest.ListIDs(t, s))
	ps, err := s.GetScore(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, int64(7), ps.UsageCount)
}

func TestStore_UsageEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	latency := 120.0

	require.NoError(t, s.RecordUsageEvent(ctx, score.UsageEvent{PersonaID: "coder", Outcome: score.OutcomeSuccess, LatencyMS: &latency}))
	require.NoError(t, s.RecordUsageEvent(ctx, score.UsageEvent{PersonaID: "writer", Outcome: score.OutcomeUnknown}))
	require.NoError(t, s.RecordUsageEvent(ctx, score.UsageEvent{PersonaID: "coder", Outcome: score.OutcomeFailure}))

	all, err := s.UsageEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	coder, err := s.UsageEvents(ctx, "coder", 0)
	require.NoError(t, err)
	require.Len(t, coder, 2)
	require.NotNil(t, coder[0].LatencyMS)
	assert.Equal(t, 120.0, *coder[0].LatencyMS)
	assert.Nil(t, coder[1].LatencyMS)
	assert.Equal(t, score.OutcomeFailure, coder[1].Outcome)
}

func TestStore_PingAfterClose(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "personad.db"))
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	err = s.Ping(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestNew_OpenFailure(t *testing.T) {
	orig := openDB
	t.Cleanup(func() { openDB = orig })
	openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("boom") }

	_, err := New(filepath.Join(t.TempDir(), "personad.db"))
	assert.ErrorContains(t, err, "boom")
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
