// Package storagetest holds the behavior every persona/score backend must
// share. Backend tests call Run with a constructor for a fresh, empty store.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
)

// Backend is the full surface a durable backend provides.
type Backend interface {
	registry.Store
	score.Store
	score.FeedbackLog
	score.EventSink
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Persona returns a valid persona definition with the given id.
func Persona(id string) *persona.Definition {
	return &persona.Definition{
		ID:                   id,
		Version:              persona.DefaultVersion,
		Name:                 "Persona " + id,
		SystemPromptTemplate: "You are {{name}}.",
		Capabilities:         []persona.Capability{persona.CapCodeExecution},
		Tags:                 []string{"coding"},
		ModelSettings:        map[string]any{"temperature": 0.3},
		CreatedAt:            epoch,
		LastUpdatedAt:        epoch,
	}
}

// Micro returns a valid micro-persona definition under parent.
func Micro(id, parent string) *persona.MicroDefinition {
	return &persona.MicroDefinition{
		ID:              id,
		Version:         persona.DefaultVersion,
		ParentPersonaID: parent,
		Name:            "Micro " + id,
		PromptFragment:  "Be brief.",
		MicroTraits:     []string{"concise"},
		CreatedAt:       epoch,
		LastUpdatedAt:   epoch,
	}
}

// Encode encodes e and fails the test on error.
func Encode(t testing.TB, e persona.Entity) []byte {
	t.Helper()
	rec, err := persona.EncodeRecord(e)
	require.NoError(t, err)
	return rec
}

// Decode decodes rec and fails the test on error.
func Decode(t testing.TB, rec []byte) persona.Entity {
	t.Helper()
	e, err := persona.DecodeRecord(rec)
	require.NoError(t, err)
	return e
}

// ListIDs drains s.List and returns the decoded IDs in yield order.
func ListIDs(t testing.TB, s registry.Store) []string {
	t.Helper()
	var ids []string
	for rec, err := range s.List(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, Decode(t, rec).ID())
	}
	return ids
}

// Run exercises newBackend against the shared backend behavior.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("records", func(t *testing.T) { testRecords(t, newBackend(t)) })
	t.Run("order", func(t *testing.T) { testOrder(t, newBackend(t)) })
	t.Run("scores", func(t *testing.T) { testScores(t, newBackend(t)) })
	t.Run("feedback", func(t *testing.T) { testFeedback(t, newBackend(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newBackend(t)) })
}

func testRecords(t *testing.T, s Backend) {
	ctx := context.Background()

	got, err := s.Get(ctx, "coder")
	require.NoError(t, err)
	assert.Nil(t, got, "absent record")
	assert.Empty(t, ListIDs(t, s))

	require.NoError(t, s.Put(ctx, "coder", Encode(t, persona.Entity{Persona: Persona("coder")})))
	require.NoError(t, s.Put(ctx, "micro-brief", Encode(t, persona.Entity{Micro: Micro("micro-brief", "coder")})))

	got, err = s.Get(ctx, "coder")
	require.NoError(t, err)
	e := Decode(t, got)
	require.NotNil(t, e.Persona)
	assert.Equal(t, "Persona coder", e.Persona.Name)
	assert.Equal(t, []persona.Capability{persona.CapCodeExecution}, e.Persona.Capabilities)
	assert.True(t, epoch.Equal(e.Persona.CreatedAt))
	assert.NoError(t, e.Validate())

	got, err = s.Get(ctx, "micro-brief")
	require.NoError(t, err)
	m := Decode(t, got)
	require.NotNil(t, m.Micro, "micro records stay micro records")
	assert.Equal(t, "coder", m.Micro.ParentPersonaID)

	// Upsert keeps a single record.
	updated := Persona("coder")
	updated.Name = "Renamed"
	require.NoError(t, s.Put(ctx, "coder", Encode(t, persona.Entity{Persona: updated})))
	assert.ElementsMatch(t, []string{"coder", "micro-brief"}, ListIDs(t, s))
	got, err = s.Get(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", Decode(t, got).Persona.Name)

	require.NoError(t, s.Delete(ctx, "coder"))
	require.NoError(t, s.Delete(ctx, "coder"), "deleting an absent record")
	assert.Equal(t, []string{"micro-brief"}, ListIDs(t, s))
}

// testOrder checks that List yields records in first-write order, which the
// registry relies on for stable recommendation tie-breaks.
func testOrder(t *testing.T, s Backend) {
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.Put(ctx, id, Encode(t, persona.Entity{Persona: Persona(id)})))
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ListIDs(t, s))

	updated := Persona("alpha")
	updated.Name = "Renamed"
	require.NoError(t, s.Put(ctx, "alpha", Encode(t, persona.Entity{Persona: updated})))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ListIDs(t, s), "upsert keeps position")

	require.NoError(t, s.Delete(ctx, "zeta"))
	require.NoError(t, s.Put(ctx, "zeta", Encode(t, persona.Entity{Persona: Persona("zeta")})))
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ListIDs(t, s), "re-created records go last")
}

func testScores(t *testing.T, s Backend) {
	ctx := context.Background()

	got, err := s.GetScore(ctx, "coder")
	require.NoError(t, err)
	assert.Nil(t, got)

	want := &score.PersonaScore{
		PersonaID:           "coder",
		UsageCount:          3,
		SuccessCount:        2,
		FailureCount:        1,
		SuccessRate:         0.67,
		AverageLatencyMS:    1200,
		UserSatisfactionAvg: 4.5,
		UserFeedbackCount:   2,
		AdaptabilityScore:   0.5,
		OverallScore:        0.71,
		LastUsedAt:          epoch,
		Metadata:            map[string]any{"last_task": "coding"},
	}
	require.NoError(t, s.PutScore(ctx, want))

	got, err = s.GetScore(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.UsageCount = 4
	require.NoError(t, s.PutScore(ctx, want))
	got, err = s.GetScore(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.UsageCount)

	require.NoError(t, s.DeleteScore(ctx, "coder"))
	require.NoError(t, s.DeleteScore(ctx, "coder"))
	got, err = s.GetScore(ctx, "coder")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testFeedback(t *testing.T, s Backend) {
	ctx := context.Background()

	entries, err := s.RecentFeedback(ctx, "coder", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	for i, text := range []string{"first", "second", "third"} {
		entry := score.FeedbackEntry{
			Rating:    float64(i + 3),
			Feedback:  text,
			Timestamp: epoch.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendFeedback(ctx, "coder", entry, 2))
	}

	entries, err = s.RecentFeedback(ctx, "coder", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2, "oldest entry evicted")
	assert.Equal(t, "second", entries[0].Feedback)
	assert.Equal(t, "third", entries[1].Feedback)
	assert.Equal(t, 5.0, entries[1].Rating)
	assert.True(t, epoch.Add(2*time.Minute).Equal(entries[1].Timestamp))

	entries, err = s.RecentFeedback(ctx, "coder", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "third", entries[0].Feedback, "newest entries are returned")

	// Deleting the score drops its feedback log.
	require.NoError(t, s.DeleteScore(ctx, "coder"))
	entries, err = s.RecentFeedback(ctx, "coder", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testEvents(t *testing.T, s Backend) {
	ctx := context.Background()
	latency := 250.0
	require.NoError(t, s.RecordUsageEvent(ctx, score.UsageEvent{
		PersonaID: "coder",
		TaskType:  "coding",
		Outcome:   score.OutcomeSuccess,
		LatencyMS: &latency,
		Timestamp: epoch,
	}))
	require.NoError(t, s.RecordUsageEvent(ctx, score.UsageEvent{
		PersonaID: "coder",
		Outcome:   score.OutcomeUnknown,
		Timestamp: epoch,
	}))
}
