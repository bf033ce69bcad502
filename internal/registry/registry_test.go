package registry

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/recommend"
	"github.com/fyrsmithlabs/personad/internal/score"
)

func coder() persona.Definition {
	return persona.Definition{
		ID:                   "coder",
		Name:                 "Coder",
		SystemPromptTemplate: "You write {{language}} code.",
		Capabilities:         []persona.Capability{persona.CapCodeGeneration},
		Tags:                 []string{"task:code-gen"},
	}
}

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, r.Init(context.Background(), false))
	return r
}

func newScores(t *testing.T) (*score.Service, *score.InMemoryStore) {
	t.Helper()
	store := score.NewInMemoryStore()
	svc, err := score.NewService(store, nil)
	require.NoError(t, err)
	return svc, store
}

func mustEncode(t *testing.T, ent persona.Entity) []byte {
	t.Helper()
	rec, err := persona.EncodeRecord(ent)
	require.NoError(t, err)
	return rec
}

func ids(defs []persona.Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.ID
	}
	return out
}

// scriptedStore wraps a MemoryStore and can inject listing behavior.
type scriptedStore struct {
	*MemoryStore
	lists   atomic.Int32
	listErr error
	extra   []error
	gate    chan struct{}
}

func (s *scriptedStore) List(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		s.lists.Add(1)
		if s.gate != nil {
			<-s.gate
		}
		if s.listErr != nil {
			yield(nil, s.listErr)
			return
		}
		for _, err := range s.extra {
			if !yield(nil, err) {
				return
			}
		}
		for rec, err := range s.MemoryStore.List(ctx) {
			if !yield(rec, err) {
				return
			}
		}
	}
}

func TestInit_LoadsBuiltinsThenStoreOverlay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	overlay := persona.BuiltinLibrary()[0]
	overlay.Name = "Tuned Assistant"
	require.NoError(t, store.Put(ctx, overlay.ID, mustEncode(t, persona.Entity{Persona: &overlay})))
	c := coder()
	require.NoError(t, store.Put(ctx, c.ID, mustEncode(t, persona.Entity{Persona: &c})))

	r := newRegistry(t, Options{Store: store})

	all, err := r.ListPersonas(ctx, Filter{})
	require.NoError(t, err)

	builtinIDs := ids(persona.BuiltinLibrary())
	assert.Equal(t, append(builtinIDs, "coder"), ids(all), "builtins keep their slot, store entries follow")
	assert.Equal(t, "Tuned Assistant", all[0].Name)

	assert.False(t, r.IsBuiltin(overlay.ID), "overlaid builtin is user-defined")
	assert.True(t, r.IsBuiltin("researcher"))

	micros, err := r.ListMicroPersonas(ctx, MicroFilter{})
	require.NoError(t, err)
	assert.Len(t, micros, len(persona.BuiltinMicroLibrary()))
}

func TestInit_SkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	store := &scriptedStore{
		MemoryStore: NewMemoryStore(),
		extra:       []error{errors.Join(persona.ErrMalformedRecord, errors.New("unreadable file"))},
	}
	require.NoError(t, store.Put(ctx, "junk", []byte("{not json")))
	require.NoError(t, store.Put(ctx, "nameless", []byte(`{"id":"nameless","systemPromptTemplate":"x"}`)))
	c := coder()
	require.NoError(t, store.Put(ctx, c.ID, mustEncode(t, persona.Entity{Persona: &c})))

	r := newRegistry(t, Options{Store: store, SkipBuiltins: true, Logger: zap.New(core)})

	all, err := r.ListPersonas(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"coder"}, ids(all))
	assert.Equal(t, 3, logs.FilterMessageSnippet("skipping").Len())
}

func TestInit_ListFailureLeavesIndexUntouched(t *testing.T) {
	ctx := context.Background()
	store := &scriptedStore{MemoryStore: NewMemoryStore()}
	c := coder()
	require.NoError(t, store.Put(ctx, c.ID, mustEncode(t, persona.Entity{Persona: &c})))

	r := newRegistry(t, Options{Store: store, SkipBuiltins: true})

	store.listErr = errors.New("connection refused")
	err := r.Init(ctx, true)
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")

	got, err := r.GetPersona(ctx, "coder")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestInit_ConcurrentCallersShareOneLoad(t *testing.T) {
	store := &scriptedStore{MemoryStore: NewMemoryStore(), gate: make(chan struct{})}
	r, err := New(Options{Store: store})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Init(context.Background(), false))
		}()
	}
	close(store.gate)
	wg.Wait()

	assert.Equal(t, int32(1), store.lists.Load())
	require.NoError(t, r.Init(context.Background(), false))
	assert.Equal(t, int32(1), store.lists.Load(), "initialized registry does not reload")
}

// pausingStore snapshots its records, then waits on resume before yielding
// them, when paused is set.
type pausingStore struct {
	*MemoryStore
	paused chan struct{}
	resume chan struct{}
}

func (s *pausingStore) List(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var records [][]byte
		for rec, err := range s.MemoryStore.List(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			records = append(records, rec)
		}
		if s.paused != nil {
			close(s.paused)
			<-s.resume
		}
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func TestInit_ReloadKeepsConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := &pausingStore{MemoryStore: NewMemoryStore()}
	r := newRegistry(t, Options{Store: store, SkipBuiltins: true})

	store.paused = make(chan struct{})
	store.resume = make(chan struct{})
	reloaded := make(chan error, 1)
	go func() { reloaded <- r.Init(ctx, true) }()
	<-store.paused

	type result struct {
		d   *persona.Definition
		err error
	}
	created := make(chan result, 1)
	go func() {
		d, err := r.CreatePersona(ctx, coder())
		created <- result{d, err}
	}()

	select {
	case <-created:
		t.Fatal("write completed while a reload was listing the store")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.resume)

	require.NoError(t, <-reloaded)
	res := <-created
	require.NoError(t, res.err)

	got, err := r.GetPersona(ctx, res.d.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "persona created during reload is indexed")
	assert.Equal(t, 1, store.Len())
}

func TestCreatePersona(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newRegistry(t, Options{Store: store, SkipBuiltins: true})

	in := coder()
	in.ID = "ignored"
	created, err := r.CreatePersona(ctx, in)
	require.NoError(t, err)

	assert.NotEqual(t, "ignored", created.ID)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, persona.DefaultVersion, created.Version)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.LastUpdatedAt)

	rec, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, rec, "persisted before visible")

	t.Run("invalid persona is rejected and not stored", func(t *testing.T) {
		_, err := r.CreatePersona(ctx, persona.Definition{Name: "No prompt"})
		require.Error(t, err)
		assert.ErrorIs(t, err, persona.ErrValidation)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("returned snapshot is detached", func(t *testing.T) {
		created.Tags[0] = "mutated"
		got, err := r.GetPersona(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "task:code-gen", got.Tags[0])
	})
}

func TestCreateMicroPersona(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, Options{SkipBuiltins: true})
	_, err := r.SavePersona(ctx, coder())
	require.NoError(t, err)

	m, err := r.CreateMicroPersona(ctx, persona.MicroDefinition{
		ParentPersonaID: "coder",
		Name:            "Go",
		PromptFragment:  "Write idiomatic Go.",
	})
	require.NoError(t, err)
	assert.True(t, persona.IsMicroID(m.ID))
	assert.Equal(t, persona.DefaultVersion, m.Version)

	_, err = r.CreateMicroPersona(ctx, persona.MicroDefinition{
		ParentPersonaID: "nobody",
		Name:            "Orphan",
		PromptFragment:  "x",
	})
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestUpdatePersona(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newRegistry(t, Options{Store: store, SkipBuiltins: true})
	saved, err := r.SavePersona(ctx, coder())
	require.NoError(t, err)

	t.Run("unknown id", func(t *testing.T) {
		got, found, err := r.UpdatePersona(ctx, "missing", PersonaPatch{})
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, got)
	})

	t.Run("patch applies and id is immutable", func(t *testing.T) {
		name := "Senior Coder"
		tags := []string{}
		got, found, err := r.UpdatePersona(ctx, "coder", PersonaPatch{Name: &name, Tags: &tags})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "coder", got.ID)
		assert.Equal(t, "Senior Coder", got.Name)
		assert.Empty(t, got.Tags)
		assert.Equal(t, saved.SystemPromptTemplate, got.SystemPromptTemplate)
		assert.Equal(t, saved.CreatedAt, got.CreatedAt)
		assert.False(t, got.LastUpdatedAt.Before(saved.LastUpdatedAt))

		rec, err := store.Get(ctx, "coder")
		require.NoError(t, err)
		ent, err := persona.DecodeRecord(rec)
		require.NoError(t, err)
		assert.Equal(t, "Senior Coder", ent.Persona.Name)
	})

	t.Run("invalid patch keeps previous version", func(t *testing.T) {
		empty := ""
		_, found, err := r.UpdatePersona(ctx, "coder", PersonaPatch{SystemPromptTemplate: &empty})
		assert.True(t, found)
		assert.ErrorIs(t, err, persona.ErrValidation)

		got, err := r.GetPersona(ctx, "coder")
		require.NoError(t, err)
		assert.Equal(t, saved.SystemPromptTemplate, got.SystemPromptTemplate)
	})
}

func TestUpdateBuiltinPersistsOverlay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newRegistry(t, Options{Store: store})

	desc := "Local tweak"
	_, found, err := r.UpdatePersona(ctx, "researcher", PersonaPatch{Description: &desc})
	require.NoError(t, err)
	require.True(t, found)

	reloaded := newRegistry(t, Options{Store: store})
	got, err := reloaded.GetPersona(ctx, "researcher")
	require.NoError(t, err)
	assert.Equal(t, "Local tweak", got.Description)
}

func TestDeletePersona_Cascades(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	scores, scoreStore := newScores(t)
	r := newRegistry(t, Options{Store: store, Scores: scores, SkipBuiltins: true})

	_, err := r.SavePersona(ctx, coder())
	require.NoError(t, err)
	m1, err := r.CreateMicroPersona(ctx, persona.MicroDefinition{ParentPersonaID: "coder", Name: "Go", PromptFragment: "Go."})
	require.NoError(t, err)
	m2, err := r.CreateMicroPersona(ctx, persona.MicroDefinition{ParentPersonaID: "coder", Name: "Rust", PromptFragment: "Rust."})
	require.NoError(t, err)

	for _, id := range []string{"coder", m1.ID, m2.ID} {
		_, err := scores.RecordUserFeedback(ctx, id, 0.8, "")
		require.NoError(t, err)
	}

	deleted, err := r.DeletePersona(ctx, "coder")
	require.NoError(t, err)
	assert.True(t, deleted)

	for _, id := range []string{"coder", m1.ID, m2.ID} {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, rec, "store still holds %s", id)

		s, err := scoreStore.GetScore(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, s, "score survived for %s", id)
	}

	micros, err := r.ListMicroPersonas(ctx, MicroFilter{})
	require.NoError(t, err)
	assert.Empty(t, micros)

	deleted, err = r.DeletePersona(ctx, "coder")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteMicroPersona_ScrubsCompatibleLists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newRegistry(t, Options{Store: store})

	deleted, err := r.DeleteMicroPersona(ctx, "micro-concise")
	require.NoError(t, err)
	require.True(t, deleted)

	got, err := r.GetPersona(ctx, "general-assistant")
	require.NoError(t, err)
	assert.Equal(t, []string{"micro-friendly"}, got.CompatibleMicroPersonas)

	rec, err := store.Get(ctx, "general-assistant")
	require.NoError(t, err)
	require.NotNil(t, rec, "scrubbed persona is persisted")
}

func TestListPersonas_Filters(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, Options{SkipBuiltins: true})

	for _, d := range []persona.Definition{
		{ID: "a", Name: "A", SystemPromptTemplate: "a", Tags: []string{"x"}, Capabilities: []persona.Capability{persona.CapReasoning}},
		{ID: "b", Name: "B", SystemPromptTemplate: "b", Tags: []string{"y"}, Capabilities: []persona.Capability{persona.CapLongContext}},
		{ID: "c", Name: "C", SystemPromptTemplate: "c", Tags: []string{"x", "y"}},
	} {
		_, err := r.SavePersona(ctx, d)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"no filter", Filter{}, []string{"a", "b", "c"}},
		{"tags are OR-ed", Filter{Tags: []string{"x", "y"}}, []string{"a", "b", "c"}},
		{"single tag", Filter{Tags: []string{"y"}}, []string{"b", "c"}},
		{"capabilities are OR-ed", Filter{Capabilities: []persona.Capability{persona.CapReasoning, persona.CapLongContext}}, []string{"a", "b"}},
		{"fields are AND-ed", Filter{Tags: []string{"y"}, Capabilities: []persona.Capability{persona.CapLongContext}}, []string{"b"}},
		{"limit", Filter{Limit: 2}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ListPersonas(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestRecommendation_CoderScenario(t *testing.T) {
	ctx := context.Background()
	scores, _ := newScores(t)
	r := newRegistry(t, Options{Scores: scores})

	_, err := r.SavePersona(ctx, coder())
	require.NoError(t, err)

	rec, err := r.GetPersonaRecommendation(ctx, "code-gen", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "coder", rec.Persona.ID)
	assert.Nil(t, rec.MicroPersona)
	assert.Equal(t, recommend.ReasonOverall, rec.MatchReason)
	assert.InDelta(t, score.NeutralScore, rec.Score, 1e-9)
	assert.True(t, rec.Features.CodeGeneration)
}

func TestRecommendation_CapabilityFilter(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, Options{SkipBuiltins: true})

	x, y := persona.CapReasoning, persona.CapLongContext
	_, err := r.SavePersona(ctx, persona.Definition{ID: "B", Name: "B", SystemPromptTemplate: "b", Capabilities: []persona.Capability{x}})
	require.NoError(t, err)
	_, err = r.SavePersona(ctx, persona.Definition{ID: "A", Name: "A", SystemPromptTemplate: "a", Capabilities: []persona.Capability{x, y}})
	require.NoError(t, err)

	rec, err := r.GetPersonaRecommendation(ctx, "", []persona.Capability{x, y})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A", rec.Persona.ID)

	rec, err = r.GetPersonaRecommendation(ctx, "", []persona.Capability{persona.CapImageGeneration})
	require.NoError(t, err)
	assert.Nil(t, rec, "no match is not an error")
}

func TestRecommendation_TieBreakIsRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, Options{SkipBuiltins: true})

	for _, id := range []string{"first", "second"} {
		_, err := r.SavePersona(ctx, persona.Definition{ID: id, Name: id, SystemPromptTemplate: id, Tags: []string{"task:chat"}})
		require.NoError(t, err)
	}

	rec, err := r.GetPersonaRecommendation(ctx, "chat", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "first", rec.Persona.ID)
}

func TestRecommendation_BlendsBestMicroPersona(t *testing.T) {
	ctx := context.Background()
	scores, scoreStore := newScores(t)
	require.NoError(t, scoreStore.PutScore(ctx, &score.PersonaScore{PersonaID: "micro-friendly", OverallScore: 0.9}))
	r := newRegistry(t, Options{Scores: scores})

	rec, err := r.GetPersonaRecommendation(ctx, "chat", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "general-assistant", rec.Persona.ID)
	require.NotNil(t, rec.MicroPersona)
	assert.Equal(t, "micro-friendly", rec.MicroPersona.ID)
	assert.Equal(t, "micro-friendly", rec.Composed.ID)
	assert.Equal(t, recommend.ReasonBlended, rec.MatchReason)
	assert.InDelta(t, 0.7, rec.Score, 1e-9)
}

func TestRecommendation_SkipsCandidateThatFailsComposition(t *testing.T) {
	ctx := context.Background()
	scores, scoreStore := newScores(t)
	r := newRegistry(t, Options{Scores: scores, SkipBuiltins: true})

	_, err := r.SavePersona(ctx, persona.Definition{ID: "broken", Name: "Broken", SystemPromptTemplate: "b", Tags: []string{"task:chat"},
		CompatibleMicroPersonas: []string{"micro-blank"}})
	require.NoError(t, err)
	_, err = r.SavePersona(ctx, persona.Definition{ID: "fine", Name: "Fine", SystemPromptTemplate: "f", Tags: []string{"task:chat"}})
	require.NoError(t, err)

	blank := "   "
	_, err = r.SaveMicroPersona(ctx, persona.MicroDefinition{
		ID: "micro-blank", ParentPersonaID: "broken", Name: "Blank",
		Overrides: &persona.Overrides{SystemPromptTemplate: &blank},
	})
	require.NoError(t, err)
	require.NoError(t, scoreStore.PutScore(ctx, &score.PersonaScore{PersonaID: "micro-blank", OverallScore: 1}))

	rec, err := r.GetPersonaRecommendation(ctx, "chat", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "fine", rec.Persona.ID)
}

func TestExport_SkipsUnmodifiedBuiltins(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, Options{})
	_, err := r.SavePersona(ctx, coder())
	require.NoError(t, err)

	dst := NewMemoryStore()
	res, err := r.Export(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, ExportResult{Personas: 1}, res)

	rec, err := dst.Get(ctx, "coder")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

// stubIndex returns a fixed ranking.
type stubIndex struct {
	mu      sync.Mutex
	upserts map[string]bool
	ranking []string
}

func (s *stubIndex) Upsert(_ context.Context, d persona.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts[d.ID] = true
	return nil
}

func (s *stubIndex) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.upserts, id)
	return nil
}

func (s *stubIndex) Search(_ context.Context, _ string, limit int) ([]string, error) {
	return s.ranking[:min(limit, len(s.ranking))], nil
}

func TestSearchPersonas(t *testing.T) {
	ctx := context.Background()

	t.Run("no index", func(t *testing.T) {
		r := newRegistry(t, Options{})
		got, err := r.SearchPersonas(ctx, "papers", 3)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("maps ranked ids to snapshots", func(t *testing.T) {
		idx := &stubIndex{upserts: map[string]bool{}, ranking: []string{"researcher", "deleted", "technical-writer"}}
		r := newRegistry(t, Options{Index: idx})
		assert.True(t, idx.upserts["researcher"], "init indexes personas")

		got, err := r.SearchPersonas(ctx, "papers", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"researcher", "technical-writer"}, ids(got))
	})
}
