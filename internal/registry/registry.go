// Package registry is the authoritative in-memory index of personas and
// micro-personas.
//
// The registry loads the built-in library first, overlays whatever the
// persistent Store holds, and from then on serves every read from memory.
// Writes go to the Store before they become visible in the index. Deleting a
// persona cascades to its micro-personas and to every affected score.
//
//	Init ──► builtins ──► Store.List (overlay) ──► index swap
//	Create/Update ──► validate ──► Store.Put ──► index
//	Delete ──► Store.Delete ──► index ──► scores (best-effort)
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/recommend"
)

// Errors for registry operations.
var (
	// ErrIDTaken is returned when saving a new entity under an ID that
	// already names an entity of the other kind.
	ErrIDTaken = errors.New("id already in use")

	// ErrUnknownParent is returned when a micro-persona names a parent
	// persona that is not registered.
	ErrUnknownParent = errors.New("parent persona not registered")
)

var timeNow = time.Now

var tracer = otel.Tracer("github.com/fyrsmithlabs/personad/internal/registry")

// Store persists serialized persona and micro-persona records by ID.
// Records are self-describing; see persona.DecodeRecord.
type Store interface {
	// List yields every stored record. A yielded error wrapping
	// persona.ErrMalformedRecord affects only that record; any other error
	// means the listing as a whole failed.
	List(ctx context.Context) iter.Seq2[[]byte, error]

	// Get returns nil, nil when id is absent.
	Get(ctx context.Context, id string) ([]byte, error)

	// Put upserts the record for id.
	Put(ctx context.Context, id string, record []byte) error

	// Delete removes the record for id. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error
}

// Scores is the score surface the registry needs: lookups for
// recommendations and deletes for cascades.
type Scores interface {
	recommend.ScoreSource
	DeleteScore(ctx context.Context, personaID string) error
}

// Index is an optional similarity index over persona descriptions.
type Index interface {
	Upsert(ctx context.Context, d persona.Definition) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Options configures a Registry.
type Options struct {
	// Store persists personas. Nil keeps the registry memory-only.
	Store Store

	// Scores is consulted for recommendations and cleaned on delete.
	// Nil treats every persona as neutral.
	Scores Scores

	// Index enables SearchPersonas. Optional.
	Index Index

	// SkipBuiltins disables loading the built-in library on Init.
	SkipBuiltins bool

	// EngineOptions are passed to the recommendation engine.
	EngineOptions []recommend.EngineOption

	Logger *zap.Logger
}

// Registry indexes personas and micro-personas. It is safe for concurrent use.
type Registry struct {
	store        Store
	scores       Scores
	index        Index
	engine       *recommend.Engine
	logger       *zap.Logger
	loadBuiltins bool

	initGroup singleflight.Group

	// writeMu serializes mutations so read-modify-write updates and
	// cascades never interleave. load holds it from List to swap so a
	// concurrent write is never dropped by a reload. Reads only take mu.
	writeMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	personas    map[string]*persona.Definition
	micros      map[string]*persona.MicroDefinition
	order       []string // persona IDs in registration order
	microOrder  []string
	builtins    map[string]bool
}

// New creates a registry. Call Init (or any read, which initializes lazily)
// before use.
func New(opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		store:        opts.Store,
		scores:       opts.Scores,
		index:        opts.Index,
		logger:       logger,
		loadBuiltins: !opts.SkipBuiltins,
		personas:     make(map[string]*persona.Definition),
		micros:       make(map[string]*persona.MicroDefinition),
		builtins:     make(map[string]bool),
	}

	var scores recommend.ScoreSource
	if opts.Scores != nil {
		scores = opts.Scores
	}
	engine, err := recommend.NewEngine(r, scores, logger.Named("recommend"), opts.EngineOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating recommendation engine: %w", err)
	}
	r.engine = engine
	return r, nil
}

// Init loads the built-in library and the stored records into the index.
// It is a no-op once initialized unless force is set. Concurrent callers
// share one in-flight load. If the store cannot be listed the previous index
// is left untouched and the error is returned.
func (r *Registry) Init(ctx context.Context, force bool) error {
	if !force {
		r.mu.RLock()
		done := r.initialized
		r.mu.RUnlock()
		if done {
			return nil
		}
	}

	key := "init"
	if force {
		key = "reload"
	}
	_, err, _ := r.initGroup.Do(key, func() (any, error) {
		if !force {
			r.mu.RLock()
			done := r.initialized
			r.mu.RUnlock()
			if done {
				return nil, nil
			}
		}
		return nil, r.load(ctx)
	})
	return err
}

// snapshot is a freshly loaded index, swapped in whole on success.
type snapshot struct {
	personas   map[string]*persona.Definition
	micros     map[string]*persona.MicroDefinition
	order      []string
	microOrder []string
	builtins   map[string]bool
}

func (s *snapshot) putPersona(d *persona.Definition) {
	if _, ok := s.personas[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.personas[d.ID] = d
}

func (s *snapshot) putMicro(m *persona.MicroDefinition) {
	if _, ok := s.micros[m.ID]; !ok {
		s.microOrder = append(s.microOrder, m.ID)
	}
	s.micros[m.ID] = m
}

func (r *Registry) load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "registry.load")
	defer span.End()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	snap := &snapshot{
		personas: make(map[string]*persona.Definition),
		micros:   make(map[string]*persona.MicroDefinition),
		builtins: make(map[string]bool),
	}

	if r.loadBuiltins {
		defs, micros := persona.Builtins()
		for i := range defs {
			snap.putPersona(&defs[i])
			snap.builtins[defs[i].ID] = true
		}
		for i := range micros {
			snap.putMicro(&micros[i])
			snap.builtins[micros[i].ID] = true
		}
	}

	var stored, skipped int
	if r.store != nil {
		for record, err := range r.store.List(ctx) {
			if err != nil {
				if errors.Is(err, persona.ErrMalformedRecord) {
					skipped++
					r.logger.Warn("skipping unreadable persona record", zap.Error(err))
					continue
				}
				span.RecordError(err)
				return fmt.Errorf("listing stored personas: %w", err)
			}

			ent, err := persona.DecodeRecord(record)
			if err == nil {
				err = ent.Validate()
			}
			if err != nil {
				skipped++
				r.logger.Warn("skipping malformed persona record",
					zap.String("id", ent.ID()),
					zap.Error(err))
				continue
			}

			stored++
			delete(snap.builtins, ent.ID())
			if ent.Persona != nil {
				snap.putPersona(ent.Persona)
			} else {
				snap.putMicro(ent.Micro)
			}
		}
	}

	r.mu.Lock()
	r.personas = snap.personas
	r.micros = snap.micros
	r.order = snap.order
	r.microOrder = snap.microOrder
	r.builtins = snap.builtins
	r.initialized = true
	r.mu.Unlock()

	span.SetAttributes(
		attribute.Int("personas", len(snap.personas)),
		attribute.Int("micro_personas", len(snap.micros)),
		attribute.Int("stored", stored),
		attribute.Int("skipped", skipped),
	)
	r.logger.Info("persona registry initialized",
		zap.Int("personas", len(snap.personas)),
		zap.Int("micro_personas", len(snap.micros)),
		zap.Int("stored_records", stored),
		zap.Int("skipped_records", skipped))

	r.reindex(ctx, snap)
	return nil
}

// reindex rebuilds the similarity index. Failures are logged.
func (r *Registry) reindex(ctx context.Context, snap *snapshot) {
	if r.index == nil {
		return
	}
	for _, id := range snap.order {
		if err := r.index.Upsert(ctx, *snap.personas[id]); err != nil {
			r.logger.Warn("failed to index persona", zap.String("id", id), zap.Error(err))
		}
	}
}

func (r *Registry) ensureInit(ctx context.Context) error {
	return r.Init(ctx, false)
}

// IsBuiltin reports whether id is an unmodified entry of the built-in library.
func (r *Registry) IsBuiltin(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builtins[id]
}

// persist writes an entity to the store, if one is configured.
func (r *Registry) persist(ctx context.Context, ent persona.Entity) error {
	if r.store == nil {
		return nil
	}
	record, err := persona.EncodeRecord(ent)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, ent.ID(), record); err != nil {
		return fmt.Errorf("persisting %s: %w", ent.ID(), err)
	}
	return nil
}

func (r *Registry) unpersist(ctx context.Context, id string) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// removeID deletes id from an order slice in place.
func removeID(order []string, id string) []string {
	return slices.DeleteFunc(order, func(s string) bool { return s == id })
}
