// Package fallback wraps a remote primary backend with a local one.
//
// While the primary is healthy every write goes to it first and is mirrored
// to the local backend. When the primary fails with a backend error, the
// operation is served locally and the touched keys are remembered; once the
// health monitor sees the primary again, the pending keys are replayed.
// Pending keys live in memory only. The local backend keeps the data across
// restarts, but replay after a restart needs an explicit Export.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
)

// Backend is the surface both sides must provide.
type Backend interface {
	registry.Store
	score.Store
	score.FeedbackLog
	score.EventSink
}

type pendingFeedback struct {
	personaID string
	entry     score.FeedbackEntry
	max       int
}

// Store serves from the primary and falls back to the local backend.
type Store struct {
	primary Backend
	local   Backend
	health  *HealthMonitor
	logger  *zap.Logger

	syncMu sync.Mutex // one replay at a time

	mu       sync.Mutex
	records  map[string]struct{}
	scores   map[string]struct{}
	feedback []pendingFeedback
	events   []score.UsageEvent
}

// New wires primary and local together. health should ping primary; New
// registers a callback that replays pending writes on recovery.
func New(primary, local Backend, health *HealthMonitor, logger *zap.Logger) (*Store, error) {
	if primary == nil {
		return nil, errors.New("fallback: primary store is required")
	}
	if local == nil {
		return nil, errors.New("fallback: local store is required")
	}
	if health == nil {
		return nil, errors.New("fallback: health monitor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		primary: primary,
		local:   local,
		health:  health,
		logger:  logger,
		records: make(map[string]struct{}),
		scores:  make(map[string]struct{}),
	}
	if err := health.RegisterCallback(s.onHealthChange); err != nil {
		return nil, err
	}
	return s, nil
}

// Mode reports "primary" or "local".
func (s *Store) Mode() string {
	if s.health.IsHealthy() {
		return "primary"
	}
	return "local"
}

// Pending returns how many writes await replay.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records) + len(s.scores) + len(s.feedback) + len(s.events)
}

// Ping succeeds when either side is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.health.Check(ctx) {
		return nil
	}
	if p, ok := s.local.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) onHealthChange(healthy bool) {
	if !healthy {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("fallback: replay after recovery incomplete", zap.Error(err))
	}
}

// shouldFallback reports whether err is a backend failure rather than a
// rejected input.
func shouldFallback(err error) bool {
	return err != nil && errors.Is(err, storage.ErrStore) && !errors.Is(err, persona.ErrMalformedRecord)
}

// write runs op against the primary when healthy, mirroring to local, and
// against local alone otherwise. mark is called when the write lands only
// locally.
func (s *Store) write(name, id string, op func(Backend) error, mark func()) error {
	if s.health.IsHealthy() {
		err := op(s.primary)
		if err == nil {
			if lerr := op(s.local); lerr != nil {
				s.logger.Warn("fallback: local mirror write failed",
					zap.String("operation", name), zap.String("id", id), zap.Error(lerr))
			}
			return nil
		}
		if !shouldFallback(err) {
			return err
		}
		s.logger.Warn("fallback: primary write failed, using local",
			zap.String("operation", name), zap.String("id", id), zap.Error(err))
		s.health.MarkUnhealthy()
	}
	if err := op(s.local); err != nil {
		return fmt.Errorf("fallback: local %s failed: %w", name, err)
	}
	mark()
	return nil
}

// read serves from the primary when healthy and from local otherwise.
func read[T any](s *Store, name, id string, op func(Backend) (T, error)) (T, error) {
	if s.health.IsHealthy() {
		v, err := op(s.primary)
		if !shouldFallback(err) {
			return v, err
		}
		s.logger.Warn("fallback: primary read failed, using local",
			zap.String("operation", name), zap.String("id", id), zap.Error(err))
		s.health.MarkUnhealthy()
	}
	return op(s.local)
}

func (s *Store) markRecord(id string) func() {
	return func() {
		s.mu.Lock()
		s.records[id] = struct{}{}
		s.mu.Unlock()
	}
}

func (s *Store) markScore(id string) func() {
	return func() {
		s.mu.Lock()
		s.scores[id] = struct{}{}
		s.mu.Unlock()
	}
}

// List yields the primary listing, or the local one when the primary fails
// before yielding anything.
func (s *Store) List(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		src := s.local
		if s.health.IsHealthy() {
			type item struct {
				rec []byte
				err error
			}
			var items []item
			var fatal error
			for rec, err := range s.primary.List(ctx) {
				if shouldFallback(err) {
					fatal = err
					break
				}
				items = append(items, item{rec, err})
			}
			if fatal == nil {
				for _, it := range items {
					if !yield(it.rec, it.err) {
						return
					}
				}
				return
			}
			s.logger.Warn("fallback: primary list failed, using local", zap.Error(fatal))
			s.health.MarkUnhealthy()
		}
		for rec, err := range src.List(ctx) {
			if !yield(rec, err) {
				return
			}
		}
	}
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	return read(s, "get", id, func(b Backend) ([]byte, error) { return b.Get(ctx, id) })
}

func (s *Store) Put(ctx context.Context, id string, record []byte) error {
	return s.write("put", id, func(b Backend) error { return b.Put(ctx, id, record) }, s.markRecord(id))
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.write("delete", id, func(b Backend) error { return b.Delete(ctx, id) }, s.markRecord(id))
}

func (s *Store) GetScore(ctx context.Context, personaID string) (*score.PersonaScore, error) {
	return read(s, "get_score", personaID, func(b Backend) (*score.PersonaScore, error) {
		return b.GetScore(ctx, personaID)
	})
}

func (s *Store) PutScore(ctx context.Context, ps *score.PersonaScore) error {
	if ps == nil {
		return score.ErrEmptyPersonaID
	}
	return s.write("put_score", ps.PersonaID,
		func(b Backend) error { return b.PutScore(ctx, ps) }, s.markScore(ps.PersonaID))
}

func (s *Store) DeleteScore(ctx context.Context, personaID string) error {
	return s.write("delete_score", personaID,
		func(b Backend) error { return b.DeleteScore(ctx, personaID) },
		func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.scores[personaID] = struct{}{}
			kept := s.feedback[:0]
			for _, f := range s.feedback {
				if f.personaID != personaID {
					kept = append(kept, f)
				}
			}
			s.feedback = kept
		})
}

func (s *Store) AppendFeedback(ctx context.Context, personaID string, entry score.FeedbackEntry, max int) error {
	return s.write("append_feedback", personaID,
		func(b Backend) error { return b.AppendFeedback(ctx, personaID, entry, max) },
		func() {
			s.mu.Lock()
			s.feedback = append(s.feedback, pendingFeedback{personaID, entry, max})
			s.mu.Unlock()
		})
}

func (s *Store) RecentFeedback(ctx context.Context, personaID string, n int) ([]score.FeedbackEntry, error) {
	return read(s, "recent_feedback", personaID, func(b Backend) ([]score.FeedbackEntry, error) {
		return b.RecentFeedback(ctx, personaID, n)
	})
}

func (s *Store) RecordUsageEvent(ctx context.Context, ev score.UsageEvent) error {
	return s.write("record_event", ev.PersonaID,
		func(b Backend) error { return b.RecordUsageEvent(ctx, ev) },
		func() {
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
		})
}

// Sync replays pending writes to the primary. Entries that fail stay pending.
func (s *Store) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	records, scores := s.records, s.scores
	feedback, events := s.feedback, s.events
	s.records = make(map[string]struct{})
	s.scores = make(map[string]struct{})
	s.feedback, s.events = nil, nil
	s.mu.Unlock()

	total := len(records) + len(scores) + len(feedback) + len(events)
	if total == 0 {
		return nil
	}

	var errs []error
	for id := range records {
		if err := s.syncRecord(ctx, id); err != nil {
			errs = append(errs, err)
			s.markRecord(id)()
		}
	}
	for id := range scores {
		if err := s.syncScore(ctx, id); err != nil {
			errs = append(errs, err)
			s.markScore(id)()
		}
	}
	var failedFeedback []pendingFeedback
	for _, f := range feedback {
		if err := s.primary.AppendFeedback(ctx, f.personaID, f.entry, f.max); err != nil {
			errs = append(errs, err)
			failedFeedback = append(failedFeedback, f)
		}
	}
	var failedEvents []score.UsageEvent
	for _, ev := range events {
		if err := s.primary.RecordUsageEvent(ctx, ev); err != nil {
			errs = append(errs, err)
			failedEvents = append(failedEvents, ev)
		}
	}
	if len(failedFeedback) > 0 || len(failedEvents) > 0 {
		s.mu.Lock()
		s.feedback = append(failedFeedback, s.feedback...)
		s.events = append(failedEvents, s.events...)
		s.mu.Unlock()
	}

	s.logger.Info("fallback: replayed pending writes",
		zap.Int("pending", total),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// syncRecord copies the local state of id to the primary.
func (s *Store) syncRecord(ctx context.Context, id string) error {
	rec, err := s.local.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return s.primary.Delete(ctx, id)
	}
	return s.primary.Put(ctx, id, rec)
}

func (s *Store) syncScore(ctx context.Context, id string) error {
	ps, err := s.local.GetScore(ctx, id)
	if err != nil {
		return err
	}
	if ps == nil {
		return s.primary.DeleteScore(ctx, id)
	}
	return s.primary.PutScore(ctx, ps)
}

var _ Backend = (*Store)(nil)
