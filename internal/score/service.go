package score

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultFeedbackLogSize bounds the recent-feedback log per persona.
	DefaultFeedbackLogSize = 20

	kindUsage    = "usage"
	kindFeedback = "feedback"
)

// timeNow is replaced in tests.
var timeNow = time.Now

var tracer = otel.Tracer("github.com/fyrsmithlabs/personad/internal/score")

// Service folds observations into persona scores and keeps the cache
// consistent with the store.
//
// Updates for the same persona are not serialized unless
// WithSerializedUpdates is set; two concurrent updates may then race and one
// of them can be lost.
type Service struct {
	store            Store
	cache            Cache
	feedback         FeedbackLog
	logger           *zap.Logger
	metrics          *Metrics
	latencyCeilingMS float64
	feedbackLogSize  int

	serialize bool
	locksMu   sync.Mutex
	locks     map[string]*idLock
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCache puts a read-through cache in front of the store.
func WithCache(c Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithFeedbackLog sets where free-text feedback is appended. Stores that
// implement FeedbackLog are used automatically.
func WithFeedbackLog(l FeedbackLog) ServiceOption {
	return func(s *Service) { s.feedback = l }
}

// WithLatencyCeiling overrides the latency at which the latency component
// of the overall score reaches zero.
func WithLatencyCeiling(ms float64) ServiceOption {
	return func(s *Service) {
		if ms > 0 {
			s.latencyCeilingMS = ms
		}
	}
}

// WithFeedbackLogSize bounds the recent-feedback log. Zero disables it.
func WithFeedbackLogSize(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.feedbackLogSize = n
		}
	}
}

// WithSerializedUpdates serializes updates per persona ID within this process.
func WithSerializedUpdates() ServiceOption {
	return func(s *Service) { s.serialize = true }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a score service over store.
func NewService(store Store, logger *zap.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("score store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:            store,
		logger:           logger,
		latencyCeilingMS: DefaultLatencyCeilingMS,
		feedbackLogSize:  DefaultFeedbackLogSize,
		locks:            make(map[string]*idLock),
	}
	if fl, ok := store.(FeedbackLog); ok {
		s.feedback = fl
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetScore returns the score for personaID through the cache, or nil when
// the persona has no history.
func (s *Service) GetScore(ctx context.Context, personaID string) (*PersonaScore, error) {
	if personaID == "" {
		return nil, ErrEmptyPersonaID
	}
	if s.cache != nil {
		return s.cache.Get(ctx, personaID)
	}
	return s.store.GetScore(ctx, personaID)
}

// UpdateScore records one usage of personaID and returns the updated score.
func (s *Service) UpdateScore(ctx context.Context, personaID string, obs Observation) (*PersonaScore, error) {
	return s.apply(ctx, kindUsage, personaID, obs, true)
}

// RecordUserFeedback folds a satisfaction rating in [0,1] into the score
// without touching usage counters. Non-empty feedback text is appended to the
// recent-feedback log on a best-effort basis.
func (s *Service) RecordUserFeedback(ctx context.Context, personaID string, rating float64, feedback string) (*PersonaScore, error) {
	at := timeNow()
	updated, err := s.apply(ctx, kindFeedback, personaID, Observation{Satisfaction: &rating, At: at}, false)
	if err != nil {
		return nil, err
	}

	if feedback != "" && s.feedback != nil && s.feedbackLogSize > 0 {
		entry := FeedbackEntry{Rating: rating, Feedback: feedback, Timestamp: at}
		if err := s.feedback.AppendFeedback(ctx, personaID, entry, s.feedbackLogSize); err != nil {
			s.logger.Warn("failed to append feedback text",
				zap.String("operation", "append_feedback"),
				zap.String("id", personaID),
				zap.Error(err))
		}
	}
	return updated, nil
}

// RecentFeedback returns up to n recent feedback entries, oldest first.
func (s *Service) RecentFeedback(ctx context.Context, personaID string, n int) ([]FeedbackEntry, error) {
	if s.feedback == nil {
		return nil, nil
	}
	return s.feedback.RecentFeedback(ctx, personaID, n)
}

// DeleteScore removes the score for personaID from the store and the cache.
func (s *Service) DeleteScore(ctx context.Context, personaID string) error {
	if err := s.store.DeleteScore(ctx, personaID); err != nil {
		return fmt.Errorf("deleting score %s: %w", personaID, err)
	}
	if s.cache != nil {
		s.cache.Delete(personaID)
	}
	return nil
}

func (s *Service) apply(ctx context.Context, kind, personaID string, obs Observation, countUsage bool) (*PersonaScore, error) {
	if personaID == "" {
		return nil, ErrEmptyPersonaID
	}
	if err := obs.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "score."+kind)
	defer span.End()
	span.SetAttributes(attribute.String("persona.id", personaID))

	if s.serialize {
		unlock := s.lock(personaID)
		defer unlock()
	}

	current, err := s.store.GetScore(ctx, personaID)
	if err != nil {
		s.fail(span, kind, personaID, "get_score", err)
		return nil, fmt.Errorf("loading score %s: %w", personaID, err)
	}
	if current == nil {
		current = NewPersonaScore(personaID)
	}
	if obs.At.IsZero() {
		obs.At = timeNow()
	}

	Fold(current, obs, countUsage, s.latencyCeilingMS)

	if err := s.store.PutScore(ctx, current); err != nil {
		s.fail(span, kind, personaID, "put_score", err)
		return nil, fmt.Errorf("saving score %s: %w", personaID, err)
	}
	if s.cache != nil {
		s.cache.Set(personaID, current.Clone())
	}
	s.metrics.recordUpdate(kind, nil)

	span.SetAttributes(attribute.Float64("score.overall", current.OverallScore))
	s.logger.Debug("score updated",
		zap.String("kind", kind),
		zap.String("id", personaID),
		zap.Int64("usage_count", current.UsageCount),
		zap.Float64("overall_score", current.OverallScore))
	return current, nil
}

func (s *Service) fail(span trace.Span, kind, personaID, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.recordUpdate(kind, err)
	s.logger.Error("score store operation failed",
		zap.String("operation", op),
		zap.String("id", personaID),
		zap.Error(err))
}

// idLock is a reference-counted mutex for one persona ID.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the per-ID mutex and returns its release func. Entries are
// dropped once no goroutine holds or waits on them.
func (s *Service) lock(personaID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[personaID]
	if !ok {
		l = &idLock{}
		s.locks[personaID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, personaID)
		}
		s.locksMu.Unlock()
	}
}
