// Package recommend selects the best persona/micro-persona pair for a task.
//
// Each request is independent: candidates are filtered by capability and
// task tag, paired with their best-scoring compatible micro-persona, ranked
// by blended score, and the winner is composed. Nothing is reserved or locked.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/score"
)

// Match reasons.
const (
	ReasonBlended = "Best persona and micro-persona combination"
	ReasonOverall = "Highest overall score"
)

// DefaultMaxParallel bounds concurrent score lookups per request.
const DefaultMaxParallel = 8

var tracer = otel.Tracer("github.com/fyrsmithlabs/personad/internal/recommend")

// CandidateSource provides the registered personas and micro-personas.
type CandidateSource interface {
	// Candidates returns every registered persona in registration order.
	Candidates(ctx context.Context) ([]persona.Definition, error)

	// MicroPersona returns nil, nil when id is not registered.
	MicroPersona(ctx context.Context, id string) (*persona.MicroDefinition, error)
}

// ScoreSource looks up scores. A nil score means no history.
type ScoreSource interface {
	GetScore(ctx context.Context, personaID string) (*score.PersonaScore, error)
}

// Request describes the task to staff.
type Request struct {
	// TaskType matches personas tagged "task:{TaskType}" or plain TaskType.
	// Empty matches everything.
	TaskType string `json:"taskType,omitempty"`

	// RequiredCapabilities must all be present on a candidate.
	RequiredCapabilities []persona.Capability `json:"requiredCapabilities,omitempty"`
}

// Recommendation is the selected pair and its composed persona.
type Recommendation struct {
	Persona      persona.Definition       `json:"persona"`
	MicroPersona *persona.MicroDefinition `json:"microPersona,omitempty"`
	Composed     persona.Definition       `json:"composedPersona"`
	Features     persona.AgentFeatures    `json:"features"`
	Score        float64                  `json:"score"`
	MatchReason  string                   `json:"matchReason"`
}

// Engine ranks candidates. It is safe for concurrent use.
type Engine struct {
	source      CandidateSource
	scores      ScoreSource
	logger      *zap.Logger
	metrics     *Metrics
	maxParallel int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxParallel bounds concurrent score lookups per request.
func WithMaxParallel(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// NewEngine creates an engine. A nil scores source treats every persona as
// having the neutral score.
func NewEngine(source CandidateSource, scores ScoreSource, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("candidate source cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		source:      source,
		scores:      scores,
		logger:      logger,
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// candidate is one persona under evaluation. Each slot is written by exactly
// one goroutine during the score prefetch.
type candidate struct {
	index     int
	persona   persona.Definition
	score     float64
	micros    []*persona.MicroDefinition
	microScrs []float64

	best      *persona.MicroDefinition
	effective float64
	reason    string
}

// Recommend returns the best composed persona for req, or nil when no
// registered persona qualifies.
func (e *Engine) Recommend(ctx context.Context, req Request) (*Recommendation, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "recommend")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.type", req.TaskType),
		attribute.Int("capabilities.required", len(req.RequiredCapabilities)),
	)

	rec, err := e.recommend(ctx, req)

	result := "match"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case rec == nil:
		result = "no_match"
	default:
		span.SetAttributes(
			attribute.String("persona.id", rec.Composed.ID),
			attribute.Float64("score", rec.Score),
		)
	}
	if e.metrics != nil {
		e.metrics.RecommendationsTotal.WithLabelValues(result).Inc()
		e.metrics.Duration.Observe(time.Since(start).Seconds())
	}
	return rec, err
}

func (e *Engine) recommend(ctx context.Context, req Request) (*Recommendation, error) {
	all, err := e.source.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}

	registered := make(map[string]bool, len(all))
	for i := range all {
		registered[all[i].ID] = true
	}

	var cands []*candidate
	for _, p := range all {
		if !p.HasCapabilities(req.RequiredCapabilities) {
			continue
		}
		if req.TaskType != "" && !p.MatchesTask(req.TaskType) {
			continue
		}
		cands = append(cands, &candidate{index: len(cands), persona: p})
	}
	if len(cands) == 0 {
		e.logger.Debug("no persona matches request",
			zap.String("task_type", req.TaskType),
			zap.Int("registered", len(all)))
		return nil, nil
	}

	for _, c := range cands {
		if err := e.resolveMicros(ctx, c, registered); err != nil {
			return nil, err
		}
	}
	if err := e.prefetchScores(ctx, cands); err != nil {
		return nil, err
	}

	for _, c := range cands {
		c.rank()
	}

	// Stable sort keeps registration order among equal scores, so the
	// first candidate reaching the maximum wins.
	ranked := append([]*candidate(nil), cands...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].effective > ranked[j].effective
	})

	var compErrs []error
	for _, c := range ranked {
		composed, err := persona.Compose(c.persona, c.best)
		if err != nil {
			compErrs = append(compErrs, err)
			if e.metrics != nil {
				e.metrics.SkippedTotal.Inc()
			}
			e.logger.Warn("skipping candidate that failed to compose",
				zap.String("persona_id", c.persona.ID),
				zap.Error(err))
			continue
		}

		rec := &Recommendation{
			Persona:     c.persona,
			Composed:    composed,
			Features:    persona.FeaturesFor(composed.Capabilities),
			Score:       c.effective,
			MatchReason: c.reason,
		}
		if c.best != nil {
			m := c.best.Clone()
			rec.MicroPersona = &m
		}
		e.logger.Debug("recommendation selected",
			zap.String("persona_id", c.persona.ID),
			zap.String("composed_id", composed.ID),
			zap.Float64("score", c.effective),
			zap.Int("candidates", len(cands)))
		return rec, nil
	}
	return nil, fmt.Errorf("no candidate could be composed: %w", errors.Join(compErrs...))
}

// resolveMicros keeps the compatible micro-personas that are registered and
// whose parent persona is registered.
func (e *Engine) resolveMicros(ctx context.Context, c *candidate, registered map[string]bool) error {
	for _, id := range c.persona.CompatibleMicroPersonas {
		m, err := e.source.MicroPersona(ctx, id)
		if err != nil {
			return fmt.Errorf("loading micro-persona %s: %w", id, err)
		}
		if m == nil || !registered[m.ParentPersonaID] {
			e.logger.Debug("ignoring unusable micro-persona",
				zap.String("persona_id", c.persona.ID),
				zap.String("micro_persona_id", id))
			continue
		}
		c.micros = append(c.micros, m)
	}
	c.microScrs = make([]float64, len(c.micros))
	return nil
}

// prefetchScores fills every candidate's persona and micro scores
// concurrently. Any lookup failure fails the request.
func (e *Engine) prefetchScores(ctx context.Context, cands []*candidate) error {
	if e.scores == nil {
		for _, c := range cands {
			c.score = score.NeutralScore
			for i := range c.microScrs {
				c.microScrs[i] = score.NeutralScore
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for _, c := range cands {
		g.Go(func() error {
			v, err := e.lookup(gctx, c.persona.ID)
			c.score = v
			return err
		})
		for i, m := range c.micros {
			g.Go(func() error {
				v, err := e.lookup(gctx, m.ID)
				c.microScrs[i] = v
				return err
			})
		}
	}
	return g.Wait()
}

func (e *Engine) lookup(ctx context.Context, id string) (float64, error) {
	s, err := e.scores.GetScore(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("loading score %s: %w", id, err)
	}
	if s == nil {
		return score.NeutralScore, nil
	}
	return s.OverallScore, nil
}

// rank picks the best micro-persona (first seen wins ties) and computes the
// effective score.
func (c *candidate) rank() {
	bestScore := -1.0
	for i, m := range c.micros {
		if c.microScrs[i] > bestScore {
			bestScore = c.microScrs[i]
			c.best = m
		}
	}
	if bestScore >= 0 {
		c.effective = (c.score + bestScore) / 2
		c.reason = ReasonBlended
		return
	}
	c.effective = c.score
	c.reason = ReasonOverall
}
