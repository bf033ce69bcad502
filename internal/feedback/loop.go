// Package feedback closes the loop between recommendations and scores.
//
// Callers report how a persona performed; the loop folds the report into the
// persona's score (which refreshes the score cache) and fans the raw usage
// event out to any configured sinks. Sink delivery is best-effort: a failed
// publish is logged and never fails the report.
package feedback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/recommend"
	"github.com/fyrsmithlabs/personad/internal/score"
)

// ErrNoRecommendation is returned when an outcome is reported without a
// recommendation to attribute it to.
var ErrNoRecommendation = errors.New("recommendation is nil")

var timeNow = time.Now

// Scorer is the score surface the loop writes through.
type Scorer interface {
	UpdateScore(ctx context.Context, personaID string, obs score.Observation) (*score.PersonaScore, error)
	RecordUserFeedback(ctx context.Context, personaID string, rating float64, feedback string) (*score.PersonaScore, error)
}

// UsageReport describes one use of a persona. Nil fields are absent.
type UsageReport struct {
	PersonaID    string    `json:"personaId"`
	TaskType     string    `json:"taskType,omitempty"`
	Success      *bool     `json:"success,omitempty"`
	LatencyMS    *float64  `json:"latencyMs,omitempty"`
	Satisfaction *float64  `json:"satisfaction,omitempty"`
	Adaptability *float64  `json:"adaptability,omitempty"`
	At           time.Time `json:"at,omitempty"`
}

func (r UsageReport) observation() score.Observation {
	return score.Observation{
		Success:      r.Success,
		LatencyMS:    r.LatencyMS,
		Satisfaction: r.Satisfaction,
		Adaptability: r.Adaptability,
		TaskType:     r.TaskType,
		At:           r.At,
	}
}

func (r UsageReport) outcome() score.Outcome {
	switch {
	case r.Success == nil:
		return score.OutcomeUnknown
	case *r.Success:
		return score.OutcomeSuccess
	default:
		return score.OutcomeFailure
	}
}

// Redactor scrubs secrets from free text and reports how many it removed.
type Redactor interface {
	RedactText(text string) (string, int)
}

// Loop records usage and feedback. It is safe for concurrent use.
type Loop struct {
	scorer   Scorer
	sinks    []score.EventSink
	redactor Redactor
	logger   *zap.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithEventSink adds a sink for raw usage events. Nil sinks are ignored.
func WithEventSink(s score.EventSink) LoopOption {
	return func(l *Loop) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithRedactor scrubs feedback text before it is stored.
func WithRedactor(r Redactor) LoopOption {
	return func(l *Loop) { l.redactor = r }
}

// NewLoop creates a feedback loop over scorer.
func NewLoop(scorer Scorer, logger *zap.Logger, opts ...LoopOption) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{scorer: scorer, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordUsage folds r into the score of r.PersonaID and publishes the usage
// event. The returned score is the freshly persisted one.
func (l *Loop) RecordUsage(ctx context.Context, r UsageReport) (*score.PersonaScore, error) {
	if r.At.IsZero() {
		r.At = timeNow()
	}
	updated, err := l.scorer.UpdateScore(ctx, r.PersonaID, r.observation())
	if err != nil {
		return nil, err
	}

	l.publish(ctx, score.UsageEvent{
		PersonaID: r.PersonaID,
		TaskType:  r.TaskType,
		Outcome:   r.outcome(),
		LatencyMS: r.LatencyMS,
		Timestamp: r.At,
	})
	return updated, nil
}

// RecordRecommendationOutcome attributes r to the persona that was actually
// used: the micro-persona when one was applied, the base persona otherwise.
// The report's task type defaults to empty; callers should pass the task
// they asked the recommendation for.
func (l *Loop) RecordRecommendationOutcome(ctx context.Context, rec *recommend.Recommendation, r UsageReport) (*score.PersonaScore, error) {
	if rec == nil {
		return nil, ErrNoRecommendation
	}
	r.PersonaID = rec.Composed.ID
	return l.RecordUsage(ctx, r)
}

// RecordFeedback folds a satisfaction rating in [0,1] into the score of
// personaID without counting a usage. Non-empty text is kept in the
// recent-feedback log, with secrets redacted when a Redactor is set.
func (l *Loop) RecordFeedback(ctx context.Context, personaID string, rating float64, text string) (*score.PersonaScore, error) {
	if text != "" && l.redactor != nil {
		var n int
		text, n = l.redactor.RedactText(text)
		if n > 0 {
			l.logger.Info("redacted secrets from feedback",
				zap.String("id", personaID),
				zap.Int("redactions", n))
		}
	}
	return l.scorer.RecordUserFeedback(ctx, personaID, rating, text)
}

func (l *Loop) publish(ctx context.Context, ev score.UsageEvent) {
	for _, s := range l.sinks {
		if err := s.RecordUsageEvent(ctx, ev); err != nil {
			l.logger.Warn("failed to publish usage event",
				zap.String("operation", "record_usage_event"),
				zap.String("id", ev.PersonaID),
				zap.Error(err))
		}
	}
}
