// Package score maintains running performance statistics per persona.
//
// Every persona and micro-persona ID owns at most one PersonaScore. Scores
// are created lazily on first use, folded forward on every observation, and
// deleted only when their owner is deleted.
package score

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	// ErrEmptyPersonaID is returned for operations without a persona ID.
	ErrEmptyPersonaID = errors.New("persona ID cannot be empty")
)

// PersonaScore is the durable performance aggregate for one persona or
// micro-persona. The JSON field names are a stable contract shared by every
// storage backend.
type PersonaScore struct {
	// PersonaID is the persona or micro-persona this score belongs to.
	PersonaID string `json:"persona_id"`

	// UsageCount increases by one for every recorded usage.
	UsageCount int64 `json:"usage_count"`

	// SuccessCount and FailureCount count usages that carried a verdict.
	// Usage may be recorded without one, so their sum can trail UsageCount.
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`

	// SuccessRate is SuccessCount / UsageCount, kept denormalized.
	SuccessRate float64 `json:"success_rate"`

	// AverageLatencyMS is the running mean latency over UsageCount.
	AverageLatencyMS float64 `json:"average_latency_ms"`

	// UserSatisfactionAvg is the running mean rating over UserFeedbackCount.
	UserSatisfactionAvg float64 `json:"user_satisfaction_avg"`

	// UserFeedbackCount counts observations that carried a rating.
	UserFeedbackCount int64 `json:"user_feedback_count"`

	// AdaptabilityScore is the running mean adaptability factor over UsageCount.
	AdaptabilityScore float64 `json:"adaptability_score"`

	// OverallScore is the weighted blend used for ranking, recomputed on
	// every update and rounded to two decimals.
	OverallScore float64 `json:"overall_score"`

	// LastUsedAt is the time of the most recent observation.
	LastUsedAt time.Time `json:"last_used_at"`

	// Metadata holds auxiliary signals (e.g. per-task usage counts).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewPersonaScore returns the neutral score for an unseen persona.
func NewPersonaScore(personaID string) *PersonaScore {
	return &PersonaScore{
		PersonaID:    personaID,
		OverallScore: NeutralScore,
	}
}

// Clone returns a deep copy of s.
func (s *PersonaScore) Clone() *PersonaScore {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = maps.Clone(s.Metadata)
	return &out
}

// FeedbackEntry is one entry in the recent-feedback log.
type FeedbackEntry struct {
	Rating    float64   `json:"rating"`
	Feedback  string    `json:"feedback"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the verdict attached to a usage event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// UsageEvent is the raw record of one usage, kept for offline analysis.
type UsageEvent struct {
	PersonaID string    `json:"persona_id"`
	TaskType  string    `json:"task_type,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	LatencyMS *float64  `json:"latency_ms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists scores keyed by persona ID.
type Store interface {
	// GetScore returns nil, nil when no score exists for id.
	GetScore(ctx context.Context, personaID string) (*PersonaScore, error)

	// PutScore upserts s by s.PersonaID.
	PutScore(ctx context.Context, s *PersonaScore) error

	// DeleteScore removes the score for id. Deleting an absent score is not an error.
	DeleteScore(ctx context.Context, personaID string) error
}

// FeedbackLog keeps a bounded most-recent-N log of free-text feedback.
type FeedbackLog interface {
	// AppendFeedback adds entry and evicts the oldest entries beyond max.
	AppendFeedback(ctx context.Context, personaID string, entry FeedbackEntry, max int) error

	// RecentFeedback returns up to n entries, oldest first.
	RecentFeedback(ctx context.Context, personaID string, n int) ([]FeedbackEntry, error)
}

// EventSink receives raw usage events.
type EventSink interface {
	RecordUsageEvent(ctx context.Context, ev UsageEvent) error
}

// Cache is the read-through cache the service keeps consistent on writes.
type Cache interface {
	Get(ctx context.Context, personaID string) (*PersonaScore, error)
	Set(personaID string, s *PersonaScore)
	Delete(personaID string)
}
