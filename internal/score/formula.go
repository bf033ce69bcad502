package score

import (
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/fyrsmithlabs/personad/internal/persona"
)

const (
	// NeutralScore is the overall score of a persona with no history.
	NeutralScore = 0.5

	// DefaultLatencyCeilingMS is the latency at or above which the latency
	// component contributes nothing.
	DefaultLatencyCeilingMS = 5000.0

	WeightSuccess      = 0.35
	WeightSatisfaction = 0.30
	WeightAdaptability = 0.20
	WeightLatency      = 0.15
)

// Observation is one data point folded into a score. Nil fields are absent.
type Observation struct {
	Success      *bool
	LatencyMS    *float64
	Satisfaction *float64
	Adaptability *float64
	TaskType     string
	At           time.Time
}

// Validate rejects out-of-range values. Nothing is clamped.
func (o Observation) Validate() error {
	invalid := func(field, reason string) error {
		return &persona.ValidationError{Entity: "observation", Field: field, Reason: reason}
	}
	if o.LatencyMS != nil && (math.IsNaN(*o.LatencyMS) || math.IsInf(*o.LatencyMS, 0) || *o.LatencyMS < 0) {
		return invalid("latency_ms", fmt.Sprintf("must be a non-negative number, got %v", *o.LatencyMS))
	}
	if o.Satisfaction != nil && !unitInterval(*o.Satisfaction) {
		return invalid("satisfaction", fmt.Sprintf("must be within [0,1], got %v", *o.Satisfaction))
	}
	if o.Adaptability != nil && !unitInterval(*o.Adaptability) {
		return invalid("adaptability", fmt.Sprintf("must be within [0,1], got %v", *o.Adaptability))
	}
	return nil
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Fold applies obs to s in place. When countUsage is false the usage,
// verdict, latency, and adaptability aggregates are left alone; only the
// satisfaction fold and timestamps apply.
func Fold(s *PersonaScore, obs Observation, countUsage bool, latencyCeilingMS float64) {
	if countUsage {
		s.UsageCount++
		n := float64(s.UsageCount)

		if obs.Success != nil {
			if *obs.Success {
				s.SuccessCount++
			} else {
				s.FailureCount++
			}
		}
		s.SuccessRate = float64(s.SuccessCount) / n

		if obs.LatencyMS != nil {
			s.AverageLatencyMS = runningMean(s.AverageLatencyMS, *obs.LatencyMS, n)
		}
		if obs.Adaptability != nil {
			s.AdaptabilityScore = runningMean(s.AdaptabilityScore, *obs.Adaptability, n)
		}
		if obs.TaskType != "" {
			bumpTaskCount(s, obs.TaskType)
		}
	}

	if obs.Satisfaction != nil {
		s.UserFeedbackCount++
		s.UserSatisfactionAvg = runningMean(s.UserSatisfactionAvg, *obs.Satisfaction, float64(s.UserFeedbackCount))
	}

	if !obs.At.IsZero() {
		s.LastUsedAt = obs.At
	}
	s.OverallScore = ComputeOverall(s, latencyCeilingMS)
}

// runningMean folds x into mean, where n counts x itself.
func runningMean(mean, x, n float64) float64 {
	return (mean*(n-1) + x) / n
}

// bumpTaskCount tracks how often the persona served each task type.
func bumpTaskCount(s *PersonaScore, taskType string) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	// Copy the nested map; clones of s share it.
	prev, _ := s.Metadata["task_counts"].(map[string]any)
	counts := maps.Clone(prev)
	if counts == nil {
		counts = map[string]any{}
	}
	var current float64
	switch v := counts[taskType].(type) {
	case float64:
		current = v
	case int:
		current = float64(v)
	case int64:
		current = float64(v)
	}
	counts[taskType] = current + 1
	s.Metadata["task_counts"] = counts
}

// ComputeOverall returns the weighted overall score rounded to two decimals.
func ComputeOverall(s *PersonaScore, latencyCeilingMS float64) float64 {
	if latencyCeilingMS <= 0 {
		latencyCeilingMS = DefaultLatencyCeilingMS
	}
	normalizedLatency := math.Max(0, 1-s.AverageLatencyMS/latencyCeilingMS)
	overall := WeightSuccess*s.SuccessRate +
		WeightSatisfaction*s.UserSatisfactionAvg +
		WeightAdaptability*s.AdaptabilityScore +
		WeightLatency*normalizedLatency
	return math.Round(overall*100) / 100
}
