package score

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/personad/internal/persona"
)

func boolPtr(b bool) *bool { return &b }
func floatPtr(f float64) *float64 { return &f }

func TestFold_ThreeUsages(t *testing.T) {
	s := NewPersonaScore("coder")

	Fold(s, Observation{Success: boolPtr(true), LatencyMS: floatPtr(100)}, true, DefaultLatencyCeilingMS)
	Fold(s, Observation{Success: boolPtr(true), LatencyMS: floatPtr(200)}, true, DefaultLatencyCeilingMS)
	Fold(s, Observation{Success: boolPtr(false), LatencyMS: floatPtr(9000)}, true, DefaultLatencyCeilingMS)

	assert.Equal(t, int64(3), s.UsageCount)
	assert.Equal(t, int64(2), s.SuccessCount)
	assert.Equal(t, int64(1), s.FailureCount)
	assert.InDelta(t, 0.667, s.SuccessRate, 0.001)
	assert.InDelta(t, 3100.0, s.AverageLatencyMS, 1e-9)

	// 0.35*2/3 + 0.15*(1 - 3100/5000)
	assert.Equal(t, 0.29, s.OverallScore)
}

func TestFold_FeedbackOnly(t *testing.T) {
	s := NewPersonaScore("coder")

	Fold(s, Observation{Satisfaction: floatPtr(0.9)}, false, DefaultLatencyCeilingMS)

	assert.Equal(t, int64(0), s.UsageCount)
	assert.Equal(t, int64(1), s.UserFeedbackCount)
	assert.InDelta(t, 0.9, s.UserSatisfactionAvg, 1e-9)
	// 0.30*0.9 + 0.15*1
	assert.Equal(t, 0.42, s.OverallScore)
}

func TestFold_UsageWithoutVerdict(t *testing.T) {
	s := NewPersonaScore("coder")

	Fold(s, Observation{Success: boolPtr(true)}, true, DefaultLatencyCeilingMS)
	Fold(s, Observation{LatencyMS: floatPtr(50)}, true, DefaultLatencyCeilingMS)

	assert.Equal(t, int64(2), s.UsageCount)
	assert.Equal(t, int64(1), s.SuccessCount+s.FailureCount)
	assert.Equal(t, 0.5, s.SuccessRate)
}

func TestFold_SatisfactionAveragesOverFeedbackCount(t *testing.T) {
	s := NewPersonaScore("coder")

	Fold(s, Observation{Success: boolPtr(true)}, true, DefaultLatencyCeilingMS)
	Fold(s, Observation{Satisfaction: floatPtr(1.0)}, false, DefaultLatencyCeilingMS)
	Fold(s, Observation{Satisfaction: floatPtr(0.5)}, true, DefaultLatencyCeilingMS)

	assert.Equal(t, int64(2), s.UserFeedbackCount)
	assert.InDelta(t, 0.75, s.UserSatisfactionAvg, 1e-9)
}

func TestFold_TracksTaskCounts(t *testing.T) {
	s := NewPersonaScore("coder")
	before := s.Clone()

	Fold(s, Observation{TaskType: "code-gen"}, true, DefaultLatencyCeilingMS)
	snapshot := s.Clone()
	Fold(s, Observation{TaskType: "code-gen"}, true, DefaultLatencyCeilingMS)

	assert.Equal(t, 2.0, s.Metadata["task_counts"].(map[string]any)["code-gen"])
	assert.Equal(t, 1.0, snapshot.Metadata["task_counts"].(map[string]any)["code-gen"])
	assert.Nil(t, before.Metadata)
}

func TestFold_LastUsedAt(t *testing.T) {
	s := NewPersonaScore("coder")
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	Fold(s, Observation{At: at}, true, DefaultLatencyCeilingMS)
	assert.Equal(t, at, s.LastUsedAt)
}

func TestFold_BoundsHoldForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewPersonaScore("fuzz")

	for i := 1; i <= 500; i++ {
		obs := Observation{}
		if rng.Intn(3) > 0 {
			obs.Success = boolPtr(rng.Intn(2) == 0)
		}
		if rng.Intn(2) == 0 {
			obs.LatencyMS = floatPtr(rng.Float64() * 20000)
		}
		if rng.Intn(2) == 0 {
			obs.Satisfaction = floatPtr(rng.Float64())
		}
		if rng.Intn(2) == 0 {
			obs.Adaptability = floatPtr(rng.Float64())
		}
		require.NoError(t, obs.Validate())
		Fold(s, obs, true, DefaultLatencyCeilingMS)

		assert.Equal(t, int64(i), s.UsageCount)
		for name, v := range map[string]float64{
			"success_rate":          s.SuccessRate,
			"user_satisfaction_avg": s.UserSatisfactionAvg,
			"adaptability_score":    s.AdaptabilityScore,
			"overall_score":         s.OverallScore,
		} {
			assert.GreaterOrEqual(t, v, 0.0, name)
			assert.LessOrEqual(t, v, 1.0, name)
		}
	}
}

func TestObservation_Validate(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		ok   bool
	}{
		{name: "empty", obs: Observation{}, ok: true},
		{name: "bounds", obs: Observation{Satisfaction: floatPtr(1), Adaptability: floatPtr(0), LatencyMS: floatPtr(0)}, ok: true},
		{name: "negative latency", obs: Observation{LatencyMS: floatPtr(-1)}},
		{name: "satisfaction above one", obs: Observation{Satisfaction: floatPtr(1.1)}},
		{name: "adaptability below zero", obs: Observation{Adaptability: floatPtr(-0.1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obs.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, persona.ErrValidation)
			}
		})
	}
}

func TestComputeOverall_LatencyCeiling(t *testing.T) {
	s := &PersonaScore{AverageLatencyMS: 1000}

	assert.Equal(t, 0.12, ComputeOverall(s, 5000))
	assert.Equal(t, 0.0, ComputeOverall(s, 1000))
	assert.Equal(t, 0.12, ComputeOverall(s, 0), "non-positive ceiling falls back to the default")
}
