package http

import (
	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/recommend"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/scorecache"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
	Counts   StatusCounts      `json:"counts"`
}

// StatusCounts reports registry sizes. A count of -1 means it could not be
// determined.
type StatusCounts struct {
	Personas      int `json:"personas"`
	MicroPersonas int `json:"microPersonas"`
}

// ListPersonasResponse is the response body for GET /api/v1/personas.
type ListPersonasResponse struct {
	Personas []persona.Definition `json:"personas"`
	Count    int                  `json:"count"`
}

// ListMicroPersonasResponse is the response body for GET /api/v1/micro-personas.
type ListMicroPersonasResponse struct {
	MicroPersonas []persona.MicroDefinition `json:"microPersonas"`
	Count         int                       `json:"count"`
}

// RecommendationResponse is the response body for POST /api/v1/recommendations.
// Match is false, with no recommendation, when no persona qualifies.
type RecommendationResponse struct {
	Match          bool                      `json:"match"`
	Recommendation *recommend.Recommendation `json:"recommendation,omitempty"`
}

// FeedbackRequest is the request body for POST /api/v1/feedback. Rating is
// required; a missing rating is not read as zero.
type FeedbackRequest struct {
	PersonaID string   `json:"personaId"`
	Rating    *float64 `json:"rating"`
	Feedback  string   `json:"feedback,omitempty"`
}

// ScoreResponse is the response body for score-returning endpoints.
type ScoreResponse struct {
	Score          *score.PersonaScore   `json:"score"`
	RecentFeedback []score.FeedbackEntry `json:"recentFeedback,omitempty"`
}

// CacheStatsResponse is the response body for GET /api/v1/cache/stats.
type CacheStatsResponse struct {
	scorecache.Stats
	HitRate float64 `json:"hitRate"`
}
