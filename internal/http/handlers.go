package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/feedback"
	"github.com/fyrsmithlabs/personad/internal/logging"
	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/recommend"
	"github.com/fyrsmithlabs/personad/internal/registry"
)

// handleHealth reports 200 while storage answers pings, 503 otherwise.
func (s *Server) handleHealth(c echo.Context) error {
	if s.deps.Storage != nil {
		if err := s.deps.Storage.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{
		Status:   "ok",
		Version:  s.deps.Version,
		Services: map[string]string{"registry": "ok"},
	}
	if s.deps.Storage != nil {
		state := "ok"
		if err := s.deps.Storage.Ping(ctx); err != nil {
			state = "unavailable"
			resp.Status = "degraded"
		}
		if m, ok := s.deps.Storage.(interface{ Mode() string }); ok {
			state += " (" + m.Mode() + ")"
		}
		resp.Services["storage"] = state
	}
	if s.deps.Cache != nil {
		resp.Services["score_cache"] = "ok"
	}
	resp.Counts.Personas, resp.Counts.MicroPersonas = CountRegistry(ctx, s.deps.Registry)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListPersonas(c echo.Context) error {
	ctx := c.Request().Context()
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}

	var out []persona.Definition
	if q := c.QueryParam("q"); q != "" {
		if limit == 0 {
			limit = 10
		}
		out, err = s.deps.Registry.SearchPersonas(ctx, q, limit)
	} else {
		f := registry.Filter{Tags: queryList(c, "tag"), Limit: limit}
		for _, cp := range queryList(c, "capability") {
			f.Capabilities = append(f.Capabilities, persona.Capability(cp))
		}
		out, err = s.deps.Registry.ListPersonas(ctx, f)
	}
	if err != nil {
		return s.fail(c, "list personas", err)
	}
	if out == nil {
		out = []persona.Definition{}
	}
	return c.JSON(http.StatusOK, ListPersonasResponse{Personas: out, Count: len(out)})
}

func (s *Server) handleCreatePersona(c echo.Context) error {
	var d persona.Definition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := s.deps.Registry.CreatePersona(c.Request().Context(), d)
	if err != nil {
		return s.fail(c, "create persona", err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetPersona(c echo.Context) error {
	d, err := s.deps.Registry.GetPersona(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "get persona", err)
	}
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "persona not found")
	}
	return c.JSON(http.StatusOK, d)
}

// handleSavePersona upserts a persona under the ID in the path.
func (s *Server) handleSavePersona(c echo.Context) error {
	var d persona.Definition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d.ID = c.Param("id")
	saved, err := s.deps.Registry.SavePersona(c.Request().Context(), d)
	if err != nil {
		return s.fail(c, "save persona", err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) handleUpdatePersona(c echo.Context) error {
	var patch registry.PersonaPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d, found, err := s.deps.Registry.UpdatePersona(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return s.fail(c, "update persona", err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "persona not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleDeletePersona(c echo.Context) error {
	deleted, err := s.deps.Registry.DeletePersona(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "delete persona", err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "persona not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListMicroPersonas(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	out, err := s.deps.Registry.ListMicroPersonas(c.Request().Context(), registry.MicroFilter{
		ParentPersonaID: c.QueryParam("parent"),
		Limit:           limit,
	})
	if err != nil {
		return s.fail(c, "list micro-personas", err)
	}
	if out == nil {
		out = []persona.MicroDefinition{}
	}
	return c.JSON(http.StatusOK, ListMicroPersonasResponse{MicroPersonas: out, Count: len(out)})
}

func (s *Server) handleCreateMicroPersona(c echo.Context) error {
	var m persona.MicroDefinition
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := s.deps.Registry.CreateMicroPersona(c.Request().Context(), m)
	if err != nil {
		return s.fail(c, "create micro-persona", err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetMicroPersona(c echo.Context) error {
	m, err := s.deps.Registry.GetMicroPersona(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "get micro-persona", err)
	}
	if m == nil {
		return echo.NewHTTPError(http.StatusNotFound, "micro-persona not found")
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleSaveMicroPersona(c echo.Context) error {
	var m persona.MicroDefinition
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m.ID = c.Param("id")
	saved, err := s.deps.Registry.SaveMicroPersona(c.Request().Context(), m)
	if err != nil {
		return s.fail(c, "save micro-persona", err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) handleUpdateMicroPersona(c echo.Context) error {
	var patch registry.MicroPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, found, err := s.deps.Registry.UpdateMicroPersona(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return s.fail(c, "update micro-persona", err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "micro-persona not found")
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleDeleteMicroPersona(c echo.Context) error {
	deleted, err := s.deps.Registry.DeleteMicroPersona(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "delete micro-persona", err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "micro-persona not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRecommend(c echo.Context) error {
	var req recommend.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := logging.WithTaskType(c.Request().Context(), req.TaskType)
	rec, err := s.deps.Registry.GetPersonaRecommendation(ctx, req.TaskType, req.RequiredCapabilities)
	if err != nil {
		return s.fail(c, "recommend", err)
	}
	if rec == nil {
		return c.JSON(http.StatusOK, RecommendationResponse{Match: false})
	}
	s.logger.Debug("recommendation served",
		append(logging.ContextFields(ctx), zap.String("persona_id", rec.Composed.ID))...)
	return c.JSON(http.StatusOK, RecommendationResponse{Match: true, Recommendation: rec})
}

func (s *Server) handleRecordUsage(c echo.Context) error {
	var report feedback.UsageReport
	if err := c.Bind(&report); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := logging.WithPersonaID(c.Request().Context(), report.PersonaID)
	ps, err := s.deps.Feedback.RecordUsage(ctx, report)
	if err != nil {
		return s.fail(c, "record usage", err)
	}
	return c.JSON(http.StatusOK, ScoreResponse{Score: ps})
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Rating == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "rating is required")
	}
	ctx := logging.WithPersonaID(c.Request().Context(), req.PersonaID)
	ps, err := s.deps.Feedback.RecordFeedback(ctx, req.PersonaID, *req.Rating, req.Feedback)
	if err != nil {
		return s.fail(c, "record feedback", err)
	}
	return c.JSON(http.StatusOK, ScoreResponse{Score: ps})
}

// handleGetScore returns the score for a persona. ?feedback=n includes the
// n most recent feedback entries.
func (s *Server) handleGetScore(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	n, err := queryInt(c, "feedback")
	if err != nil {
		return err
	}
	ps, err := s.deps.Scores.GetScore(ctx, id)
	if err != nil {
		return s.fail(c, "get score", err)
	}
	if ps == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no score recorded")
	}
	resp := ScoreResponse{Score: ps}
	if n > 0 {
		if resp.RecentFeedback, err = s.deps.Scores.RecentFeedback(ctx, id, n); err != nil {
			return s.fail(c, "recent feedback", err)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCacheStats(c echo.Context) error {
	if s.deps.Cache == nil {
		return echo.NewHTTPError(http.StatusNotFound, "score cache disabled")
	}
	st := s.deps.Cache.Stats()
	return c.JSON(http.StatusOK, CacheStatsResponse{Stats: st, HitRate: st.HitRate()})
}

// queryInt parses a non-negative integer query parameter; absent is zero.
func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return v, nil
}

// queryList accepts both repeated (?tag=a&tag=b) and comma-separated
// (?tag=a,b) forms.
func queryList(c echo.Context, name string) []string {
	var out []string
	for _, v := range c.QueryParams()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
