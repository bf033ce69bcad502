package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/personad/internal/feedback"
	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
)

func newTestServer(t *testing.T, skipBuiltins bool) *Server {
	t.Helper()
	scores, err := score.NewService(score.NewInMemoryStore(), nil)
	require.NoError(t, err)
	reg, err := registry.New(registry.Options{
		Store:        registry.NewMemoryStore(),
		Scores:       scores,
		SkipBuiltins: skipBuiltins,
	})
	require.NoError(t, err)
	require.NoError(t, reg.Init(context.Background(), false))

	srv, err := NewServer(&Config{Name: "personad-test", Version: "test", Metrics: true}, Deps{
		Registry: reg,
		Scores:   scores,
		Feedback: feedback.NewLoop(scores, nil),
	})
	require.NoError(t, err)
	return srv
}

func addCoder(t *testing.T, s *Server) persona.Definition {
	t.Helper()
	d, err := s.registry.SavePersona(context.Background(), persona.Definition{
		ID:                   "coder",
		Name:                 "Coder",
		SystemPromptTemplate: "You write {{language}} code.",
		Capabilities:         []persona.Capability{persona.CapCodeGeneration},
		Tags:                 []string{"task:code-gen"},
	})
	require.NoError(t, err)
	return *d
}

func connectInMemory(t *testing.T, ctx context.Context, s *Server) *mcp.ClientSession {
	t.Helper()
	t1, t2 := mcp.NewInMemoryTransports()
	serverSession, err := s.MCPServer().Connect(ctx, t1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func structured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNewServer(t *testing.T) {
	t.Run("requires registry", func(t *testing.T) {
		_, err := NewServer(nil, Deps{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry is required")
	})

	t.Run("defaults config", func(t *testing.T) {
		s := newTestServer(t, true)
		assert.NotNil(t, s.MCPServer())
		assert.NotNil(t, s.logger)
	})
}

func TestServer_ToolDiscovery(t *testing.T) {
	ctx := context.Background()
	session := connectInMemory(t, ctx, newTestServer(t, true))

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolRecommend, ToolRecordUsage, ToolFeedback, ToolList, ToolScore}, names)
}

func TestServer_RecommendThenRecordUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, true)
	addCoder(t, s)
	session := connectInMemory(t, ctx, s)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: ToolRecommend,
		Arguments: map[string]any{
			"task_type":             "code-gen",
			"required_capabilities": []string{"code_generation"},
			"variables":             map[string]string{"language": "Go"},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	rec := structured[recommendOutput](t, res)
	assert.True(t, rec.Match)
	assert.Equal(t, "coder", rec.PersonaID)
	assert.Equal(t, "You write Go code.", rec.SystemPrompt)
	assert.Empty(t, rec.Placeholders)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name: ToolRecordUsage,
		Arguments: map[string]any{
			"persona_id": rec.ComposedPersonaID,
			"success":    true,
			"latency_ms": 250.0,
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	sc := structured[scoreOutput](t, res)
	assert.Equal(t, int64(1), sc.UsageCount)
	assert.Equal(t, int64(1), sc.SuccessCount)
	assert.NotEmpty(t, sc.LastUsedAt)
}

func TestHandleRecommend_NoMatch(t *testing.T) {
	s := newTestServer(t, true)
	res, out, err := s.handleRecommend(context.Background(), nil, recommendInput{
		RequiredCapabilities: []string{"image_generation"},
	})
	require.NoError(t, err)
	assert.False(t, out.Match)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "No registered persona")
}

func TestHandleRecommend_UnfilledPlaceholders(t *testing.T) {
	s := newTestServer(t, true)
	addCoder(t, s)
	_, out, err := s.handleRecommend(context.Background(), nil, recommendInput{TaskType: "code-gen"})
	require.NoError(t, err)
	assert.Equal(t, []string{"language"}, out.Placeholders)
}

func TestHandleFeedback(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, true)

	_, out, err := s.handleFeedback(ctx, nil, feedbackInput{PersonaID: "coder", Rating: 0.6, Feedback: "ok"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.UserFeedbackCount)
	assert.InDelta(t, 0.6, out.UserSatisfactionAvg, 1e-9)
	assert.Equal(t, int64(0), out.UsageCount)

	_, _, err = s.handleFeedback(ctx, nil, feedbackInput{PersonaID: "coder", Rating: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, persona.ErrValidation)
}

func TestHandleList(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, false)
	addCoder(t, s)

	_, all, err := s.handleList(ctx, nil, listInput{})
	require.NoError(t, err)
	require.Greater(t, all.Count, 1)

	var builtins int
	for _, p := range all.Personas {
		if p.Builtin {
			builtins++
		}
		if p.ID == "coder" {
			assert.False(t, p.Builtin)
		}
	}
	assert.Equal(t, all.Count-1, builtins)

	_, filtered, err := s.handleList(ctx, nil, listInput{Capabilities: []string{"code_generation"}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.Count)

	_, tagged, err := s.handleList(ctx, nil, listInput{Tags: []string{"task:code-gen"}})
	require.NoError(t, err)
	require.Equal(t, 1, tagged.Count)
	assert.Equal(t, "coder", tagged.Personas[0].ID)
}

func TestHandleScore(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, true)

	_, _, err := s.handleScore(ctx, nil, scoreInput{PersonaID: "coder"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errNotFound)

	_, _, err = s.handleFeedback(ctx, nil, feedbackInput{PersonaID: "coder", Rating: 1, Feedback: "great"})
	require.NoError(t, err)

	_, out, err := s.handleScore(ctx, nil, scoreInput{PersonaID: "coder", RecentFeedback: 3})
	require.NoError(t, err)
	assert.Equal(t, "coder", out.Score.PersonaID)
	require.Len(t, out.RecentFeedback, 1)
	assert.Equal(t, "great", out.RecentFeedback[0].Feedback)
}

func TestMetrics_Track(t *testing.T) {
	m := NewMetrics()
	require.Same(t, m, NewMetrics())

	ok := m.Invocations.WithLabelValues("test_tool")
	failed := m.Errors.WithLabelValues("test_tool", "validation_error")
	before, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	m.track(context.Background(), "test_tool")(nil)
	m.track(context.Background(), "test_tool")(score.ErrEmptyPersonaID)

	assert.Equal(t, before+2, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveRequests.WithLabelValues("test_tool")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.track(context.Background(), "x")(errors.New("boom")) })
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", &persona.ValidationError{Entity: "persona", Field: "name", Reason: "is required"}, "validation_error"},
		{"unknown parent", registry.ErrUnknownParent, "validation_error"},
		{"not found", errNotFound, "not_found"},
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"composition", persona.ErrComposition, "composition_error"},
		{"storage", storage.Wrap("redis", "get", "x", errors.New("conn reset")), "storage_error"},
		{"other", errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorizeError(tt.err))
		})
	}
}
