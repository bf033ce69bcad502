package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/feedback"
	"github.com/fyrsmithlabs/personad/internal/logging"
	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
)

// Tool names.
const (
	ToolRecommend   = "persona_recommend"
	ToolRecordUsage = "persona_record_usage"
	ToolFeedback    = "persona_feedback"
	ToolList        = "persona_list"
	ToolScore       = "persona_score"
)

const defaultListLimit = 20

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolRecommend,
		Description: "Recommend the best persona (and micro-persona) for a task, with its composed system prompt",
	}, s.handleRecommend)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolRecordUsage,
		Description: "Record one use of a persona and its outcome so future recommendations improve",
	}, s.handleRecordUsage)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolFeedback,
		Description: "Record a user satisfaction rating in [0,1] for a persona, with optional free text",
	}, s.handleFeedback)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolList,
		Description: "List registered personas, filtered by tag or capability, or search them by description",
	}, s.handleList)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolScore,
		Description: "Show the performance score of a persona or micro-persona",
	}, s.handleScore)
}

// ===== RECOMMEND =====

type recommendInput struct {
	TaskType             string            `json:"task_type,omitempty" jsonschema:"Task type, matched against persona tags (task:<type> or <type>)"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty" jsonschema:"Capabilities the persona must have, e.g. code_generation"`
	Variables            map[string]string `json:"variables,omitempty" jsonschema:"Values substituted into {{placeholders}} of the system prompt"`
}

type recommendOutput struct {
	Match             bool     `json:"match" jsonschema:"False when no registered persona qualifies"`
	PersonaID         string   `json:"persona_id,omitempty" jsonschema:"Base persona ID"`
	MicroPersonaID    string   `json:"micro_persona_id,omitempty" jsonschema:"Applied micro-persona ID, if any"`
	ComposedPersonaID string   `json:"composed_persona_id,omitempty" jsonschema:"ID to report usage against"`
	Name              string   `json:"name,omitempty" jsonschema:"Composed persona name"`
	Score             float64  `json:"score,omitempty" jsonschema:"Ranking score in [0,1]"`
	MatchReason       string   `json:"match_reason,omitempty" jsonschema:"Why this persona was chosen"`
	SystemPrompt      string   `json:"system_prompt,omitempty" jsonschema:"Composed system prompt with variables applied"`
	Capabilities      []string `json:"capabilities,omitempty" jsonschema:"Composed capabilities"`
	Placeholders      []string `json:"unfilled_placeholders,omitempty" jsonschema:"Placeholders left in the prompt"`
}

func (s *Server) handleRecommend(ctx context.Context, _ *mcp.CallToolRequest, args recommendInput) (*mcp.CallToolResult, recommendOutput, error) {
	var toolErr error
	done := s.metrics.track(ctx, ToolRecommend)
	defer func() { done(toolErr) }()

	ctx = logging.WithTaskType(ctx, args.TaskType)
	caps := make([]persona.Capability, len(args.RequiredCapabilities))
	for i, c := range args.RequiredCapabilities {
		caps[i] = persona.Capability(c)
	}

	rec, err := s.registry.GetPersonaRecommendation(ctx, args.TaskType, caps)
	if err != nil {
		toolErr = fmt.Errorf("recommendation failed: %w", err)
		return nil, recommendOutput{}, toolErr
	}
	if rec == nil {
		return textResult("No registered persona matches this task."), recommendOutput{Match: false}, nil
	}

	prompt := persona.Render(rec.Composed.SystemPromptTemplate, args.Variables)
	out := recommendOutput{
		Match:             true,
		PersonaID:         rec.Persona.ID,
		ComposedPersonaID: rec.Composed.ID,
		Name:              rec.Composed.Name,
		Score:             rec.Score,
		MatchReason:       rec.MatchReason,
		SystemPrompt:      prompt,
		Placeholders:      persona.Placeholders(prompt),
	}
	if rec.MicroPersona != nil {
		out.MicroPersonaID = rec.MicroPersona.ID
	}
	for _, c := range rec.Composed.Capabilities {
		out.Capabilities = append(out.Capabilities, string(c))
	}

	s.logger.Debug("recommendation served",
		append(logging.ContextFields(ctx), zap.String("persona_id", out.ComposedPersonaID))...)
	return textResult(fmt.Sprintf("Recommended %s (%s), score %.2f: %s",
		out.Name, out.ComposedPersonaID, out.Score, out.MatchReason)), out, nil
}

// ===== USAGE AND FEEDBACK =====

type recordUsageInput struct {
	PersonaID    string   `json:"persona_id" jsonschema:"Persona or micro-persona ID that was used"`
	TaskType     string   `json:"task_type,omitempty" jsonschema:"Task the persona was used for"`
	Success      *bool    `json:"success,omitempty" jsonschema:"Whether the task succeeded; omit when unknown"`
	LatencyMS    *float64 `json:"latency_ms,omitempty" jsonschema:"Response latency in milliseconds"`
	Satisfaction *float64 `json:"satisfaction,omitempty" jsonschema:"User satisfaction in [0,1]"`
	Adaptability *float64 `json:"adaptability,omitempty" jsonschema:"How well the persona adapted, in [0,1]"`
}

type feedbackInput struct {
	PersonaID string  `json:"persona_id" jsonschema:"Persona or micro-persona ID"`
	Rating    float64 `json:"rating" jsonschema:"Satisfaction rating in [0,1]"`
	Feedback  string  `json:"feedback,omitempty" jsonschema:"Free-text feedback"`
}

// scoreOutput flattens score.PersonaScore into schema-friendly fields.
type scoreOutput struct {
	PersonaID           string  `json:"persona_id"`
	UsageCount          int64   `json:"usage_count"`
	SuccessCount        int64   `json:"success_count"`
	FailureCount        int64   `json:"failure_count"`
	SuccessRate         float64 `json:"success_rate"`
	AverageLatencyMS    float64 `json:"average_latency_ms"`
	UserSatisfactionAvg float64 `json:"user_satisfaction_avg"`
	UserFeedbackCount   int64   `json:"user_feedback_count"`
	AdaptabilityScore   float64 `json:"adaptability_score"`
	OverallScore        float64 `json:"overall_score"`
	LastUsedAt          string  `json:"last_used_at,omitempty" jsonschema:"RFC 3339 timestamp"`
}

func toScoreOutput(ps *score.PersonaScore) scoreOutput {
	out := scoreOutput{
		PersonaID:           ps.PersonaID,
		UsageCount:          ps.UsageCount,
		SuccessCount:        ps.SuccessCount,
		FailureCount:        ps.FailureCount,
		SuccessRate:         ps.SuccessRate,
		AverageLatencyMS:    ps.AverageLatencyMS,
		UserSatisfactionAvg: ps.UserSatisfactionAvg,
		UserFeedbackCount:   ps.UserFeedbackCount,
		AdaptabilityScore:   ps.AdaptabilityScore,
		OverallScore:        ps.OverallScore,
	}
	if !ps.LastUsedAt.IsZero() {
		out.LastUsedAt = ps.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleRecordUsage(ctx context.Context, _ *mcp.CallToolRequest, args recordUsageInput) (*mcp.CallToolResult, scoreOutput, error) {
	var toolErr error
	done := s.metrics.track(ctx, ToolRecordUsage)
	defer func() { done(toolErr) }()

	ctx = logging.WithPersonaID(ctx, args.PersonaID)
	ps, err := s.feedback.RecordUsage(ctx, feedback.UsageReport{
		PersonaID:    args.PersonaID,
		TaskType:     args.TaskType,
		Success:      args.Success,
		LatencyMS:    args.LatencyMS,
		Satisfaction: args.Satisfaction,
		Adaptability: args.Adaptability,
	})
	if err != nil {
		toolErr = fmt.Errorf("record usage failed: %w", err)
		return nil, scoreOutput{}, toolErr
	}
	out := toScoreOutput(ps)
	return textResult(fmt.Sprintf("Usage recorded for %s: %d uses, overall score %.2f",
		out.PersonaID, out.UsageCount, out.OverallScore)), out, nil
}

func (s *Server) handleFeedback(ctx context.Context, _ *mcp.CallToolRequest, args feedbackInput) (*mcp.CallToolResult, scoreOutput, error) {
	var toolErr error
	done := s.metrics.track(ctx, ToolFeedback)
	defer func() { done(toolErr) }()

	ctx = logging.WithPersonaID(ctx, args.PersonaID)
	ps, err := s.feedback.RecordFeedback(ctx, args.PersonaID, args.Rating, args.Feedback)
	if err != nil {
		toolErr = fmt.Errorf("record feedback failed: %w", err)
		return nil, scoreOutput{}, toolErr
	}
	out := toScoreOutput(ps)
	return textResult(fmt.Sprintf("Feedback recorded for %s: satisfaction %.2f over %d ratings",
		out.PersonaID, out.UserSatisfactionAvg, out.UserFeedbackCount)), out, nil
}

// ===== LIST AND SCORE =====

type listInput struct {
	Tags         []string `json:"tags,omitempty" jsonschema:"Match personas with any of these tags"`
	Capabilities []string `json:"capabilities,omitempty" jsonschema:"Match personas with any of these capabilities"`
	Query        string   `json:"query,omitempty" jsonschema:"Free-text search over descriptions; overrides the filters"`
	Limit        int      `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 20)"`
}

type personaSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Builtin      bool     `json:"builtin"`
}

type listOutput struct {
	Personas []personaSummary `json:"personas"`
	Count    int              `json:"count"`
}

func (s *Server) handleList(ctx context.Context, _ *mcp.CallToolRequest, args listInput) (*mcp.CallToolResult, listOutput, error) {
	var toolErr error
	done := s.metrics.track(ctx, ToolList)
	defer func() { done(toolErr) }()

	limit := args.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		defs []persona.Definition
		err  error
	)
	if args.Query != "" {
		defs, err = s.registry.SearchPersonas(ctx, args.Query, limit)
	} else {
		f := registry.Filter{Tags: args.Tags, Limit: limit}
		for _, c := range args.Capabilities {
			f.Capabilities = append(f.Capabilities, persona.Capability(c))
		}
		defs, err = s.registry.ListPersonas(ctx, f)
	}
	if err != nil {
		toolErr = fmt.Errorf("list personas failed: %w", err)
		return nil, listOutput{}, toolErr
	}

	out := listOutput{Personas: make([]personaSummary, 0, len(defs))}
	for _, d := range defs {
		sum := personaSummary{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Version:     d.Version,
			Tags:        d.Tags,
			Builtin:     s.registry.IsBuiltin(d.ID),
		}
		for _, c := range d.Capabilities {
			sum.Capabilities = append(sum.Capabilities, string(c))
		}
		out.Personas = append(out.Personas, sum)
	}
	out.Count = len(out.Personas)
	return textResult(fmt.Sprintf("Found %d personas", out.Count)), out, nil
}

type scoreInput struct {
	PersonaID      string `json:"persona_id" jsonschema:"Persona or micro-persona ID"`
	RecentFeedback int    `json:"recent_feedback,omitempty" jsonschema:"Include this many recent feedback entries"`
}

type feedbackOutput struct {
	Rating    float64 `json:"rating"`
	Feedback  string  `json:"feedback"`
	Timestamp string  `json:"timestamp"`
}

type scoreLookupOutput struct {
	Score          scoreOutput      `json:"score"`
	RecentFeedback []feedbackOutput `json:"recent_feedback,omitempty"`
}

func (s *Server) handleScore(ctx context.Context, _ *mcp.CallToolRequest, args scoreInput) (*mcp.CallToolResult, scoreLookupOutput, error) {
	var toolErr error
	done := s.metrics.track(ctx, ToolScore)
	defer func() { done(toolErr) }()

	ps, err := s.scores.GetScore(ctx, args.PersonaID)
	if err != nil {
		toolErr = fmt.Errorf("score lookup failed: %w", err)
		return nil, scoreLookupOutput{}, toolErr
	}
	if ps == nil {
		toolErr = fmt.Errorf("no score recorded for %s: %w", args.PersonaID, errNotFound)
		return nil, scoreLookupOutput{}, toolErr
	}

	out := scoreLookupOutput{Score: toScoreOutput(ps)}
	if args.RecentFeedback > 0 {
		entries, err := s.scores.RecentFeedback(ctx, args.PersonaID, args.RecentFeedback)
		if err != nil {
			toolErr = fmt.Errorf("recent feedback failed: %w", err)
			return nil, scoreLookupOutput{}, toolErr
		}
		for _, e := range entries {
			out.RecentFeedback = append(out.RecentFeedback, feedbackOutput{
				Rating:    e.Rating,
				Feedback:  e.Feedback,
				Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			})
		}
	}
	return textResult(fmt.Sprintf("%s: overall %.2f, success rate %.2f over %d uses",
		ps.PersonaID, ps.OverallScore, ps.SuccessRate, ps.UsageCount)), out, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
