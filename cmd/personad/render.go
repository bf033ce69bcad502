package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/recommend"
	"github.com/fyrsmithlabs/personad/internal/score"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	promptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintln(w, labelStyle.Render(label)+valueStyle.Render(fmt.Sprint(value)))
}

func joinCaps(caps []persona.Capability) string {
	ss := make([]string, len(caps))
	for i, c := range caps {
		ss[i] = string(c)
	}
	return strings.Join(ss, ", ")
}

// renderPersonaTable writes one row per persona. builtin marks rows that
// come from the built-in library.
func renderPersonaTable(w io.Writer, defs []persona.Definition, builtin func(string) bool) {
	rows := make([][]string, 0, len(defs))
	for _, d := range defs {
		source := "user"
		if builtin(d.ID) {
			source = "builtin"
		}
		rows = append(rows, []string{d.ID, d.Name, joinCaps(d.Capabilities), strings.Join(d.Tags, ", "), source})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "NAME", "CAPABILITIES", "TAGS", "SOURCE").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d persona(s)", len(defs))))
}

func renderPersona(w io.Writer, d *persona.Definition, builtin bool) {
	fmt.Fprintln(w, headerStyle.Render(d.Name))
	field(w, "ID", d.ID)
	field(w, "Version", d.Version)
	if d.Description != "" {
		field(w, "Description", d.Description)
	}
	field(w, "Capabilities", joinCaps(d.Capabilities))
	field(w, "Tags", strings.Join(d.Tags, ", "))
	field(w, "Built-in", builtin)
	fmt.Fprintln(w, promptStyle.Render(d.SystemPromptTemplate))
}

func renderRecommendation(w io.Writer, rec *recommend.Recommendation, prompt string, unfilled []string) {
	fmt.Fprintln(w, headerStyle.Render(rec.Composed.Name))
	field(w, "Persona", rec.Persona.ID)
	if rec.MicroPersona != nil {
		field(w, "Micro-persona", rec.MicroPersona.ID)
	}
	field(w, "Composed ID", rec.Composed.ID)
	field(w, "Score", fmt.Sprintf("%.2f", rec.Score))
	field(w, "Reason", rec.MatchReason)
	field(w, "Capabilities", joinCaps(rec.Composed.Capabilities))
	if len(unfilled) > 0 {
		field(w, "Unfilled", strings.Join(unfilled, ", "))
	}
	fmt.Fprintln(w, promptStyle.Render(prompt))
}

func renderScore(w io.Writer, s *score.PersonaScore, recent []score.FeedbackEntry) {
	fmt.Fprintln(w, headerStyle.Render(s.PersonaID))
	field(w, "Overall", fmt.Sprintf("%.2f", s.OverallScore))
	field(w, "Usage", s.UsageCount)
	field(w, "Success rate", fmt.Sprintf("%.2f (%d ok, %d failed)", s.SuccessRate, s.SuccessCount, s.FailureCount))
	field(w, "Avg latency", fmt.Sprintf("%.0f ms", s.AverageLatencyMS))
	field(w, "Satisfaction", fmt.Sprintf("%.2f over %d rating(s)", s.UserSatisfactionAvg, s.UserFeedbackCount))
	field(w, "Adaptability", fmt.Sprintf("%.2f", s.AdaptabilityScore))
	if !s.LastUsedAt.IsZero() {
		field(w, "Last used", s.LastUsedAt.Format("2006-01-02 15:04:05 MST"))
	}
	for _, fb := range recent {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("  %.2f  %s", fb.Rating, fb.Feedback)))
	}
}
