package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage/filestore"
)

// setupEnv points configuration at a throwaway home and file store.
func setupEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	dir := filepath.Join(home, "personas")
	t.Setenv("HOME", home)
	t.Setenv("PERSONAD_STORAGE_BACKEND", "file")
	t.Setenv("PERSONAD_STORAGE_FILE_DIR", dir)
	t.Setenv("PERSONAD_SCORING_REDACT_FEEDBACK", "false")
	t.Setenv("PERSONAD_OBSERVABILITY_ENABLE_METRICS", "false")
	return dir
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	recVars = nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	var names []string
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"serve", "mcp", "personas", "recommend", "score", "rate", "export", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, recommendCmd.Flags().Lookup("var"))
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Commit:")
}

func TestPersonasList(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "personas", "list", "--json")
	require.NoError(t, err)
	var defs []persona.Definition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	require.NotEmpty(t, defs)

	out, err = execute(t, "personas", "list", "--capability", "code_execution")
	require.NoError(t, err)
	assert.Contains(t, out, "code-reviewer")
	assert.Contains(t, out, "builtin")
	assert.NotContains(t, out, "general-assistant")

	_, err = execute(t, "personas", "list", "--capability", "telepathy")
	require.Error(t, err)
}

func TestPersonasList_QueryNeedsIndex(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "personas", "list", "-q", "research")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.enabled")
}

func TestPersonasShow(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "personas", "show", "researcher")
	require.NoError(t, err)
	assert.Contains(t, out, "researcher")

	_, err = execute(t, "personas", "show", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRecommend(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "recommend", "--task", "research", "--json")
	require.NoError(t, err)
	var got struct {
		Recommendation struct {
			Persona persona.Definition `json:"persona"`
		} `json:"recommendation"`
		SystemPrompt string `json:"systemPrompt"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "researcher", got.Recommendation.Persona.ID)
	assert.NotEmpty(t, got.SystemPrompt)

	_, err = execute(t, "recommend", "--task", "interpretive-dance")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no registered persona")
}

func TestRateThenScore(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "score", "researcher")
	require.Error(t, err)

	_, err = execute(t, "rate", "researcher", "0.8", "thorough")
	require.NoError(t, err)

	out, err := execute(t, "score", "researcher", "--json")
	require.NoError(t, err)
	var got struct {
		Score          score.PersonaScore    `json:"score"`
		RecentFeedback []score.FeedbackEntry `json:"recentFeedback"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, int64(1), got.Score.UserFeedbackCount)
	assert.InDelta(t, 0.8, got.Score.UserSatisfactionAvg, 1e-9)
	require.Len(t, got.RecentFeedback, 1)
	assert.Equal(t, "thorough", got.RecentFeedback[0].Feedback)

	_, err = execute(t, "rate", "researcher", "high")
	require.Error(t, err)
	_, err = execute(t, "rate", "researcher", "2")
	require.ErrorIs(t, err, persona.ErrValidation)
}

func TestExport(t *testing.T) {
	dir := setupEnv(t)

	src, err := filestore.New(dir)
	require.NoError(t, err)
	d := persona.Definition{
		ID:                   "coder",
		Name:                 "Coder",
		SystemPromptTemplate: "You write code.",
		Capabilities:         []persona.Capability{persona.CapCodeGeneration},
	}
	record, err := persona.EncodeRecord(persona.Entity{Persona: &d})
	require.NoError(t, err)
	require.NoError(t, src.Put(context.Background(), "coder", record))

	dst := filepath.Join(t.TempDir(), "export")
	out, err := execute(t, "export", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 1 persona(s) and 0 micro-persona(s)")

	_, err = os.Stat(filepath.Join(dst, "personas", "coder.yaml"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, "personas", "researcher.yaml"))
	assert.True(t, os.IsNotExist(err))
}
