package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceSecrets(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		findings []Finding
		want     string
	}{
		{
			name:     "single secret",
			text:     "my token is abc123secret, thanks",
			findings: []Finding{{RuleID: "generic-api-key", Secret: "abc123secret"}},
			want:     "my token is [REDACTED:generic-api-key], thanks",
		},
		{
			name: "every occurrence",
			text: "k1 then k1 again",
			findings: []Finding{
				{RuleID: "r", Secret: "k1"},
			},
			want: "[REDACTED:r] then [REDACTED:r] again",
		},
		{
			name: "longer secret wins over contained one",
			text: "key=AAAABBBB",
			findings: []Finding{
				{RuleID: "short", Secret: "AAAA"},
				{RuleID: "long", Secret: "AAAABBBB"},
			},
			want: "key=[REDACTED:long]",
		},
		{
			name:     "empty secret is ignored",
			text:     "nothing to see",
			findings: []Finding{{RuleID: "r", Secret: ""}},
			want:     "nothing to see",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, replaceSecrets(tt.text, tt.findings))
		})
	}
}

func TestResult_Count(t *testing.T) {
	assert.Zero(t, Result{}.Count())
	assert.Equal(t, 3, Result{Rules: map[string]int{"a": 2, "b": 1}}.Count())
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path", func(t *testing.T) {
		al, err := LoadAllowlist("")
		require.NoError(t, err)
		assert.Nil(t, al)
	})

	t.Run("missing file", func(t *testing.T) {
		al, err := LoadAllowlist(filepath.Join(dir, "absent.toml"))
		require.NoError(t, err)
		assert.Nil(t, al)
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "allow.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[allowlist]
regexes = ['''DEMO_[A-Z]+''']
stopwords = ["placeholder"]
`), 0o600))
		al, err := LoadAllowlist(path)
		require.NoError(t, err)
		require.NotNil(t, al)
		assert.Equal(t, []string{"DEMO_[A-Z]+"}, al.Regexes)
		assert.Equal(t, []string{"placeholder"}, al.StopWords)
	})

	t.Run("invalid toml", func(t *testing.T) {
		path := filepath.Join(dir, "broken.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist\nregexes = "), 0o600))
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidTOML)
	})

	t.Run("invalid regex", func(t *testing.T) {
		path := filepath.Join(dir, "regex.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''([unclosed''']\n"), 0o600))
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidRegex)
	})
}

func TestRedactor_CleanTextUnchanged(t *testing.T) {
	r, err := NewRedactor("")
	require.NoError(t, err)

	res := r.Redact("The persona was friendly and answered quickly.")
	assert.Equal(t, "The persona was friendly and answered quickly.", res.Text)
	assert.Zero(t, res.Count())

	assert.Equal(t, Result{}, r.Redact(""))
}

func TestRedactor_ScrubsDetectedKeys(t *testing.T) {
	r, err := NewRedactor("")
	require.NoError(t, err)

	// Gitleaks rules evolve; assert on whatever the current rule set detects.
	const key = "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"
	text, n := r.RedactText(`it leaked const apiKey = "` + key + `" in the answer`)
	if n == 0 {
		t.Skip("current Gitleaks rules do not flag the sample key")
	}
	assert.NotContains(t, text, key)
	assert.True(t, strings.Contains(text, "[REDACTED:"))
}
