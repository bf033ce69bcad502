package secrets

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID      string
	Description string
	Secret      string
}

// Result is the outcome of one Redact call. It never carries the secrets.
type Result struct {
	Text  string         `json:"text"`
	Rules map[string]int `json:"rules,omitempty"`
}

// Count returns the number of redacted secrets.
func (r Result) Count() int {
	n := 0
	for _, c := range r.Rules {
		n += c
	}
	return n
}

// Redactor detects and redacts secrets. It is safe for concurrent use.
type Redactor struct {
	// The detector accumulates state per scan, so scans are serialized.
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor builds a Redactor on the default Gitleaks rules, extended by
// the allowlist at allowlistPath when one exists.
func NewRedactor(allowlistPath string) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}

	allowlist, err := LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	if allowlist != nil {
		applyAllowlist(&detector.Config, allowlist)
	}
	return &Redactor{detector: detector}, nil
}

// Detect returns the secrets found in text.
func (r *Redactor) Detect(text string) []Finding {
	r.mu.Lock()
	found := r.detector.DetectString(text)
	r.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		out = append(out, Finding{RuleID: f.RuleID, Description: f.Description, Secret: secret})
	}
	return out
}

// Redact replaces every detected secret in text with a [REDACTED:rule-id] marker.
func (r *Redactor) Redact(text string) Result {
	if text == "" {
		return Result{}
	}
	findings := r.Detect(text)
	if len(findings) == 0 {
		return Result{Text: text}
	}
	return Result{Text: replaceSecrets(text, findings), Rules: countRules(findings)}
}

// RedactText is Redact in the shape the feedback loop consumes.
func (r *Redactor) RedactText(text string) (string, int) {
	res := r.Redact(text)
	return res.Text, res.Count()
}

// replaceSecrets substitutes each secret by value. Longer secrets go first
// so a secret that contains another is replaced whole.
func replaceSecrets(text string, findings []Finding) string {
	sorted := slices.Clone(findings)
	slices.SortStableFunc(sorted, func(a, b Finding) int {
		return cmp.Compare(len(b.Secret), len(a.Secret))
	})
	for _, f := range sorted {
		if f.Secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return text
}

func countRules(findings []Finding) map[string]int {
	counts := make(map[string]int, len(findings))
	for _, f := range findings {
		counts[f.RuleID]++
	}
	return counts
}

// applyAllowlist appends allowlist as a global Gitleaks allowlist.
// Patterns were compiled by LoadAllowlist, so compile errors cannot occur here.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "personad feedback allowlist",
		StopWords:   slices.Clone(allowlist.StopWords),
	}
	for _, pattern := range allowlist.Regexes {
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
