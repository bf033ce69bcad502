// Package secrets scrubs credentials out of free text using the Gitleaks
// rule set.
//
// personad accepts free-text feedback about personas and keeps the most
// recent entries verbatim. Users paste transcripts; transcripts contain
// tokens. The Redactor replaces every detected secret with a
// [REDACTED:rule-id] marker before the text is stored.
package secrets

import "errors"

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)
