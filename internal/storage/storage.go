// Package storage holds what the persona and score backends share: error
// values and ID validation.
//
// Backends live in subpackages:
//
//	filestore    YAML persona files and JSON score files on disk
//	sqlstore     SQLite tables (modernc.org/sqlite, no cgo)
//	redisstore   Redis keys and lists
//	fallback     primary store with a local fallback on connectivity loss
//	natsevents   usage event publisher
//	vectorindex  semantic persona index
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

var (
	// ErrInvalidID is returned for IDs that are not safe as file names or keys.
	ErrInvalidID = errors.New("invalid id: must be alphanumeric with hyphens, underscores, or dots")

	// ErrPathTraversal is returned for IDs that would escape a directory.
	ErrPathTraversal = errors.New("path traversal detected")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrStore matches every *StoreError.
	ErrStore = errors.New("store error")

	// ErrNotFound is used by backends internally. Read paths report absence
	// with nil returns instead.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a backend that cannot be reached.
	ErrUnavailable = errors.New("backend unavailable")
)

// idPattern matches persona IDs, including UUIDs and "micro-" prefixed IDs.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateID checks that id is safe to use as a file name or key suffix.
func ValidateID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if len(id) > 255 {
		return fmt.Errorf("%w: too long (max 255)", ErrInvalidID)
	}
	if id == "." || id == ".." {
		return ErrPathTraversal
	}
	for _, c := range id {
		if c == '/' || c == '\\' || c == '\x00' {
			return ErrPathTraversal
		}
	}
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	if filepath.Clean(id) != id {
		return ErrPathTraversal
	}
	return nil
}

// StoreError wraps a backend failure with the operation and ID involved.
type StoreError struct {
	Backend string
	Op      string
	ID      string
	Err     error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Backend, e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports true for ErrStore.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

// Wrap returns nil when err is nil, otherwise a *StoreError.
func Wrap(backend, op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Backend: backend, Op: op, ID: id, Err: err}
}
