package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"simple", "coder", nil},
		{"micro prefix", "micro-concise", nil},
		{"uuid", "4f1c2b8e-2d4c-4b6e-9a55-0c1b7f8e2a11", nil},
		{"dots and underscores", "team_a.writer", nil},
		{"empty", "", ErrInvalidID},
		{"leading dash", "-coder", ErrInvalidID},
		{"space", "my coder", ErrInvalidID},
		{"dot", ".", ErrPathTraversal},
		{"dotdot", "..", ErrPathTraversal},
		{"slash", "a/b", ErrPathTraversal},
		{"backslash", `a\b`, ErrPathTraversal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.input)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("redis", "get", "coder", nil))

	cause := errors.New("connection refused")
	err := Wrap("redis", "get", "coder", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "redis: get coder: connection refused", err.Error())

	assert.ErrorIs(t, err, ErrStore)

	var se *StoreError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, "get", se.Op)
}
