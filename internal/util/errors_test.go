package util

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("open", nil))

	base := errors.New("permission denied")
	err := WrapError("open event log", base)
	assert.EqualError(t, err, "failed to open event log: permission denied")
	assert.ErrorIs(t, err, base)
}

func TestExtractLastError(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   string
	}{
		{"empty", "", ""},
		{"trailing blank lines", "first\nsecond\n\n  \n", "second"},
		{"single line", "  connection refused  ", "connection refused"},
		{"truncated", strings.Repeat("x", 250), strings.Repeat("x", 200) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractLastError(tt.stderr))
		})
	}
}
