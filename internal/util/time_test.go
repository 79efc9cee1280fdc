package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "1s"},
		{45 * time.Second, "45s"},
		{154 * time.Second, "2m 34s"},
		{83 * time.Minute, "1h 23m"},
		{26 * time.Hour, "26h 0m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), "%s", tt.in)
	}
}

func TestHumanBuildTime(t *testing.T) {
	assert.Equal(t, "unknown", HumanBuildTime(""))
	assert.Equal(t, "not-a-time", HumanBuildTime("not-a-time"))

	stamp := time.Date(2025, 3, 9, 14, 5, 0, 0, time.UTC)
	assert.Equal(t, HumanTime(stamp), HumanBuildTime(stamp.Format(time.RFC3339)))
}
