package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("event_log.path", "/var/log/audiowatch/events.jsonl"))
	assert.NoError(t, ValidatePath("event_log.path", "/var/log/audiowatch/events..jsonl"))
	assert.Error(t, ValidatePath("event_log.path", ""))
	assert.Error(t, ValidatePath("event_log.path", "../etc/passwd"))
	assert.Error(t, ValidatePath("event_log.path", "/var/log/../../etc/passwd"))
}

func TestCheckPathWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "events")
	require.NoError(t, CheckPathWritable(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "test file is removed")

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, CheckPathWritable(file), "a regular file is not a directory")
}

func TestToValidationError(t *testing.T) {
	type request struct {
		Flow    string `json:"flow" validate:"omitempty,oneof=capture render"`
		Port    int    `json:"port" validate:"gte=1,lte=65535"`
		Webhook string `json:"webhook_url" validate:"omitempty,url"`
	}

	err := Validator().Struct(&request{Flow: "both", Port: 0, Webhook: "nope"})
	require.Error(t, err)

	verr := ToValidationError(err)
	messages := map[string]string{}
	for _, e := range verr.Errors {
		messages[e.Field] = e.Message
	}
	assert.Equal(t, map[string]string{
		"flow":        "must be one of: capture render",
		"port":        "must be greater than or equal to 1",
		"webhook_url": "must be a valid URL",
	}, messages)
}
