package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "logs", "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestReadLastNewestFirstWithFilter(t *testing.T) {
	l := newTestLogger(t)

	require.NoError(t, l.LogDevice(true, "mic", "USB Mic", "capture", "standard", 0))
	require.NoError(t, l.LogSystem(EnumerationFailed, "pw-dump failed", &SystemDetails{Flow: "capture", Error: "exit 1"}))
	require.NoError(t, l.LogDevice(false, "mic", "USB Mic", "capture", "standard", 12*time.Second))
	require.NoError(t, l.LogDevice(true, "buds", "AirPods", "capture", "bluetooth", 0))

	events, hasMore, err := ReadLast(l.Path(), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, events, 4)
	assert.Equal(t, "buds", events[0].DeviceID)
	assert.Equal(t, DeviceActive, events[0].Type)
	assert.Equal(t, DeviceInactive, events[1].Type)

	events, _, err = ReadLast(l.Path(), 10, 0, FilterSystem)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EnumerationFailed, events[0].Type)
	assert.Equal(t, "pw-dump failed", events[0].Message)

	events, _, err = ReadLast(l.Path(), 10, 0, FilterDevice)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestReadLastPagination(t *testing.T) {
	l := newTestLogger(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, l.LogDevice(true, id, id, "render", "standard", 0))
	}

	page, hasMore, err := ReadLast(l.Path(), 2, 0, FilterAll)
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Equal(t, []string{"e", "d"}, ids(page))

	page, hasMore, err = ReadLast(l.Path(), 2, 2, FilterAll)
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Equal(t, []string{"c", "b"}, ids(page))

	page, hasMore, err = ReadLast(l.Path(), 2, 4, FilterAll)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, []string{"a"}, ids(page))
}

func TestReadLastMissingFileAndMalformedLines(t *testing.T) {
	events, hasMore, err := ReadLast(filepath.Join(t.TempDir(), "missing.jsonl"), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, hasMore)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n{\"ts\":\"2025-01-01T00:00:00Z\",\"type\":\"device_active\",\"device_id\":\"x\"}\n"), 0o644))
	events, _, err = ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(events))
}

func TestRotate(t *testing.T) {
	l := newTestLogger(t)

	rotated, err := l.Rotate()
	require.NoError(t, err)
	assert.Empty(t, rotated, "empty log is not rotated")

	require.NoError(t, l.LogDevice(true, "mic", "Mic", "capture", "standard", 0))
	rotated, err = l.Rotate()
	require.NoError(t, err)
	require.NotEmpty(t, rotated)
	assert.FileExists(t, rotated)
	assert.Equal(t, ".jsonl", filepath.Ext(rotated))

	events, _, err := ReadLast(rotated, 10, 0, FilterAll)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, l.LogDevice(false, "mic", "Mic", "capture", "standard", time.Second))
	events, _, err = ReadLast(l.Path(), 10, 0, FilterAll)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DeviceInactive, events[0].Type)
}

func TestLogAfterClose(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Close())
	assert.Error(t, l.LogSystem(ArchiveFailed, "", nil))
}

func TestTypeFilterValid(t *testing.T) {
	assert.True(t, FilterAll.Valid())
	assert.True(t, FilterDevice.Valid())
	assert.False(t, TypeFilter("stream").Valid())
}

func ids(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.DeviceID)
	}
	return out
}
