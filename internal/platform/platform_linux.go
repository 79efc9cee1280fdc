//go:build linux

package platform

import "github.com/oszuidwest/zwfm-audiowatch/internal/activity"

// New returns the device source for Linux, backed by PipeWire.
func New(opts Options) activity.DeviceSource {
	return NewPipeWire(opts.PwDumpPath, opts.SnapshotTTL)
}
