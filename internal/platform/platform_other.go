//go:build !linux

package platform

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
)

// New returns a source without devices; no audio backend exists for this OS.
func New(_ Options) activity.DeviceSource {
	slog.Warn("no audio backend for this platform, reporting no devices", "os", runtime.GOOS)
	return noop{}
}

type noop struct{}

func (noop) Devices(context.Context, activity.Flow) ([]activity.Device, error) {
	return []activity.Device{}, nil
}
