// Package platform provides the operating system collaborators of the
// activity monitor: device enumeration and process lookup.
package platform

import "time"

// Options configures the platform device source.
type Options struct {
	PwDumpPath  string        // pw-dump binary, Linux only
	SnapshotTTL time.Duration // reuse window for one enumeration
}
