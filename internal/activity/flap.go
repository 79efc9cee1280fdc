package activity

import "time"

// FlapDetector counts raw state changes inside a fixed window. A device that
// changes too often within the window gets the extended debounce interval.
type FlapDetector struct {
	Changes     int
	WindowStart time.Time
}

// roll starts a new window when the current one is older than window.
func (f *FlapDetector) roll(now time.Time, window time.Duration) {
	if now.Sub(f.WindowStart) > window {
		f.Changes = 0
		f.WindowStart = now
	}
}

// record counts one raw state change.
func (f *FlapDetector) record() {
	f.Changes++
}

// Flapping reports whether at least maxChanges changes fell in the window.
func (f *FlapDetector) Flapping(maxChanges int) bool {
	return f.Changes >= maxChanges
}
