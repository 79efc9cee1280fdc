package util

import (
	"fmt"
	"time"
)

// HumanLayout is the layout of timestamps shown to people.
const HumanLayout = "2 Jan 2006 15:04 MST"

// HumanTime formats t in local time.
func HumanTime(t time.Time) string {
	return t.Local().Format(HumanLayout)
}

// HumanBuildTime formats an RFC3339 build stamp in local time. Stamps that do
// not parse are returned as given, and an empty stamp reads "unknown".
func HumanBuildTime(stamp string) string {
	if stamp == "" {
		return "unknown"
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return HumanTime(t)
}

// FormatDuration renders d as "45s", "2m 34s" or "1h 23m".
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", d/time.Second)
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", d/time.Minute, d%time.Minute/time.Second)
	default:
		return fmt.Sprintf("%dh %dm", d/time.Hour, d%time.Hour/time.Minute)
	}
}
