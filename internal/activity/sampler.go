package activity

import "log/slog"

// Sample combines the indicators of a device into a raw activity reading.
// Indicators are tried in order (peak meter, buffer padding, sessions) and the
// first positive one wins. An indicator that cannot be read counts as a
// negative vote; the remaining indicators are still tried.
func Sample(deviceID string, p Indicators, class DeviceClass) bool {
	if p == nil {
		return false
	}

	if peak, err := p.PeakValue(); err != nil {
		slog.Debug("peak meter unavailable", "device", deviceID, "error", err)
	} else if peak > 0 {
		return true
	}

	if padding, err := p.Padding(); err != nil {
		slog.Debug("buffer padding unavailable", "device", deviceID, "error", err)
	} else if padding > 0 {
		return true
	}

	sessions, err := p.Sessions()
	if err != nil {
		slog.Debug("audio sessions unavailable", "device", deviceID, "error", err)
		return false
	}
	for _, s := range sessions {
		if IsSessionActive(s, class) {
			return true
		}
	}
	return false
}
