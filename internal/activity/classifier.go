package activity

import "strings"

// Well-known identifiers of the Bluetooth stack.
const (
	bluetoothClassGUID   = "E0CBF06C-CD8B-4647-BB8A-263B43F0F974"
	bluetoothBusTypeGUID = "2BD67D8B-8BEB-48D5-87E0-6CDA3428040A"
)

// Heuristic is a named predicate over device metadata.
type Heuristic struct {
	Name  string
	Match func(DeviceMetadata) bool
}

// Classifier assigns a DeviceClass by evaluating heuristics in order.
// The first heuristic that matches wins.
type Classifier struct {
	heuristics []Heuristic
}

// NewClassifier returns a Classifier using the given heuristics, or
// DefaultHeuristics when none are given.
func NewClassifier(heuristics ...Heuristic) *Classifier {
	if len(heuristics) == 0 {
		heuristics = DefaultHeuristics()
	}
	return &Classifier{heuristics: heuristics}
}

// Classify returns the class of a device and the name of the heuristic that
// matched. Devices no heuristic recognises are ClassStandard.
func (c *Classifier) Classify(meta DeviceMetadata) (DeviceClass, string) {
	for _, h := range c.heuristics {
		if h.Match(meta) {
			return ClassBluetooth, h.Name
		}
	}
	return ClassStandard, ""
}

// DefaultHeuristics returns the Bluetooth heuristics in priority order.
// Identifier checks come first; the friendly name is a last resort because
// display names are neither stable nor unique.
func DefaultHeuristics() []Heuristic {
	return []Heuristic{
		{Name: "instance_id", Match: func(m DeviceMetadata) bool {
			return containsAny(m.InstanceID, "BTHENUM", `BTH\`, "BLUETOOTH")
		}},
		{Name: "hardware_id", Match: func(m DeviceMetadata) bool {
			for _, id := range m.HardwareIDs {
				if containsAny(id, "BLUETOOTH", "BTHENUM", `BTH\`) {
					return true
				}
			}
			return false
		}},
		{Name: "parent_id", Match: func(m DeviceMetadata) bool {
			return containsAny(m.ParentID, "BLUETOOTH", "BTHENUM")
		}},
		{Name: "class_guid", Match: func(m DeviceMetadata) bool {
			return containsAny(m.ClassGUID, bluetoothClassGUID)
		}},
		{Name: "bus_type", Match: func(m DeviceMetadata) bool {
			return containsAny(m.BusTypeID, bluetoothBusTypeGUID)
		}},
		{Name: "friendly_name", Match: matchFriendlyName},
	}
}

func matchFriendlyName(m DeviceMetadata) bool {
	if containsAny(m.FriendlyName,
		"BLUETOOTH", "HANDS-FREE", "A2DP", "HFP", "HSP", "AVRCP",
		"AIRPODS", "WIRELESS HEADSET", "BT ") {
		return true
	}
	return containsAny(m.FriendlyName, "WIRELESS") && containsAny(m.FriendlyName, "AUDIO")
}

// containsAny reports whether s contains any of the upper-case needles,
// ignoring case.
func containsAny(s string, needles ...string) bool {
	if s == "" {
		return false
	}
	upper := strings.ToUpper(s)
	for _, n := range needles {
		if strings.Contains(upper, n) {
			return true
		}
	}
	return false
}

// IsSessionActive reports whether a session counts as activity for a device of
// the given class. Bluetooth stacks report zero or delayed volume during real
// sessions, so for them an exact zero volume is accepted.
func IsSessionActive(s Session, class DeviceClass) bool {
	if s.State != SessionActive || s.Muted {
		return false
	}
	if class == ClassBluetooth {
		return s.Volume > 0.001 || s.Volume == 0
	}
	return s.Volume > 0
}
