package util

import "os/exec"

// ResolveBinary returns the path of an external helper binary.
// If customPath is set, it must resolve to an executable.
// Otherwise, name is searched for in the system PATH.
// Returns an empty string if the binary is not found.
func ResolveBinary(customPath, name string) string {
	candidate := name
	if customPath != "" {
		candidate = customPath
	}
	path, err := exec.LookPath(candidate)
	if err != nil {
		return ""
	}
	return path
}
