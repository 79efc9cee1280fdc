package platform

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// UnknownProcess is reported when an executable cannot be resolved.
const UnknownProcess = "Unknown"

// Processes resolves process ids to executables using gopsutil.
type Processes struct{}

// ExecutablePath returns the full executable path of pid, falling back to the
// process name, or UnknownProcess.
func (Processes) ExecutablePath(ctx context.Context, pid uint32) string {
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		slog.Debug("process lookup failed", "pid", pid, "error", err)
		return UnknownProcess
	}
	if exe, err := proc.ExeWithContext(ctx); err == nil && exe != "" {
		return exe
	}
	if name, err := proc.NameWithContext(ctx); err == nil && name != "" {
		return name
	}
	return UnknownProcess
}

// RunningProcesses returns the sorted, unique executable names of all
// running processes.
func (Processes) RunningProcesses(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(procs))
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		name = filepath.Base(name)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
