package supervisor

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultStatuses are the run states that count as alive in an OS process scan.
var DefaultStatuses = []string{process.Running, process.Sleep}

// LiveProcesses scans the OS process table for processes whose name contains nameFilter
// and whose state is one of statuses. An empty nameFilter matches every name.
// Processes that vanish mid-scan or cannot be inspected are left out, never reported as errors.
func LiveProcesses(ctx context.Context, nameFilter string, statuses []string) map[int]bool {
	live := map[int]bool{}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return live
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if !strings.Contains(name, nameFilter) {
			continue
		}
		states, err := p.StatusWithContext(ctx)
		if err != nil {
			continue
		}
		if matchesStatus(states, statuses) {
			live[int(p.Pid)] = true
		}
	}
	return live
}

func matchesStatus(states, want []string) bool {
	for _, s := range states {
		for _, w := range want {
			if s == w {
				return true
			}
		}
	}
	return false
}

// pidAlive reports whether pid exists and is not a zombie waiting to be reaped.
func pidAlive(ctx context.Context, pid int) bool {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	states, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return !matchesStatus(states, []string{process.Zombie})
}
