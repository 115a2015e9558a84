// Package ports decides which controller ports can take a new subject.
// Nothing here is stored: every answer is derived from a registry snapshot and a set of live pids.
package ports

import (
	"errors"
	"fmt"

	"github.com/psylab/gustavio/registry"
)

var ErrNoPorts = errors.New("no ports available")

type Status string

const (
	// Ready ports have a live controller and no live subject.
	Ready Status = "Ready"
	// Busy ports have a live subject bound to them.
	Busy     Status = "Busy"
	BasePort Status = "Base Port"
	// Unknown ports are registered but their controller is not alive.
	Unknown Status = "Unknown"
)

// Info describes one registered port.
type Info struct {
	Port   int    `json:"port"`
	PID    int    `json:"pid"`
	Status Status `json:"status"`
}

func (i Info) String() string {
	return fmt.Sprintf("%d : %s", i.Port, i.Status)
}

type Allocator struct {
	BasePort int
	MaxPorts int
}

func (a Allocator) inRange(port int) bool {
	return port >= a.BasePort && port < a.BasePort+a.MaxPorts
}

func usedPorts(reg *registry.Registry, live map[int]bool) map[int]bool {
	used := map[int]bool{}
	for _, s := range reg.Subjects {
		if live[s.PID] {
			used[s.Port] = true
		}
	}
	return used
}

// Available returns, in ascending order, the registered non-base ports whose controller is alive and that have no live subject.
func (a Allocator) Available(reg *registry.Registry, live map[int]bool) []int {
	used := usedPorts(reg, live)
	var avail []int
	for _, port := range reg.SortedPorts() {
		if port == a.BasePort || !a.inRange(port) {
			continue
		}
		if used[port] || !live[reg.Ports[port]] {
			continue
		}
		avail = append(avail, port)
	}
	return avail
}

// Allocate takes the smallest in-range port out of candidates.
func (a Allocator) Allocate(candidates *[]int) (int, error) {
	best := -1
	idx := -1
	for i, port := range *candidates {
		if !a.inRange(port) {
			continue
		}
		if best == -1 || port < best {
			best, idx = port, i
		}
	}
	if idx == -1 {
		return 0, ErrNoPorts
	}
	c := *candidates
	*candidates = append(c[:idx:idx], c[idx+1:]...)
	return best, nil
}

func (a Allocator) Status(port int, reg *registry.Registry, live map[int]bool) Status {
	if usedPorts(reg, live)[port] {
		return Busy
	}
	pid, registered := reg.Ports[port]
	switch {
	case port == a.BasePort:
		return BasePort
	case registered && live[pid] && a.inRange(port):
		return Ready
	default:
		return Unknown
	}
}

// Statuses describes every registered port in ascending order.
func (a Allocator) Statuses(reg *registry.Registry, live map[int]bool) []Info {
	infos := make([]Info, 0, len(reg.Ports))
	for _, port := range reg.SortedPorts() {
		infos = append(infos, Info{Port: port, PID: reg.Ports[port], Status: a.Status(port, reg, live)})
	}
	return infos
}
