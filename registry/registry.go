// Package registry persists which controller and worker processes are bound to which ports.
//
// The registry is one JSON file shared by every controller instance on the host:
//
//	{"ports": {"5050": 811, "5051": 812}, "subjects": [{"pid": 900, "port": 5051, "script": "...", "time": "...", "sid": "7"}]}
//
// An entry is only meaningful while its pid is alive. Every mutation reconciles the file against a
// set of live pids and re-inserts the calling controller's own port, so a controller always re-asserts itself.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Subject is a worker process bound to a port for one subject session.
type Subject struct {
	PID    int    `json:"pid"`
	Port   int    `json:"port"`
	Script string `json:"script"`
	Time   string `json:"time"`
	SID    string `json:"sid"`
}

type Registry struct {
	// Ports maps a port to the pid of the controller instance serving it.
	Ports    map[int]int `json:"ports"`
	Subjects []Subject   `json:"subjects"`
}

func New() *Registry {
	return &Registry{Ports: map[int]int{}, Subjects: []Subject{}}
}

// Reconciled returns a copy that keeps only entries whose pid is in live, plus the (selfPort, selfPID) entry
// when selfPID is set.
func (r *Registry) Reconciled(live map[int]bool, selfPort, selfPID int) *Registry {
	out := New()
	for port, pid := range r.Ports {
		if live[pid] {
			out.Ports[port] = pid
		}
	}
	for _, s := range r.Subjects {
		if live[s.PID] {
			out.Subjects = append(out.Subjects, s)
		}
	}
	if selfPID > 0 {
		out.Ports[selfPort] = selfPID
	}
	return out
}

// SortedPorts returns the registered ports in ascending order.
func (r *Registry) SortedPorts() []int {
	ports := make([]int, 0, len(r.Ports))
	for p := range r.Ports {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// SubjectOn returns the first subject bound to port.
func (r *Registry) SubjectOn(port int) (Subject, bool) {
	for _, s := range r.Subjects {
		if s.Port == port {
			return s, true
		}
	}
	return Subject{}, false
}

func (r *Registry) remove(pid int) {
	kept := r.Subjects[:0]
	for _, s := range r.Subjects {
		if s.PID != pid {
			kept = append(kept, s)
		}
	}
	r.Subjects = kept
}

// Store reads and writes the registry file on behalf of one controller instance.
// A Store with no SelfPID is an observer: it reconciles and edits the file but never registers a port.
type Store struct {
	Path     string
	SelfPort int
	SelfPID  int
	Log      *zap.SugaredLogger
}

func NewStore(path string, selfPort, selfPID int, log *zap.SugaredLogger) *Store {
	return &Store{
		Path:     path,
		SelfPort: selfPort,
		SelfPID:  selfPID,
		Log:      log.Named("registry"),
	}
}

// Load reads the registry file. A missing file yields a registry seeded with this controller's own port.
func (s *Store) Load() (*Registry, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		reg := New()
		if s.SelfPID > 0 {
			reg.Ports[s.SelfPort] = s.SelfPID
		}
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	reg := New()
	if err := json.Unmarshal(b, reg); err != nil {
		return nil, fmt.Errorf("decoding registry %q: %w", s.Path, err)
	}
	if reg.Ports == nil {
		reg.Ports = map[int]int{}
	}
	if reg.Subjects == nil {
		reg.Subjects = []Subject{}
	}
	return reg, nil
}

// Save rewrites the whole file through a temp file and rename, so readers see either the old or the new registry.
func (s *Store) Save(reg *Registry) error {
	b, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp registry: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replacing registry: %w", err)
	}
	return nil
}

// Update loads, reconciles against live, applies mutate (which may be nil) and saves, all under the registry lock.
func (s *Store) Update(live map[int]bool, mutate func(*Registry)) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating registry dir: %w", err)
	}
	var out *Registry
	err := withFileLock(s.Path+".lock", func() error {
		reg, err := s.Load()
		if err != nil {
			return err
		}
		reg = reg.Reconciled(live, s.SelfPort, s.SelfPID)
		if mutate != nil {
			mutate(reg)
		}
		if err := s.Save(reg); err != nil {
			return err
		}
		out = reg
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log.Debugw("updated registry", "Ports", out.Ports, "Subjects", len(out.Subjects))
	return out, nil
}

func (s *Store) Reconcile(live map[int]bool) (*Registry, error) {
	return s.Update(live, nil)
}

func (s *Store) Append(live map[int]bool, subject Subject) (*Registry, error) {
	return s.Update(live, func(r *Registry) {
		r.Subjects = append(r.Subjects, subject)
	})
}

func (s *Store) Remove(live map[int]bool, pid int) (*Registry, error) {
	return s.Update(live, func(r *Registry) {
		r.remove(pid)
	})
}
