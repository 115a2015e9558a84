// Package session keeps the controller-side state of each subject session in memory.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session is stopped or aborted")
)

// State is a session's lifecycle state: Created -> Active -> Stopped | Aborted.
type State string

const (
	Created State = "created"
	Active  State = "active"
	Stopped State = "stopped"
	Aborted State = "aborted"
)

func (s State) Terminal() bool {
	return s == Stopped || s == Aborted
}

type Session struct {
	ID    string
	Port  int
	Dir   string
	Trial int
	State State
	// Fields accumulates the request fields seen for this session. Stored values win over incoming ones.
	Fields map[string]any
	// Response is the last response received from the worker.
	Response map[string]any
}

func (s *Session) String() string {
	return fmt.Sprintf("session id=%s port=%d trial=%d state=%s dir=%s", s.ID, s.Port, s.Trial, s.State, s.Dir)
}

func (s *Session) clone() *Session {
	c := *s
	c.Fields = copyMap(s.Fields)
	c.Response = copyMap(s.Response)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Store maps session ids to sessions. Methods return copies, so callers never share mutable state with the store.
type Store struct {
	Root string
	Log  *zap.SugaredLogger

	mut      sync.Mutex
	sessions map[string]*Session
}

func NewStore(root string, log *zap.SugaredLogger) *Store {
	return &Store{
		Root:     root,
		Log:      log.Named("session"),
		sessions: map[string]*Session{},
	}
}

// Dir is <root>/<port>/<id>, so independent processes agree on a session's directory without coordinating.
func Dir(root string, port int, id string) string {
	return filepath.Join(root, strconv.Itoa(port), id)
}

func (st *Store) DirectoryFor(port int, id string) string {
	return Dir(st.Root, port, id)
}

func (st *Store) newSession(id string, port int, fields map[string]any) *Session {
	s := &Session{
		ID:     id,
		Port:   port,
		Dir:    st.DirectoryFor(port, id),
		State:  Created,
		Fields: copyMap(fields),
	}
	if s.Fields == nil {
		s.Fields = map[string]any{}
	}
	s.Fields["id"] = id
	s.Fields["dir"] = s.Dir
	return s
}

// Touch creates the session on first contact, or merges fields into it.
// On merge, keys the session already holds keep their stored value and new keys are added.
// A session bound to a port stays on that port. Touching a stopped or aborted session fails with ErrSessionClosed.
func (st *Store) Touch(id string, port int, fields map[string]any) (*Session, error) {
	st.mut.Lock()
	defer st.mut.Unlock()

	s, ok := st.sessions[id]
	switch {
	case !ok:
		s = st.newSession(id, port, fields)
		st.sessions[id] = s
	case s.State.Terminal():
		return nil, fmt.Errorf("touching %s: %w", id, ErrSessionClosed)
	default:
		for k, v := range fields {
			if _, exists := s.Fields[k]; !exists {
				s.Fields[k] = v
			}
		}
		s.State = Active
	}
	st.Log.Debug(s)
	return s.clone(), nil
}

// Reopen replaces a session with a fresh one in the Created state, whatever state it was in.
func (st *Store) Reopen(id string, port int, fields map[string]any) *Session {
	st.mut.Lock()
	defer st.mut.Unlock()
	s := st.newSession(id, port, fields)
	st.sessions[id] = s
	st.Log.Debug(s)
	return s.clone()
}

func (st *Store) with(id string, fn func(s *Session) error) error {
	st.mut.Lock()
	defer st.mut.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	return fn(s)
}

// AdvanceTrial increments the trial counter and returns the new value.
func (st *Store) AdvanceTrial(id string) (int, error) {
	var trial int
	err := st.with(id, func(s *Session) error {
		if s.State.Terminal() {
			return fmt.Errorf("advancing %s: %w", id, ErrSessionClosed)
		}
		s.Trial++
		trial = s.Trial
		return nil
	})
	return trial, err
}

func (st *Store) Reset(id string) error {
	return st.with(id, func(s *Session) error {
		s.Trial = 0
		return nil
	})
}

// Close moves the session to a terminal state and clears its trial counter. The record itself is kept.
func (st *Store) Close(id string, state State) error {
	if !state.Terminal() {
		return fmt.Errorf("closing %s: %q is not a terminal state", id, state)
	}
	return st.with(id, func(s *Session) error {
		s.State = state
		s.Trial = 0
		return nil
	})
}

func (st *Store) SetResponse(id string, resp map[string]any) error {
	return st.with(id, func(s *Session) error {
		s.Response = copyMap(resp)
		return nil
	})
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mut.Lock()
	defer st.mut.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Sessions returns every known session ordered by id.
func (st *Store) Sessions() []*Session {
	st.mut.Lock()
	defer st.mut.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
