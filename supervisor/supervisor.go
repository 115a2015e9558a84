package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/psylab/gustavio/config"
	"github.com/psylab/gustavio/registry"
	"github.com/psylab/gustavio/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TimeLayout is the layout of the start time recorded for each subject in the registry.
const TimeLayout = "01/02/2006, 15:04:05"

// LogFileName is the file in the session dir that receives the worker's stdout and stderr.
const LogFileName = "out.txt"

var ErrPortBusy = errors.New("port already has a live worker")

type SpawnRequest struct {
	Script    string
	SessionID string
	Port      int
	// Dir is the session directory. The worker's output goes to Dir/LogFileName.
	Dir string
}

// Handle is a worker process spawned by this supervisor.
type Handle struct {
	PID       int
	Port      int
	SessionID string
	Script    string
	Started   time.Time
	LogPath   string

	cmd      *exec.Cmd
	exited   chan struct{}
	exitCode int
}

// Exited is closed once the process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// ExitCode is only meaningful after Exited is closed.
func (h *Handle) ExitCode() int { return h.exitCode }

func (h *Handle) String() string {
	return fmt.Sprintf("worker pid=%d port=%d sid=%s", h.PID, h.Port, h.SessionID)
}

// Supervisor spawns workers, tracks their handles, and keeps the registry in line with what is alive.
// It is safe for concurrent use.
type Supervisor struct {
	Log      *zap.SugaredLogger
	Registry *registry.Store

	interpreter []string
	scriptDir   string
	root        string
	processName string
	warmup      time.Duration
	killGrace   time.Duration

	mut     sync.Mutex
	handles map[int]*Handle
}

func New(cfg config.Config, reg *registry.Store, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		Log:         log.Named("supervisor"),
		Registry:    reg,
		interpreter: cfg.Interpreter,
		scriptDir:   cfg.ScriptDir,
		root:        cfg.Root,
		processName: cfg.ProcessName,
		warmup:      cfg.Warmup,
		killGrace:   cfg.KillGrace,
		handles:     map[int]*Handle{},
	}
}

// Token is the "<id>:<port>" argument a worker receives.
func Token(sessionID string, port int) string {
	return fmt.Sprintf("%s:%d", sessionID, port)
}

func (s *Supervisor) command(req SpawnRequest) *exec.Cmd {
	args := []string{req.Script, "-s", Token(req.SessionID, req.Port)}
	name := req.Script
	if len(s.interpreter) > 0 {
		name = s.interpreter[0]
		args = append(append([]string{}, s.interpreter[1:]...), args...)
	} else {
		args = args[1:]
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = s.scriptDir
	root, err := filepath.Abs(s.root)
	if err != nil {
		root = s.root
	}
	sessionDir, err := filepath.Abs(req.Dir)
	if err != nil {
		sessionDir = req.Dir
	}
	cmd.Env = append(os.Environ(), worker.EnvSessionDir+"="+sessionDir, worker.EnvRoot+"="+root)
	return cmd
}

// Spawn starts a worker for a session, records it in the registry, and then blocks for the warm-up delay.
// There is no readiness handshake, the warm-up is a heuristic.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*Handle, error) {
	s.mut.Lock()
	for _, h := range s.handles {
		if h.Port == req.Port && s.IsAlive(h) {
			s.mut.Unlock()
			return nil, fmt.Errorf("spawning on port %d: %w (%s)", req.Port, ErrPortBusy, h)
		}
	}

	if err := os.MkdirAll(req.Dir, 0777); err != nil {
		s.mut.Unlock()
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	logPath := filepath.Join(req.Dir, LogFileName)
	out, err := os.Create(logPath)
	if err != nil {
		s.mut.Unlock()
		return nil, fmt.Errorf("creating worker log: %w", err)
	}
	// the child holds its own descriptor once started
	defer out.Close()

	cmd := s.command(req)
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Start()
	if err != nil {
		s.mut.Unlock()
		return nil, fmt.Errorf("starting worker %q: %w", req.Script, err)
	}
	h := &Handle{
		PID:       cmd.Process.Pid,
		Port:      req.Port,
		SessionID: req.SessionID,
		Script:    req.Script,
		Started:   time.Now(),
		LogPath:   logPath,
		cmd:       cmd,
		exited:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.exitCode = 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				h.exitCode = exitErr.ExitCode()
			} else {
				h.exitCode = -1
			}
		}
		close(h.exited)
		s.Log.Debugw("worker exited", "PID", h.PID, "Port", h.Port, "ExitCode", h.exitCode)
	}()
	s.handles[h.PID] = h
	s.mut.Unlock()

	s.Log.Infow("spawned worker", "Script", req.Script, "PID", h.PID, "Port", req.Port, "SID", req.SessionID)

	_, err = s.Registry.Append(s.Live(ctx), registry.Subject{
		PID:    h.PID,
		Port:   h.Port,
		Script: h.Script,
		Time:   h.Started.Format(TimeLayout),
		SID:    h.SessionID,
	})
	if err != nil {
		s.Log.Warnw("unable to record worker in registry", "PID", h.PID, "Error", err)
	}

	if s.warmup > 0 {
		timer := time.NewTimer(s.warmup)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return h, nil
}

// IsAlive is a non-blocking check of whether the handle's process is still running.
func (s *Supervisor) IsAlive(h *Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// HandleOn returns the live handle bound to port, if this supervisor spawned one.
func (s *Supervisor) HandleOn(port int) *Handle {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, h := range s.handles {
		if h.Port == port && s.IsAlive(h) {
			return h
		}
	}
	return nil
}

// Handles returns every tracked handle, live or not.
func (s *Supervisor) Handles() []*Handle {
	s.mut.Lock()
	defer s.mut.Unlock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	return handles
}

// Kill terminates a handle's process and removes its subject record.
// It returns true if the process is confirmed gone.
func (s *Supervisor) Kill(ctx context.Context, h *Handle) bool {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	return s.KillPID(ctx, h.PID)
}

// KillPID is Kill for a pid that may or may not have been spawned by this supervisor.
// A pid that no longer exists counts as killed.
func (s *Supervisor) KillPID(ctx context.Context, pid int) bool {
	s.Log.Infow("killing worker", "PID", pid)
	killed := s.terminate(ctx, pid)

	s.mut.Lock()
	if h, ok := s.handles[pid]; ok && !s.IsAlive(h) {
		delete(s.handles, pid)
	}
	s.mut.Unlock()

	if _, err := s.Registry.Remove(s.Live(ctx), pid); err != nil {
		s.Log.Warnw("unable to remove worker from registry", "PID", pid, "Error", err)
	}
	if killed {
		s.Log.Infow("worker killed", "PID", pid)
	} else {
		s.Log.Warnw("unable to confirm worker was killed", "PID", pid)
	}
	return killed
}

func (s *Supervisor) terminate(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}

	s.mut.Lock()
	h := s.handles[pid]
	s.mut.Unlock()
	if h != nil {
		_ = h.cmd.Process.Kill()
		return s.waitExited(ctx, h)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	err = proc.Signal(syscall.SIGTERM)
	if isNoSuchProcess(err) {
		s.Log.Debugw("process does not exist", "PID", pid)
		return true
	}
	if err != nil {
		s.Log.Debugw("signaling process", "PID", pid, "Error", err)
		return false
	}
	if s.waitGone(ctx, pid, s.killGrace) {
		return true
	}
	err = proc.Signal(syscall.SIGKILL)
	if isNoSuchProcess(err) {
		return true
	}
	if err != nil {
		return false
	}
	return s.waitGone(ctx, pid, s.killGrace)
}

func (s *Supervisor) waitExited(ctx context.Context, h *Handle) bool {
	grace := s.killGrace
	if grace <= 0 {
		grace = time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return !s.IsAlive(h)
	}
}

func (s *Supervisor) waitGone(ctx context.Context, pid int, grace time.Duration) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(grace)
	for {
		if !pidAlive(ctx, pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !pidAlive(ctx, pid)
		case <-ticker.C:
		}
	}
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

// Live is the liveness oracle for reconciliation: the OS scan, this supervisor's live handles, and the controller itself.
func (s *Supervisor) Live(ctx context.Context) map[int]bool {
	live := LiveProcesses(ctx, s.processName, DefaultStatuses)
	s.mut.Lock()
	for pid, h := range s.handles {
		if s.IsAlive(h) {
			live[pid] = true
		}
	}
	s.mut.Unlock()
	live[os.Getpid()] = true
	return live
}

// Reconcile drops registry entries whose processes are gone.
func (s *Supervisor) Reconcile(ctx context.Context) (*registry.Registry, error) {
	return s.Registry.Reconcile(s.Live(ctx))
}

// Shutdown kills every live worker this supervisor spawned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, h := range s.Handles() {
		h := h
		if !s.IsAlive(h) {
			continue
		}
		group.Go(func() error {
			if !s.Kill(groupCtx, h) {
				return fmt.Errorf("unable to kill %s", h)
			}
			return nil
		})
	}
	return group.Wait()
}
