package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psylab/gustavio/channel"
	"github.com/psylab/gustavio/config"
	"github.com/psylab/gustavio/ports"
	"github.com/psylab/gustavio/registry"
	"github.com/psylab/gustavio/session"
	"github.com/psylab/gustavio/supervisor"
	"go.uber.org/zap"
)

const loggerName = "controller"

// FieldScript optionally names the worker script in an initialize request.
const FieldScript = "script"

// Controller is one controller instance, serving the subject bound to its port.
// Each Handle call is one synchronous request/response flow. Flows for the same session are serialized,
// flows for different sessions run concurrently.
type Controller struct {
	Log *zap.SugaredLogger
	ID  string

	cfg        config.Config
	selfPID    int
	Registry   *registry.Store
	Supervisor *supervisor.Supervisor
	Allocator  ports.Allocator
	Sessions   *session.Store
	Channel    *channel.Channel

	locksMut sync.Mutex
	locks    map[string]*sessionLock
}

// sessionLock serializes the flows of one session. refs counts holders and waiters, the entry is dropped at zero.
type sessionLock struct {
	mut  sync.Mutex
	refs int
}

type Option func(c *Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		c.Log = l.Sugar().Named(loggerName)
	}
}

// WithSelfPID overrides the pid this instance registers under its port.
func WithSelfPID(pid int) Option {
	return func(c *Controller) {
		c.selfPID = pid
	}
}

// New builds a controller and registers it in the shared registry.
func New(cfg config.Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Controller{
		Log:     defaultLogger,
		ID:      uuid.NewString(),
		cfg:     cfg,
		selfPID: os.Getpid(),
		locks:   map[string]*sessionLock{},
	}
	for _, o := range opts {
		o(c)
	}
	// workers run in ScriptDir, so every path stamped into a request must be absolute
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root dir: %w", err)
	}
	cfg.Root = root
	c.cfg = cfg
	c.Log = c.Log.With("Port", cfg.Port)
	c.Registry = registry.NewStore(cfg.Registry, cfg.Port, c.selfPID, c.Log)
	c.Supervisor = supervisor.New(cfg, c.Registry, c.Log)
	c.Allocator = ports.Allocator{BasePort: cfg.BasePort, MaxPorts: cfg.MaxPorts}
	c.Sessions = session.NewStore(cfg.Root, c.Log)
	c.Channel = channel.New(cfg, c.Log)

	if err := os.MkdirAll(cfg.Root, 0777); err != nil {
		return nil, fmt.Errorf("creating root dir: %w", err)
	}
	if _, err := c.Supervisor.Reconcile(context.Background()); err != nil {
		return nil, fmt.Errorf("registering controller: %w", err)
	}
	c.Log.Infow("controller registered", "PID", c.selfPID, "ID", c.ID)
	return c, nil
}

func (c *Controller) Port() int { return c.cfg.Port }

func (c *Controller) Config() config.Config { return c.cfg }

func (c *Controller) lock(id string) func() {
	c.locksMut.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sessionLock{}
		c.locks[id] = l
	}
	l.refs++
	c.locksMut.Unlock()

	l.mut.Lock()
	return func() {
		l.mut.Unlock()
		c.locksMut.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.locksMut.Unlock()
	}
}

// Handle runs one client action for the session named by msg's id and returns the worker's response.
// It never fails: anything that goes wrong is logged and answered with an empty message.
func (c *Controller) Handle(ctx context.Context, msg channel.Message) channel.Message {
	msgType, id := msg.Type(), msg.ID()
	if !channel.ValidType(msgType) || id == "" {
		c.Log.Warnw("ignoring malformed request", "Type", msgType, "ID", id)
		return channel.Empty()
	}

	unlock := c.lock(id)
	defer unlock()

	start := time.Now()
	var (
		resp channel.Message
		err  error
	)
	switch msgType {
	case channel.TypeInitialize:
		resp, err = c.initialize(ctx, id, msg)
	case channel.TypeAnswer:
		resp, err = c.answer(ctx, id, msg)
	case channel.TypeAbort:
		resp, err = c.end(ctx, id, msg, session.Aborted)
	case channel.TypeStop:
		// stop keeps the recorded artifacts, only abort removes them
		resp, err = c.end(ctx, id, msg, session.Stopped)
	default:
		resp, err = c.exchange(ctx, id, msg)
	}
	if err != nil {
		c.Log.Warnw("request failed", "Type", msgType, "ID", id, "Error", err)
		return channel.Empty()
	}
	if err := c.Sessions.SetResponse(id, resp); err != nil {
		c.Log.Debugw("unable to record response", "ID", id, "Error", err)
	}
	c.Log.Debugw("handled request", "Type", msgType, "ID", id, "Empty", resp.IsEmpty(), "Elapsed", time.Since(start))
	return resp
}

// initialize always aborts an existing session first and then recreates it from scratch.
func (c *Controller) initialize(ctx context.Context, id string, msg channel.Message) (channel.Message, error) {
	port := c.cfg.Port
	if h := c.Supervisor.HandleOn(port); h != nil && h.SessionID != id {
		return nil, fmt.Errorf("initializing %s: %w (%s)", id, supervisor.ErrPortBusy, h)
	}

	dir := c.Sessions.DirectoryFor(port, id)
	if _, err := os.Stat(dir); err == nil {
		c.Log.Infow("session exists, aborting it first", "ID", id, "Dir", dir)
		c.killWorker(ctx, id)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("removing old session dir: %w", err)
		}
	}

	s := c.Sessions.Reopen(id, port, msg)
	if err := os.MkdirAll(s.Dir, 0777); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	if c.Supervisor.HandleOn(port) == nil {
		script := c.cfg.Script
		if v, ok := msg[FieldScript].(string); ok && v != "" {
			script = v
		}
		if script == "" {
			return nil, errors.New("no worker script configured")
		}
		_, err := c.Supervisor.Spawn(ctx, supervisor.SpawnRequest{
			Script:    script,
			SessionID: id,
			Port:      port,
			Dir:       s.Dir,
		})
		if err != nil {
			return nil, err
		}
	}
	return c.Channel.Exchange(ctx, s.Dir, s.Trial, msg), nil
}

func (c *Controller) exchange(ctx context.Context, id string, msg channel.Message) (channel.Message, error) {
	s, err := c.Sessions.Touch(id, c.cfg.Port, msg)
	if err != nil {
		return nil, err
	}
	return c.Channel.Exchange(ctx, s.Dir, s.Trial, msg), nil
}

// answer advances the trial counter exactly once; the response is the next trial.
func (c *Controller) answer(ctx context.Context, id string, msg channel.Message) (channel.Message, error) {
	s, err := c.Sessions.Touch(id, c.cfg.Port, msg)
	if err != nil {
		return nil, err
	}
	trial, err := c.Sessions.AdvanceTrial(id)
	if err != nil {
		return nil, err
	}
	return c.Channel.Exchange(ctx, s.Dir, trial, msg), nil
}

// end delivers a stop or abort to the worker, then kills it and closes the session.
// Aborting also removes the session's artifacts, stopping keeps them as the record of the session.
func (c *Controller) end(ctx context.Context, id string, msg channel.Message, state session.State) (channel.Message, error) {
	s, err := c.Sessions.Touch(id, c.cfg.Port, msg)
	if err != nil {
		return nil, err
	}
	resp := c.Channel.Exchange(ctx, s.Dir, s.Trial, msg)
	c.killWorker(ctx, id)
	if state == session.Aborted {
		if err := os.RemoveAll(s.Dir); err != nil {
			c.Log.Warnw("unable to remove session artifacts", "Dir", s.Dir, "Error", err)
		}
	}
	if err := c.Sessions.Close(id, state); err != nil {
		return nil, err
	}
	c.Log.Infow("session ended", "ID", id, "State", state)
	return resp, nil
}

// killWorker kills the worker bound to this port for the session, whether this instance spawned it or an earlier one did.
func (c *Controller) killWorker(ctx context.Context, id string) {
	port := c.cfg.Port
	if h := c.Supervisor.HandleOn(port); h != nil && h.SessionID == id {
		c.Supervisor.Kill(ctx, h)
		return
	}
	reg, err := c.Registry.Load()
	if err != nil {
		c.Log.Warnw("unable to read registry", "Error", err)
		return
	}
	for _, subject := range reg.Subjects {
		if subject.Port == port && subject.SID == id {
			c.Supervisor.KillPID(ctx, subject.PID)
		}
	}
}

func (c *Controller) snapshot(ctx context.Context) (*registry.Registry, map[int]bool, error) {
	live := c.Supervisor.Live(ctx)
	reg, err := c.Registry.Reconcile(live)
	if err != nil {
		return nil, nil, err
	}
	return reg, live, nil
}

// Ports reconciles the registry and reports the status of every registered port.
func (c *Controller) Ports(ctx context.Context) ([]ports.Info, error) {
	reg, live, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return c.Allocator.Statuses(reg, live), nil
}

// Available reconciles the registry and returns the ports that can take a new subject.
func (c *Controller) Available(ctx context.Context) ([]int, error) {
	reg, live, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return c.Allocator.Available(reg, live), nil
}

type Assignment struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// AssignPort picks the lowest ready port for a new subject.
func (c *Controller) AssignPort(ctx context.Context) (Assignment, error) {
	avail, err := c.Available(ctx)
	if err != nil {
		return Assignment{}, err
	}
	port, err := c.Allocator.Allocate(&avail)
	if err != nil {
		return Assignment{}, err
	}
	c.Log.Infow("assigned port", "Port", port, "Remaining", len(avail))
	return Assignment{Port: port, URL: fmt.Sprintf("%s:%d", c.cfg.PublicURL, port)}, nil
}

// Subjects reconciles the registry and returns the live subject records.
func (c *Controller) Subjects(ctx context.Context) ([]registry.Subject, error) {
	reg, _, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return reg.Subjects, nil
}

// LogPath is the worker output file of a session this instance knows about.
func (c *Controller) LogPath(id string) (string, error) {
	s, ok := c.Sessions.Get(id)
	if !ok {
		return "", fmt.Errorf("log of %s: %w", id, session.ErrUnknownSession)
	}
	return filepath.Join(s.Dir, supervisor.LogFileName), nil
}

// SessionList returns a snapshot of every session this instance knows about.
func (c *Controller) SessionList() []*session.Session {
	return c.Sessions.Sessions()
}

func (c *Controller) Kill(ctx context.Context, pid int) bool {
	return c.Supervisor.KillPID(ctx, pid)
}

// Run reconciles the registry every ReconcileInterval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	if c.cfg.ReconcileInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := c.Supervisor.Reconcile(ctx); err != nil {
			c.Log.Warnw("reconciling registry", "Error", err)
		}
	}
}

// Close kills every worker this instance spawned.
func (c *Controller) Close(ctx context.Context) error {
	return c.Supervisor.Shutdown(ctx)
}
