package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/psylab/gustavio/channel"
	"github.com/psylab/gustavio/controller"
	"github.com/psylab/gustavio/ports"
	"github.com/psylab/gustavio/session"
	sse "github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Controller is the part of a controller instance the agent exposes over HTTP.
type Controller interface {
	Port() int
	Handle(ctx context.Context, msg channel.Message) channel.Message
	Ports(ctx context.Context) ([]ports.Info, error)
	Available(ctx context.Context) ([]int, error)
	AssignPort(ctx context.Context) (controller.Assignment, error)
	Experiments(ctx context.Context) ([]controller.Experiment, error)
	Kill(ctx context.Context, pid int) bool
	LogPath(id string) (string, error)
	SessionList() []*session.Session
}

// Agent is the HTTP front of one controller instance. Every request runs on its own goroutine,
// the controller serializes flows of the same session.
type Agent struct {
	logger *zap.SugaredLogger
	ctrl   Controller

	listenAddr   string
	pollInterval time.Duration

	serverMut  sync.Mutex
	httpServer *http.Server
	events     *sse.Joe

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar().Named("agent")
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithLogPollInterval sets how often a followed log is checked for new output.
func WithLogPollInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.pollInterval = d
	}
}

// New constructs an agent for ctrl. By default it listens on the controller's port.
func New(ctrl Controller, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	events, err := newEventProvider()
	if err != nil {
		return nil, fmt.Errorf("building event provider: %w", err)
	}
	a := &Agent{
		logger:       logger.Named("agent").Sugar(),
		events:       events,
		ctrl:         ctrl,
		listenAddr:   fmt.Sprintf("0.0.0.0:%d", ctrl.Port()),
		pollInterval: 200 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Agent) router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/ports", a.ports)
	router.GET("/available", a.available)
	router.POST("/assign", a.assign)
	router.POST("/request", a.request)
	router.POST("/kill/:pid", a.kill)
	router.GET("/experiments", a.experiments)
	router.GET("/sessions", a.sessions)
	router.GET("/sessions/:id/log", a.streamLog)
	router.GET("/sessions/:id/events", a.sessionEvents)
	router.GET("/events", a.allEvents)
	return router
}

// Run serves HTTP until Stop is called.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	server := &http.Server{Handler: a.router()}
	a.serverMut.Lock()
	a.httpServer = server
	a.serverMut.Unlock()

	a.logger.Infow("serving", "Addr", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.events.Shutdown(ctx); err != nil {
		a.logger.Debugf("shutting down event provider: %s", err)
	}

	a.serverMut.Lock()
	server := a.httpServer
	a.serverMut.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		a.logger.Debugf("error writing response: %s", err)
	}
}

type HeartbeatResponse struct {
	LastHeartbeat string
	Port          int
	PID           int
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	a.writeJSON(w, HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
		Port:          a.ctrl.Port(),
		PID:           os.Getpid(),
	})
}

func (a *Agent) ports(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	infos, err := a.ctrl.Ports(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, infos)
}

func (a *Agent) available(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	avail, err := a.ctrl.Available(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if avail == nil {
		avail = []int{}
	}
	a.writeJSON(w, avail)
}

func (a *Agent) assign(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	assignment, err := a.ctrl.AssignPort(r.Context())
	if errors.Is(err, ports.ErrNoPorts) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, assignment)
}

func (a *Agent) experiments(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	exps, err := a.ctrl.Experiments(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if exps == nil {
		exps = []controller.Experiment{}
	}
	a.writeJSON(w, exps)
}

// request runs one client action. Protocol failures are not HTTP errors: they come back as an empty message.
func (a *Agent) request(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var msg channel.Message
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg.Type() == "" {
		http.Error(w, "request contained no type", http.StatusBadRequest)
		return
	}
	resp := a.ctrl.Handle(r.Context(), msg)
	if resp == nil {
		resp = channel.Empty()
	}
	a.publish(Event{Kind: EventRequest, Session: msg.ID(), Type: msg.Type(), Response: resp.Type()})
	a.writeJSON(w, resp)
}

type KillResponse struct {
	PID    int
	Killed bool
}

func (a *Agent) kill(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pid, err := strconv.Atoi(params.ByName("pid"))
	if err != nil || pid <= 0 {
		http.Error(w, fmt.Sprintf("invalid pid %q", params.ByName("pid")), http.StatusBadRequest)
		return
	}
	killed := a.ctrl.Kill(r.Context(), pid)
	a.publish(Event{Kind: EventKill, PID: pid, Killed: killed})
	a.writeJSON(w, KillResponse{PID: pid, Killed: killed})
}

type SessionInfo struct {
	ID    string
	Port  int
	Trial int
	State session.State
	Dir   string
}

func (a *Agent) sessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	list := a.ctrl.SessionList()
	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, SessionInfo{ID: s.ID, Port: s.Port, Trial: s.Trial, State: s.State, Dir: s.Dir})
	}
	a.writeJSON(w, infos)
}
