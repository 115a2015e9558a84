// Package worker is the worker side of the file channel: it picks up request artifacts from a session directory
// and writes each reply to the response_file named by the request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/psylab/gustavio/channel"
	"github.com/psylab/gustavio/session"
	"go.uber.org/zap"
)

// Environment variables set by the supervisor on every worker it spawns.
const (
	EnvSessionDir = "GUSTAVIO_SESSION_DIR"
	EnvRoot       = "GUSTAVIO_ROOT"
)

var requestName = regexp.MustCompile(`^c(\d+)_([a-z]+)\.json$`)

type Handler interface {
	Handle(ctx context.Context, req channel.Message) channel.Message
}

type HandlerFunc func(ctx context.Context, req channel.Message) channel.Message

func (f HandlerFunc) Handle(ctx context.Context, req channel.Message) channel.Message { return f(ctx, req) }

// ParseToken splits the "<id>:<port>" argument a worker is launched with.
func ParseToken(token string) (string, int, error) {
	i := strings.LastIndex(token, ":")
	if i <= 0 || i == len(token)-1 {
		return "", 0, fmt.Errorf("malformed session token %q, want <id>:<port>", token)
	}
	port, err := strconv.Atoi(token[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed port in session token %q: %w", token, err)
	}
	return token[:i], port, nil
}

// SessionDir resolves the directory a worker exchanges artifacts in.
// An explicit GUSTAVIO_SESSION_DIR wins, then <root>/<port>/<id> with root from GUSTAVIO_ROOT or the given default.
func SessionDir(id string, port int, defaultRoot string) string {
	if dir := os.Getenv(EnvSessionDir); dir != "" {
		return dir
	}
	root := os.Getenv(EnvRoot)
	if root == "" {
		root = defaultRoot
	}
	return session.Dir(root, port, id)
}

type request struct {
	trial int
	name  string
	path  string
}

// Runner serves requests from one session directory until ctx is done or a stop or abort request is answered.
type Runner struct {
	Dir          string
	Handler      Handler
	Log          *zap.SugaredLogger
	PollInterval time.Duration

	seen map[string]bool
}

func NewRunner(dir string, h Handler, log *zap.SugaredLogger) *Runner {
	return &Runner{
		Dir:          dir,
		Handler:      h,
		Log:          log.Named("worker"),
		PollInterval: 100 * time.Millisecond,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.seen = map[string]bool{}
	if err := os.MkdirAll(r.Dir, 0777); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.Dir); err != nil {
		return fmt.Errorf("watching %q: %w", r.Dir, err)
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	r.Log.Infow("serving requests", "Dir", r.Dir)
	for {
		done, err := r.scan(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-watcher.Events:
		case err := <-watcher.Errors:
			r.Log.Debugw("watch error", "Error", err)
		}
	}
}

func (r *Runner) pending() ([]request, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing session dir: %w", err)
	}
	var reqs []request
	for _, e := range entries {
		m := requestName.FindStringSubmatch(e.Name())
		if m == nil || r.seen[e.Name()] {
			continue
		}
		trial, _ := strconv.Atoi(m[1])
		reqs = append(reqs, request{trial: trial, name: e.Name(), path: filepath.Join(r.Dir, e.Name())})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].trial != reqs[j].trial {
			return reqs[i].trial < reqs[j].trial
		}
		return reqs[i].name < reqs[j].name
	})
	return reqs, nil
}

// scan answers every request not answered yet. It reports done once a stop or abort has been answered.
func (r *Runner) scan(ctx context.Context) (bool, error) {
	reqs, err := r.pending()
	if err != nil {
		return false, err
	}
	for _, req := range reqs {
		msg, err := channel.Load(req.path)
		var parseErr *channel.ParseError
		if errors.As(err, &parseErr) {
			// partially written, pick it up on the next pass
			continue
		}
		if err != nil {
			r.Log.Debugw("unable to read request", "Path", req.path, "Error", err)
			continue
		}
		r.seen[req.name] = true

		respPath := msg.ResponseFile()
		if respPath == "" {
			_, respPath = channel.RequestPaths(r.Dir, req.trial, msg.Type())
		}
		resp := r.Handler.Handle(ctx, msg)
		if resp == nil {
			resp = channel.Empty()
		}
		if err := channel.Dump(resp, respPath); err != nil {
			r.Log.Warnw("unable to write response", "Path", respPath, "Error", err)
			continue
		}
		r.Log.Debugw("answered request", "Request", req.name, "Response", respPath)

		if t := msg.Type(); t == channel.TypeStop || t == channel.TypeAbort {
			r.Log.Infow("session ended", "Type", t)
			return true, nil
		}
	}
	return false, nil
}
