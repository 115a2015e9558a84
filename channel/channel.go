package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/psylab/gustavio/config"
	"go.uber.org/zap"
)

// ParseError is returned by Load when a file exists but does not hold a JSON object.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %q: %s", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load reads a JSON object from path.
func Load(path string) (Message, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if msg == nil {
		return nil, &ParseError{Path: path, Err: errors.New("not a JSON object")}
	}
	return msg, nil
}

// Dump writes msg to path as indented JSON. The file is written beside path and renamed into place,
// so a reader never sees a partial file written by Dump. Writers that don't do this are what the retries in Await are for.
func Dump(msg Message, path string) error {
	b, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %q: %w", path, err)
	}
	return nil
}

// ResponseKind is the kind segment of the response file name for a request type.
func ResponseKind(msgType string) string {
	if msgType == TypeAnswer {
		return TypeTrial
	}
	return msgType
}

// RequestPaths returns the request and response artifact paths for a message type at a trial.
func RequestPaths(dir string, trial int, msgType string) (request, response string) {
	request = filepath.Join(dir, fmt.Sprintf("c%d_%s.json", trial, msgType))
	response = filepath.Join(dir, fmt.Sprintf("g%d_%s.json", trial, ResponseKind(msgType)))
	return request, response
}

// Pending is a request that has been written and awaits its response.
type Pending struct {
	Request      Message
	RequestPath  string
	ResponsePath string
}

type Channel struct {
	Log *zap.SugaredLogger

	PollInterval    time.Duration
	MaxTimeout      time.Duration
	MaxLoadAttempts int

	load func(path string) (Message, error)
}

func New(cfg config.Config, log *zap.SugaredLogger) *Channel {
	return &Channel{
		Log:             log.Named("channel"),
		PollInterval:    cfg.PollInterval,
		MaxTimeout:      cfg.MaxTimeout,
		MaxLoadAttempts: cfg.MaxLoadAttempts,
	}
}

// Send writes msg as the request for the given trial, stamped with the response path the worker must write to.
// For answer messages the caller advances the trial counter before calling Send.
func (c *Channel) Send(dir string, trial int, msg Message) (*Pending, error) {
	reqPath, respPath := RequestPaths(dir, trial, msg.Type())
	req := msg.Clone()
	req[FieldResponseFile] = respPath
	if _, ok := req[FieldRequestID]; !ok {
		req[FieldRequestID] = uuid.NewString()
	}
	c.Log.Debugw("sending request", "Path", reqPath, "Type", msg.Type(), "ID", msg.ID())
	if err := Dump(req, reqPath); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return &Pending{Request: req, RequestPath: reqPath, ResponsePath: respPath}, nil
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) loadFunc() func(string) (Message, error) {
	if c.load != nil {
		return c.load
	}
	return Load
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Await blocks until path appears and parses, returning the parsed message.
// It returns an empty Message if MaxTimeout elapses first, if every one of MaxLoadAttempts parses fails,
// or if ctx is done.
// The wait is woken by filesystem events on path's directory, with PollInterval as the fallback recheck interval.
func (c *Channel) Await(ctx context.Context, path string) Message {
	c.Log.Debugw("waiting for response", "Path", path)
	start := time.Now()

	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		} else {
			c.Log.Debugw("unable to watch session dir, polling", "Error", err)
		}
	}
	target := filepath.Clean(path)

	for !exists(path) {
		elapsed := time.Since(start)
		if elapsed >= c.MaxTimeout {
			c.Log.Warnw("max timeout reached, no response", "Path", path, "Timeout", c.MaxTimeout)
			return Empty()
		}
		wait := c.MaxTimeout - elapsed
		if c.PollInterval < wait {
			wait = c.PollInterval
		}
		timer := time.NewTimer(wait)
	poll:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				c.Log.Warnw("stopped waiting for response", "Path", path, "Error", ctx.Err())
				return Empty()
			case <-timer.C:
				break poll
			case ev := <-events:
				if filepath.Clean(ev.Name) == target && ev.Has(fsnotify.Create|fsnotify.Write) {
					timer.Stop()
					break poll
				}
			case err := <-watchErrs:
				c.Log.Debugw("watch error", "Error", err)
			}
		}
	}
	c.Log.Debugw("received response", "Path", path, "Elapsed", time.Since(start))

	for attempt := 1; attempt <= c.MaxLoadAttempts; attempt++ {
		msg, err := c.loadFunc()(path)
		if err == nil {
			return msg
		}
		c.Log.Debugw("could not load response", "Path", path, "Attempt", attempt, "MaxAttempts", c.MaxLoadAttempts, "Error", err)
		if attempt < c.MaxLoadAttempts && !c.sleep(ctx, c.PollInterval) {
			break
		}
	}
	c.Log.Warnw("giving up on unreadable response", "Path", path, "MaxAttempts", c.MaxLoadAttempts)
	return Empty()
}

// Exchange sends msg and waits for its response. A request that cannot be written yields an empty Message.
func (c *Channel) Exchange(ctx context.Context, dir string, trial int, msg Message) Message {
	p, err := c.Send(dir, trial, msg)
	if err != nil {
		c.Log.Warnw("unable to send request", "Dir", dir, "Type", msg.Type(), "Error", err)
		return Empty()
	}
	return c.Await(ctx, p.ResponsePath)
}
