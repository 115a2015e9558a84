package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/psylab/gustavio/channel"
	"github.com/psylab/gustavio/controller"
	"github.com/psylab/gustavio/ports"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to an agent over HTTP.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryPolicy retries like retryablehttp does, except that "no ports left" is an answer, not an outage.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewClient builds a client for the agent at host:port.
func NewClient(log *zap.SugaredLogger, host string, port int, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      fmt.Sprintf("http://%s:%d", host, port),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = retryPolicy
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

// do sends body (if any) as JSON and decodes a 200 response into out (if any).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return statusError(httpResp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// StatusError is a non-200 response from the agent.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d: %s", e.StatusCode, e.Body)
}

func statusError(resp *http.Response) error {
	var body string
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		body = fmt.Errorf("error reading body: %w", err).Error()
	} else {
		body = string(bytes.TrimSpace(b))
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: body}
}

func (c *Client) SendHeartbeat(ctx context.Context) (HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HeartbeatResponse
	err := c.do(ctx, http.MethodGet, "/heartbeat", nil, &resp)
	return resp, err
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) Ports(ctx context.Context) ([]ports.Info, error) {
	var infos []ports.Info
	err := c.do(ctx, http.MethodGet, "/ports", nil, &infos)
	return infos, err
}

func (c *Client) Available(ctx context.Context) ([]int, error) {
	var avail []int
	err := c.do(ctx, http.MethodGet, "/available", nil, &avail)
	return avail, err
}

// Assign asks the hub for a port. It returns ports.ErrNoPorts when every port is taken.
func (c *Client) Assign(ctx context.Context) (controller.Assignment, error) {
	var assignment controller.Assignment
	err := c.do(ctx, http.MethodPost, "/assign", nil, &assignment)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusServiceUnavailable {
		return controller.Assignment{}, fmt.Errorf("assigning port: %w", ports.ErrNoPorts)
	}
	return assignment, err
}

// Request runs one client action. A timed out or failed action is an empty message, not an error.
func (c *Client) Request(ctx context.Context, msg channel.Message) (channel.Message, error) {
	var resp channel.Message
	if err := c.do(ctx, http.MethodPost, "/request", msg, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = channel.Empty()
	}
	return resp, nil
}

func (c *Client) Kill(ctx context.Context, pid int) (bool, error) {
	var resp KillResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/kill/%d", pid), nil, &resp)
	return resp.Killed, err
}

func (c *Client) Experiments(ctx context.Context) ([]controller.Experiment, error) {
	var exps []controller.Experiment
	err := c.do(ctx, http.MethodGet, "/experiments", nil, &exps)
	return exps, err
}

func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var infos []SessionInfo
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &infos)
	return infos, err
}

// StreamLog copies a session's worker output to w. With follow set it returns only when ctx is done.
func (c *Client) StreamLog(ctx context.Context, id string, follow bool, w io.Writer) error {
	u := fmt.Sprintf("%s/sessions/%s/log", c.baseURL, id)
	if follow {
		u += "?follow=true"
	}
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")
	wsConn.SetReadLimit(readLimit)

	for {
		var chunk LogChunk
		err := wsjson.Read(ctx, wsConn, &chunk)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading log chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("agent error streaming log: %s", chunk.Error)
		}
		if len(chunk.Data) > 0 {
			if _, err := w.Write(chunk.Data); err != nil {
				return fmt.Errorf("writing log: %w", err)
			}
		}
		if chunk.EOF {
			return nil
		}
	}
}

// Events follows the agent's event stream and calls fn for every event until ctx is done or fn returns an error.
// An empty session follows every session. A non-empty lastEventID resumes after that event.
func (c *Client) Events(ctx context.Context, session, lastEventID string, fn func(Event) error) error {
	path := "/events"
	if session != "" {
		path = "/sessions/" + url.PathEscape(session) + "/events"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		httpReq.Header.Set("Last-Event-ID", lastEventID)
	}
	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return statusError(httpResp)
	}

	scanner := bufio.NewScanner(httpResp.Body)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var ev Event
			err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev)
			data = data[:0]
			if err != nil {
				return fmt.Errorf("decoding event: %w", err)
			}
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading events: %w", err)
	}
	return nil
}
