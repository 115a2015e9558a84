package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/psylab/gustavio/channel"
	"github.com/psylab/gustavio/controller"
	"github.com/psylab/gustavio/internal/net"
	"github.com/psylab/gustavio/ports"
	"github.com/psylab/gustavio/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeController struct {
	mut      sync.Mutex
	requests []channel.Message
	killed   []int
	logDir   string
	avail    []int
}

func (f *fakeController) Port() int { return 5050 }

func (f *fakeController) Handle(ctx context.Context, msg channel.Message) channel.Message {
	f.mut.Lock()
	f.requests = append(f.requests, msg)
	f.mut.Unlock()
	if msg.Type() == "login" {
		return channel.Empty()
	}
	return channel.Message{"type": channel.ResponseKind(msg.Type()), "id": msg.ID()}
}

func (f *fakeController) Ports(ctx context.Context) ([]ports.Info, error) {
	return []ports.Info{
		{Port: 5050, PID: 10, Status: ports.BasePort},
		{Port: 5051, PID: 11, Status: ports.Busy},
		{Port: 5052, PID: 12, Status: ports.Ready},
	}, nil
}

func (f *fakeController) Available(ctx context.Context) ([]int, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]int(nil), f.avail...), nil
}

func (f *fakeController) AssignPort(ctx context.Context) (controller.Assignment, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if len(f.avail) == 0 {
		return controller.Assignment{}, ports.ErrNoPorts
	}
	port := f.avail[0]
	f.avail = f.avail[1:]
	return controller.Assignment{Port: port, URL: fmt.Sprintf("http://0.0.0.0:%d", port)}, nil
}

func (f *fakeController) Experiments(ctx context.Context) ([]controller.Experiment, error) {
	return []controller.Experiment{
		{Name: "gustav_exp__quiet.py", Title: "quiet", Ready: true, Port: 5052, URL: "http://0.0.0.0:5052/gustav_exp__quiet"},
		{Name: "gustav_exp__tones.py", Title: "tones"},
	}, nil
}

func (f *fakeController) Kill(ctx context.Context, pid int) bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.killed = append(f.killed, pid)
	return pid != 42
}

func (f *fakeController) LogPath(id string) (string, error) {
	if id != "7" {
		return "", fmt.Errorf("log of %s: %w", id, session.ErrUnknownSession)
	}
	return filepath.Join(f.logDir, "out.txt"), nil
}

func (f *fakeController) SessionList() []*session.Session {
	return []*session.Session{{ID: "7", Port: 5051, Trial: 3, State: session.Active, Dir: f.logDir}}
}

func startAgent(t *testing.T, ctrl Controller) *Client {
	port, err := net.GetEphemeralTCPPort()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	agent, err := New(ctrl,
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
		WithLogger(logger),
		WithLogPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run() }()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
		require.NoError(t, <-runErr)
	})

	client := NewClient(logger.Sugar(), "127.0.0.1", port, WithClientWaitInterval(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func TestHeartbeat(t *testing.T) {
	client := startAgent(t, &fakeController{})
	resp, err := client.SendHeartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5050, resp.Port)
	assert.Equal(t, os.Getpid(), resp.PID)
	_, err = time.Parse(time.RFC3339, resp.LastHeartbeat)
	require.NoError(t, err)
}

func TestRequest(t *testing.T) {
	ctrl := &fakeController{}
	client := startAgent(t, ctrl)
	ctx := context.Background()

	resp, err := client.Request(ctx, channel.Message{"type": "answer", "id": "7", "answer": "1"})
	require.NoError(t, err)
	assert.Equal(t, channel.Message{"type": "trial", "id": "7"}, resp)

	resp, err = client.Request(ctx, channel.Message{"type": "login", "id": "7"})
	require.NoError(t, err)
	assert.True(t, resp.IsEmpty())

	require.Len(t, ctrl.requests, 2)
	assert.Equal(t, "1", ctrl.requests[0]["answer"])

	_, err = client.Request(ctx, channel.Message{"id": "7"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 400, statusErr.StatusCode)
}

func TestPortsAndAssign(t *testing.T) {
	client := startAgent(t, &fakeController{avail: []int{5052, 5053}})
	ctx := context.Background()

	infos, err := client.Ports(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, ports.Info{Port: 5051, PID: 11, Status: ports.Busy}, infos[1])

	avail, err := client.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{5052, 5053}, avail)

	for _, want := range []int{5052, 5053} {
		assignment, err := client.Assign(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, assignment.Port)
	}

	_, err = client.Assign(ctx)
	require.ErrorIs(t, err, ports.ErrNoPorts)

	avail, err = client.Available(ctx)
	require.NoError(t, err)
	assert.Empty(t, avail)
}

func TestExperiments(t *testing.T) {
	client := startAgent(t, &fakeController{})
	exps, err := client.Experiments(context.Background())
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.True(t, exps[0].Ready)
	assert.Equal(t, 5052, exps[0].Port)
	assert.Equal(t, controller.Experiment{Name: "gustav_exp__tones.py", Title: "tones"}, exps[1])
}

func TestKill(t *testing.T) {
	ctrl := &fakeController{}
	client := startAgent(t, ctrl)
	ctx := context.Background()

	killed, err := client.Kill(ctx, 1234)
	require.NoError(t, err)
	assert.True(t, killed)

	killed, err = client.Kill(ctx, 42)
	require.NoError(t, err)
	assert.False(t, killed)

	assert.Equal(t, []int{1234, 42}, ctrl.killed)
}

func TestSessions(t *testing.T) {
	client := startAgent(t, &fakeController{logDir: "/srv/exp/5051/7"})
	infos, err := client.Sessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []SessionInfo{{ID: "7", Port: 5051, Trial: 3, State: session.Active, Dir: "/srv/exp/5051/7"}}, infos)
}

func TestStreamLog(t *testing.T) {
	dir := t.TempDir()
	// larger than one chunk, so the writer has to split it
	contents := bytes.Repeat([]byte("worker output line\n"), 2000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), contents, 0644))

	client := startAgent(t, &fakeController{logDir: dir})

	var buf bytes.Buffer
	require.NoError(t, client.StreamLog(context.Background(), "7", false, &buf))
	assert.Equal(t, contents, buf.Bytes())
}

func TestStreamLogUnknownSession(t *testing.T) {
	client := startAgent(t, &fakeController{logDir: t.TempDir()})
	err := client.StreamLog(context.Background(), "8", false, &bytes.Buffer{})
	require.Error(t, err)
}

type syncBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}

func TestStreamLogFollow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0644))
	client := startAgent(t, &fakeController{logDir: dir})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- client.StreamLog(ctx, "7", true, buf) }()

	require.Eventually(t, func() bool { return buf.String() == "first\n" }, 5*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("second\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return buf.String() == "first\nsecond\n" }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
}

func TestClientGivesUpWhenServerIsDown(t *testing.T) {
	port, err := net.GetEphemeralTCPPort()
	require.NoError(t, err)
	client := NewClient(zaptest.NewLogger(t).Sugar(), "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	_, err = client.SendHeartbeat(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ports.ErrNoPorts))
}

func collectEvents(ctx context.Context, client *Client, session, lastEventID string) <-chan Event {
	ch := make(chan Event, 128)
	go func() {
		_ = client.Events(ctx, session, lastEventID, func(ev Event) error {
			select {
			case ch <- ev:
			default:
			}
			return nil
		})
	}()
	return ch
}

func waitForEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEvents(t *testing.T) {
	client := startAgent(t, &fakeController{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	all := collectEvents(ctx, client, "", "")

	// the subscription is asynchronous, so keep answering until the feed picks one up
	var first Event
	require.Eventually(t, func() bool {
		if _, err := client.Request(ctx, channel.Message{"type": "answer", "id": "7", "answer": "1"}); err != nil {
			return false
		}
		select {
		case first = <-all:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, EventRequest, first.Kind)
	assert.Equal(t, "7", first.Session)
	assert.Equal(t, "answer", first.Type)
	assert.Equal(t, "trial", first.Response)
	assert.NotEmpty(t, first.ID)

	killed, err := client.Kill(ctx, 42)
	require.NoError(t, err)
	assert.False(t, killed)
	ev := waitForEvent(t, all, func(ev Event) bool { return ev.Kind == EventKill })
	assert.Equal(t, 42, ev.PID)
	assert.False(t, ev.Killed)

	_, err = client.Request(ctx, channel.Message{"type": "trial", "id": "7"})
	require.NoError(t, err)

	replayed := collectEvents(ctx, client, "7", first.ID)
	ev = waitForEvent(t, replayed, func(ev Event) bool { return ev.Type == "trial" })
	assert.Equal(t, "7", ev.Session)
	assert.Equal(t, "trial", ev.Response)
}

func TestSessionEventsOnlyCarryThatSession(t *testing.T) {
	client := startAgent(t, &fakeController{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// a session may be called "all" without seeing every other session's events
	events := collectEvents(ctx, client, "all", "")
	require.Eventually(t, func() bool {
		if _, err := client.Request(ctx, channel.Message{"type": "info", "id": "all"}); err != nil {
			return false
		}
		select {
		case <-events:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, time.Millisecond)

	_, err := client.Request(ctx, channel.Message{"type": "trial", "id": "8"})
	require.NoError(t, err)
	_, err = client.Request(ctx, channel.Message{"type": "trial", "id": "all"})
	require.NoError(t, err)

	ev := waitForEvent(t, events, func(ev Event) bool {
		assert.Equal(t, "all", ev.Session)
		return ev.Type == "trial"
	})
	assert.Equal(t, "all", ev.Session)
}
