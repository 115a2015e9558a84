package channel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newChannel(t *testing.T, poll, timeout time.Duration, attempts int) *Channel {
	return &Channel{
		Log:             zaptest.NewLogger(t).Sugar(),
		PollInterval:    poll,
		MaxTimeout:      timeout,
		MaxLoadAttempts: attempts,
	}
}

func sessionDir(t *testing.T) string {
	dir := filepath.Join(t.TempDir(), "exp", "5051", "7")
	require.NoError(t, os.MkdirAll(dir, 0755))
	return dir
}

func TestRequestPaths(t *testing.T) {
	req, resp := RequestPaths("/exp/5051/7", 0, TypeInitialize)
	assert.Equal(t, "/exp/5051/7/c0_initialize.json", req)
	assert.Equal(t, "/exp/5051/7/g0_initialize.json", resp)

	req, resp = RequestPaths("/exp/5051/7", 3, TypeAnswer)
	assert.Equal(t, "/exp/5051/7/c3_answer.json", req)
	assert.Equal(t, "/exp/5051/7/g3_trial.json", resp)
}

func TestInitializeRoundTrip(t *testing.T) {
	dir := sessionDir(t)
	c := newChannel(t, 10*time.Millisecond, 5*time.Second, 3)

	p, err := c.Send(dir, 0, Message{"type": "initialize", "id": "7"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "c0_initialize.json"), p.RequestPath)

	written, err := Load(p.RequestPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "g0_initialize.json"), written.ResponseFile())
	assert.Equal(t, "initialize", written.Type())
	assert.Equal(t, "7", written.ID())
	assert.NotEmpty(t, written[FieldRequestID])

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = Dump(Message{"type": "initialize"}, written.ResponseFile())
	}()

	resp := c.Await(context.Background(), p.ResponsePath)
	assert.Equal(t, Message{"type": "initialize"}, resp)
}

func TestSendDoesNotModifyCallerMessage(t *testing.T) {
	dir := sessionDir(t)
	c := newChannel(t, 10*time.Millisecond, time.Second, 1)
	msg := Message{"type": "info", "id": "7"}
	_, err := c.Send(dir, 0, msg)
	require.NoError(t, err)
	assert.NotContains(t, msg, FieldResponseFile)
}

func TestSendMissingDir(t *testing.T) {
	c := newChannel(t, 10*time.Millisecond, time.Second, 1)
	_, err := c.Send(filepath.Join(t.TempDir(), "nope"), 0, Message{"type": "info"})
	require.ErrorContains(t, err, "sending request")

	resp := c.Exchange(context.Background(), filepath.Join(t.TempDir(), "nope"), 0, Message{"type": "info"})
	assert.True(t, resp.IsEmpty())
}

func TestAwaitTimeoutWindow(t *testing.T) {
	dir := sessionDir(t)
	poll := 100 * time.Millisecond
	timeout := 300 * time.Millisecond
	c := newChannel(t, poll, timeout, 3)

	start := time.Now()
	resp := c.Await(context.Background(), filepath.Join(dir, "g0_trial.json"))
	elapsed := time.Since(start)

	assert.NotNil(t, resp)
	assert.True(t, resp.IsEmpty())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.LessOrEqual(t, elapsed, timeout+poll)
}

func TestAwaitRetriesUntilLastAttemptParses(t *testing.T) {
	dir := sessionDir(t)
	path := filepath.Join(dir, "g1_trial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "tri`), 0644))

	c := newChannel(t, 5*time.Millisecond, time.Second, 4)
	calls := 0
	c.load = func(p string) (Message, error) {
		calls++
		if calls < c.MaxLoadAttempts {
			return Load(p)
		}
		return Message{"type": "trial", "items": []any{"a", "b"}}, nil
	}

	resp := c.Await(context.Background(), path)
	assert.Equal(t, "trial", resp.Type())
	assert.Equal(t, 4, calls)
}

func TestAwaitGivesUpOnCorruptFile(t *testing.T) {
	dir := sessionDir(t)
	path := filepath.Join(dir, "g1_trial.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0644))

	c := newChannel(t, 5*time.Millisecond, time.Second, 3)
	calls := 0
	c.load = func(p string) (Message, error) {
		calls++
		return Load(p)
	}

	resp := c.Await(context.Background(), path)
	assert.True(t, resp.IsEmpty())
	assert.Equal(t, 3, calls)
}

func TestAwaitWakesOnFileEvent(t *testing.T) {
	dir := sessionDir(t)
	path := filepath.Join(dir, "g0_info.json")
	c := newChannel(t, 10*time.Second, 20*time.Second, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = Dump(Message{"type": "info", "message": "hi"}, path)
	}()

	start := time.Now()
	resp := c.Await(context.Background(), path)
	assert.Equal(t, "hi", resp["message"])
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAwaitContextCanceled(t *testing.T) {
	dir := sessionDir(t)
	c := newChannel(t, 10*time.Millisecond, 10*time.Second, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	resp := c.Await(ctx, filepath.Join(dir, "g0_info.json"))
	assert.True(t, resp.IsEmpty())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	for _, content := range []string{``, `{"a":`, `null`, `[1, 2]`} {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		_, err = Load(path)
		var parseErr *ParseError
		require.True(t, errors.As(err, &parseErr), "content %q", content)
		assert.Equal(t, path, parseErr.Path)
	}
}

func TestDumpWritesIndentedJSONInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c0_info.json")
	require.NoError(t, Dump(Message{"type": "info", "id": "7"}, path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "{\n  \""))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestExchangeWithFakeWorker(t *testing.T) {
	dir := sessionDir(t)
	c := newChannel(t, 10*time.Millisecond, 5*time.Second, 3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reqPath, _ := RequestPaths(dir, 2, TypeAnswer)
		for i := 0; i < 500; i++ {
			req, err := Load(reqPath)
			if err == nil {
				_ = Dump(Message{"type": "trial", "echo": req["answer"]}, req.ResponseFile())
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	resp := c.Exchange(context.Background(), dir, 2, Message{"type": "answer", "id": "7", "answer": "1"})
	<-done
	assert.Equal(t, Message{"type": "trial", "echo": "1"}, resp)
}

func TestMessageAccessors(t *testing.T) {
	m := Message{"type": "answer", "id": float64(7)}
	assert.Equal(t, "answer", m.Type())
	assert.Equal(t, "7", m.ID())
	assert.Equal(t, "", Message{}.Type())
	assert.True(t, ValidType("abort"))
	assert.False(t, ValidType("login"))
	assert.True(t, Empty().IsEmpty())
}
