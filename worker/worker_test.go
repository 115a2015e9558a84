package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psylab/gustavio/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseToken(t *testing.T) {
	id, port, err := ParseToken("7:5051")
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.Equal(t, 5051, port)

	id, port, err = ParseToken("a:b:5052")
	require.NoError(t, err)
	assert.Equal(t, "a:b", id)
	assert.Equal(t, 5052, port)

	for _, bad := range []string{"", "7", ":5051", "7:", "7:port"} {
		_, _, err := ParseToken(bad)
		assert.Error(t, err, bad)
	}
}

func TestSessionDir(t *testing.T) {
	t.Setenv(EnvSessionDir, "")
	t.Setenv(EnvRoot, "")
	assert.Equal(t, filepath.Join("static/exp", "5051", "7"), SessionDir("7", 5051, "static/exp"))

	t.Setenv(EnvRoot, "/srv/exp")
	assert.Equal(t, "/srv/exp/5051/7", SessionDir("7", 5051, "static/exp"))

	t.Setenv(EnvSessionDir, "/tmp/s")
	assert.Equal(t, "/tmp/s", SessionDir("7", 5051, "static/exp"))
}

func TestRunnerAnswersRequestsInOrderAndStops(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "5051", "7")
	require.NoError(t, os.MkdirAll(dir, 0755))
	log := zaptest.NewLogger(t).Sugar()

	var got []string
	r := NewRunner(dir, HandlerFunc(func(ctx context.Context, req channel.Message) channel.Message {
		got = append(got, req.Type())
		return channel.Message{"type": channel.ResponseKind(req.Type()), "seen": len(got)}
	}), log)
	r.PollInterval = 10 * time.Millisecond

	ch := &channel.Channel{Log: log, PollInterval: 10 * time.Millisecond, MaxTimeout: 5 * time.Second, MaxLoadAttempts: 3}

	runErr := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { runErr <- r.Run(ctx) }()

	resp := ch.Exchange(ctx, dir, 0, channel.Message{"type": "initialize", "id": "7"})
	assert.Equal(t, "initialize", resp.Type())

	resp = ch.Exchange(ctx, dir, 1, channel.Message{"type": "answer", "id": "7", "answer": "1"})
	assert.Equal(t, "trial", resp.Type())
	_, err := os.Stat(filepath.Join(dir, "g1_trial.json"))
	require.NoError(t, err)

	resp = ch.Exchange(ctx, dir, 1, channel.Message{"type": "stop", "id": "7"})
	assert.Equal(t, "stop", resp.Type())

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return after stop")
	}
	assert.Equal(t, []string{"initialize", "answer", "stop"}, got)
}

func TestRunnerWritesDefaultResponsePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c2_info.json"), []byte(`{"type": "info", "id": "7"}`), 0644))

	r := NewRunner(dir, HandlerFunc(func(ctx context.Context, req channel.Message) channel.Message {
		return nil
	}), zaptest.NewLogger(t).Sugar())
	r.seen = map[string]bool{}

	done, err := r.scan(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	resp, err := channel.Load(filepath.Join(dir, "g2_info.json"))
	require.NoError(t, err)
	assert.True(t, resp.IsEmpty())

	// already answered requests are not handled twice
	reqs, err := r.pending()
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestRunnerSkipsPartialRequests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c0_initialize.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "ini`), 0644))

	calls := 0
	r := NewRunner(dir, HandlerFunc(func(ctx context.Context, req channel.Message) channel.Message {
		calls++
		return channel.Message{"type": "initialize"}
	}), zaptest.NewLogger(t).Sugar())
	r.seen = map[string]bool{}

	_, err := r.scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, calls)

	require.NoError(t, os.WriteFile(path, []byte(`{"type": "initialize"}`), 0644))
	_, err = r.scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
