package main

import (
	"context"
	"testing"

	"github.com/psylab/gustavio/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExperimentRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	e := newExperiment("7", 3, zaptest.NewLogger(t).Sugar())

	resp := e.Handle(ctx, channel.Message{"type": "initialize", "id": "7"})
	assert.Equal(t, "initialize", resp.Type())

	resp = e.Handle(ctx, channel.Message{"type": "trial", "id": "7"})
	require.Equal(t, "trial", resp.Type())
	assert.Equal(t, "Trial: 0", resp["lower_left_text"])
	assert.Equal(t, "Session ID: 7", resp["lower_right_text"])

	resp = e.Handle(ctx, channel.Message{"type": "answer", "id": "7", "answer": "1"})
	require.Equal(t, "trial", resp.Type())
	assert.Equal(t, "Trial: 1", resp["lower_left_text"])
	assert.Equal(t, startFreq1+freqStep, e.freq1)

	resp = e.Handle(ctx, channel.Message{"type": "answer", "id": "7", "answer": "2"})
	require.Equal(t, "trial", resp.Type())
	assert.Equal(t, startFreq1, e.freq1)
	assert.Equal(t, startFreq2, e.freq2)

	resp = e.Handle(ctx, channel.Message{"type": "answer", "id": "7", "answer": "1"})
	assert.Equal(t, "stop", resp.Type())
	assert.Equal(t, "Experiment completed, thank you for participating", resp["message"])
}

func TestExperimentAbortResets(t *testing.T) {
	ctx := context.Background()
	e := newExperiment("7", 5, zaptest.NewLogger(t).Sugar())

	e.Handle(ctx, channel.Message{"type": "answer", "id": "7", "answer": "1"})
	require.Equal(t, 1, e.trial)

	resp := e.Handle(ctx, channel.Message{"type": "abort", "id": "7"})
	assert.Equal(t, "abort", resp.Type())
	assert.Equal(t, 0, e.trial)
	assert.Equal(t, startFreq1, e.freq1)

	resp = e.Handle(ctx, channel.Message{"type": "info", "id": "7"})
	assert.Equal(t, "info", resp.Type())

	assert.True(t, e.Handle(ctx, channel.Message{"type": "login"}).IsEmpty())
}
