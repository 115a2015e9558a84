package main

import (
	"context"
	"fmt"

	"github.com/psylab/gustavio/channel"
	"go.uber.org/zap"
)

const (
	startFreq1 = 1000
	startFreq2 = 1200
	freqStep   = 200
)

// experiment is a two-interval forced choice demo: every correct answer raises both tones, every wrong one lowers them.
// It ends itself after maxTrials answers.
type experiment struct {
	log       *zap.SugaredLogger
	id        string
	maxTrials int

	trial int
	freq1 int
	freq2 int
}

func newExperiment(id string, maxTrials int, log *zap.SugaredLogger) *experiment {
	e := &experiment{log: log, id: id, maxTrials: maxTrials}
	e.reset()
	return e
}

func (e *experiment) reset() {
	e.trial = 0
	e.freq1 = startFreq1
	e.freq2 = startFreq2
}

func (e *experiment) Handle(ctx context.Context, req channel.Message) channel.Message {
	var resp channel.Message
	switch req.Type() {
	case channel.TypeInitialize:
		e.reset()
		resp = e.style()
	case channel.TypeTrial:
		resp = e.presentation()
	case channel.TypeAnswer:
		resp = e.answer(req)
	case channel.TypeInfo:
		resp = channel.Message{"type": "info", "message": "n-AFC Experiment | Quiet Thresholds"}
	case channel.TypeStop:
		resp = e.stop()
	case channel.TypeAbort:
		e.reset()
		resp = channel.Message{"type": "abort", "message": "Experiment has been aborted."}
	default:
		e.log.Warnw("unsupported request", "Type", req.Type())
		return channel.Empty()
	}
	e.log.Infow("handled request", "Type", req.Type(), "Trial", e.trial, "Freq1", e.freq1, "Freq2", e.freq2)
	return resp
}

func (e *experiment) style() channel.Message {
	return channel.Message{
		"type":            "initialize",
		"title":           "Psylab n-AFC Experiment",
		"upper_left_text": "Psylab n-AFC Experiment | Quiet Thresholds",
		"prompt1":         "Press space to listen",
		"prompt2":         "Select a sound (press 1 or 2)",
	}
}

func (e *experiment) answer(req channel.Message) channel.Message {
	e.trial++
	if e.trial >= e.maxTrials {
		return e.stop()
	}
	if answer, ok := req["answer"]; ok {
		if fmt.Sprint(answer) == "1" {
			e.freq1 += freqStep
			e.freq2 += freqStep
		} else {
			e.freq1 -= freqStep
			e.freq2 -= freqStep
		}
	}
	return e.presentation()
}

func (e *experiment) presentation() channel.Message {
	items := []map[string]any{
		{"name": 1, "id": 1, "freq": e.freq1},
		{"name": 2, "id": 2, "freq": e.freq2},
	}
	return channel.Message{
		"type":             "trial",
		"lower_left_text":  fmt.Sprintf("Trial: %d", e.trial),
		"lower_right_text": fmt.Sprintf("Session ID: %s", e.id),
		"upper_left_text":  "Psylab n-AFC Experiment | Quiet Thresholds",
		"items":            items,
		"prompt1":          "Press space to listen",
		"prompt2":          "Select a sound (press 1 or 2)",
		"answer":           1,
		"delay":            500,
		"next_delay":       2000,
	}
}

func (e *experiment) stop() channel.Message {
	return channel.Message{"type": "stop", "message": "Experiment completed, thank you for participating"}
}
