package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const experimentPrefix = "gustav_exp__"

// Experiment is a worker script offered to new subjects.
type Experiment struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	// Ready is false when no port was left for this experiment; Port and URL are empty then.
	Ready bool   `json:"ready"`
	Port  int    `json:"port,omitempty"`
	URL   string `json:"url,omitempty"`
}

func experimentTitle(name string) string {
	title := strings.TrimSuffix(name, filepath.Ext(name))
	title = strings.TrimPrefix(title, experimentPrefix)
	return strings.ReplaceAll(title, "_", " ")
}

// Experiments lists the scripts in the script dir matching the experiment glob, in name order.
// Each one takes the lowest available port still unclaimed, so two experiments never share a port.
func (c *Controller) Experiments(ctx context.Context) ([]Experiment, error) {
	pattern := c.cfg.ExperimentGlob
	if pattern == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(c.cfg.ScriptDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	sort.Strings(matches)

	avail, err := c.Available(ctx)
	if err != nil {
		return nil, err
	}

	var exps []Experiment
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		name := filepath.Base(path)
		exp := Experiment{Name: name, Title: experimentTitle(name)}
		if port, err := c.Allocator.Allocate(&avail); err == nil {
			exp.Ready = true
			exp.Port = port
			exp.URL = fmt.Sprintf("%s:%d/%s", c.cfg.PublicURL, port, strings.TrimSuffix(name, filepath.Ext(name)))
		} else {
			c.Log.Debugw("no port left for experiment", "Name", name)
		}
		exps = append(exps, exp)
	}
	return exps, nil
}
