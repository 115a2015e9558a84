package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/psylab/gustavio/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "gustavio-worker",
		Usage: "a demo experiment worker that answers requests in its session directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "session",
				Aliases:  []string{"s"},
				Usage:    "The session token, <id>:<port>.",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "root",
				Usage:   "Directory holding the session directories, used when no session dir is given by the controller.",
				Value:   filepath.Join("static", "exp"),
				EnvVars: []string{worker.EnvRoot},
			},
			&cli.IntFlag{
				Name:  "max-trials",
				Usage: "Answers after which the experiment stops itself.",
				Value: 5,
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often to look for requests when no file event arrives.",
				Value: 100 * time.Millisecond,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(c *cli.Context) error {
			id, port, err := worker.ParseToken(c.String("session"))
			if err != nil {
				return err
			}
			if c.Int("max-trials") < 1 {
				return fmt.Errorf("max-trials must be at least 1")
			}
			lvl, err := zapcore.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment(zap.IncreaseLevel(lvl))
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			log := logger.Sugar().With("ID", id, "Port", port)

			dir := worker.SessionDir(id, port, c.String("root"))
			if err := os.MkdirAll(dir, 0777); err != nil {
				return fmt.Errorf("creating session dir: %w", err)
			}

			runner := worker.NewRunner(dir, newExperiment(id, c.Int("max-trials"), log.Named("experiment")), log)
			runner.PollInterval = c.Duration("poll-interval")

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Infow("worker started", "Dir", dir, "PID", os.Getpid())
			return runner.Run(ctx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
