package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/psylab/gustavio/agent"
	"github.com/psylab/gustavio/channel"
	"github.com/psylab/gustavio/config"
	"github.com/psylab/gustavio/controller"
	"github.com/psylab/gustavio/internal/files"
	inet "github.com/psylab/gustavio/internal/net"
	"github.com/psylab/gustavio/ports"
	"github.com/psylab/gustavio/registry"
	"github.com/psylab/gustavio/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const defaultConfigName = "gustavio.yaml"

func main() {
	app := &cli.App{
		Name:  "gustavio",
		Usage: "run experiment workers for remote subjects, one controller per port",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   fmt.Sprintf("YAML config file. Defaults to the nearest %s in the working directory or its parents.", defaultConfigName),
				EnvVars: []string{"GUSTAVIO_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:    "registry",
				Usage:   "Path of the shared registry file.",
				EnvVars: []string{"GUSTAVIO_REGISTRY"},
			},
			&cli.StringFlag{
				Name:    "root",
				Usage:   "Directory holding the session directories.",
				EnvVars: []string{"GUSTAVIO_ROOT"},
			},
			&cli.IntFlag{
				Name:  "base-port",
				Usage: "The hub's port, the lowest port of the range.",
			},
			&cli.IntFlag{
				Name:  "max-ports",
				Usage: "Number of ports in the range.",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "host:port of a running controller. Commands that can run locally use it instead when set.",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			{
				Name:   "status",
				Usage:  "show the status of every registered port and the live subjects",
				Action: status,
			},
			{
				Name:   "reconcile",
				Usage:  "drop registry entries whose processes are gone",
				Action: reconcile,
			},
			{
				Name:      "kill",
				Usage:     "kill a worker process and remove it from the registry",
				ArgsUsage: "<pid>",
				Action:    kill,
			},
			{
				Name:   "assign",
				Usage:  "ask the hub for a free port (requires --addr)",
				Action: assign,
			},
			{
				Name:   "experiments",
				Usage:  "list the experiments offered by a controller (requires --addr)",
				Action: experiments,
			},
			requestCommand(),
			logsCommand(),
			eventsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a controller instance and its HTTP agent",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "The port this instance serves and registers under.",
				EnvVars: []string{"GUSTAVIO_PORT"},
			},
			&cli.StringFlag{
				Name:  "listen-host",
				Usage: "The host for the HTTP server to listen on.",
				Value: "0.0.0.0",
			},
			&cli.StringFlag{
				Name:  "script-dir",
				Usage: "Working directory of spawned workers.",
			},
			&cli.StringFlag{
				Name:  "script",
				Usage: "Default worker script, relative to the script dir.",
			},
			&cli.StringSliceFlag{
				Name:  "interpreter",
				Usage: "Command that runs the worker script. Pass it once with an empty value to run scripts directly.",
			},
			&cli.StringFlag{
				Name:  "public-url",
				Usage: "URL prefix handed out with assigned ports.",
			},
			&cli.DurationFlag{
				Name:  "max-timeout",
				Usage: "How long to wait for a worker response.",
			},
			&cli.DurationFlag{
				Name:  "warmup",
				Usage: "How long to wait after spawning a worker.",
			},
			&cli.StringFlag{
				Name:  "process-name",
				Usage: "Only processes whose name contains this are considered alive during reconciliation.",
			},
		},
		Action: serve,
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(lvl))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// loadConfig reads the config file and applies the flags that were set on top of it.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	if path == "" {
		found, err := files.FindUp(defaultConfigName, ".")
		if err != nil {
			return config.Config{}, fmt.Errorf("looking for %s: %w", defaultConfigName, err)
		}
		path = found
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if c.IsSet("registry") {
		cfg.Registry = c.String("registry")
	}
	if c.IsSet("root") {
		cfg.Root = c.String("root")
	}
	if c.IsSet("base-port") {
		cfg.BasePort = c.Int("base-port")
	}
	if c.IsSet("max-ports") {
		cfg.MaxPorts = c.Int("max-ports")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	} else if !cfg.InRange(cfg.Port) {
		cfg.Port = cfg.BasePort
	}
	if c.IsSet("script-dir") {
		cfg.ScriptDir = c.String("script-dir")
	}
	if c.IsSet("script") {
		cfg.Script = c.String("script")
	}
	if c.IsSet("interpreter") {
		var interpreter []string
		for _, s := range c.StringSlice("interpreter") {
			if s != "" {
				interpreter = append(interpreter, s)
			}
		}
		cfg.Interpreter = interpreter
	}
	if c.IsSet("public-url") {
		cfg.PublicURL = c.String("public-url")
	}
	if c.IsSet("max-timeout") {
		cfg.MaxTimeout = c.Duration("max-timeout")
	}
	if c.IsSet("warmup") {
		cfg.Warmup = c.Duration("warmup")
	}
	if c.IsSet("process-name") {
		cfg.ProcessName = c.String("process-name")
	}
	return cfg, cfg.Validate()
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	host := c.String("listen-host")
	if err := inet.CheckTCPPortFree(host, cfg.Port); err != nil {
		return err
	}

	ctrl, err := controller.New(cfg, controller.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("building controller: %w", err)
	}
	a, err := agent.New(ctrl,
		agent.WithListenAddr(net.JoinHostPort(host, strconv.Itoa(cfg.Port))),
		agent.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(a.Run)
	group.Go(func() error { return ctrl.Run(groupCtx) })
	group.Go(func() error {
		<-groupCtx.Done()
		return a.Stop()
	})
	err = group.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := ctrl.Close(closeCtx); closeErr != nil {
		logger.Sugar().Warnw("shutting down workers", "Error", closeErr)
	}
	return err
}

// client returns a client for --addr, or nil if it was not given.
func client(c *cli.Context, logger *zap.Logger) (*agent.Client, error) {
	addr := c.String("addr")
	if addr == "" {
		return nil, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing --addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing --addr port: %w", err)
	}
	return agent.NewClient(logger.Sugar(), host, port), nil
}

func requireClient(c *cli.Context, logger *zap.Logger) (*agent.Client, error) {
	cl, err := client(c, logger)
	if err != nil {
		return nil, err
	}
	if cl == nil {
		return nil, fmt.Errorf("%s requires --addr", c.Command.Name)
	}
	return cl, nil
}

// observer opens the registry without registering this process under any port.
func observer(cfg config.Config, logger *zap.Logger) *registry.Store {
	return registry.NewStore(cfg.Registry, 0, 0, logger.Sugar())
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printStatus(infos []ports.Info, subjects []registry.Subject) {
	for _, info := range infos {
		fmt.Printf("%s\tPID: %d\n", info, info.PID)
	}
	if len(subjects) == 0 {
		return
	}
	fmt.Println()
	for _, s := range subjects {
		fmt.Printf("%s\tport %d\tpid %d\t%s\t%s\n", s.SID, s.Port, s.PID, s.Time, s.Script)
	}
}

func status(c *cli.Context) error {
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	cl, err := client(c, logger)
	if err != nil {
		return err
	}
	if cl != nil {
		infos, err := cl.Ports(c.Context)
		if err != nil {
			return err
		}
		printStatus(infos, nil)
		return nil
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := observer(cfg, logger).Load()
	if err != nil {
		return err
	}
	live := supervisor.LiveProcesses(c.Context, cfg.ProcessName, supervisor.DefaultStatuses)
	allocator := ports.Allocator{BasePort: cfg.BasePort, MaxPorts: cfg.MaxPorts}
	var subjects []registry.Subject
	for _, s := range reg.Subjects {
		if live[s.PID] {
			subjects = append(subjects, s)
		}
	}
	printStatus(allocator.Statuses(reg, live), subjects)
	return nil
}

func reconcile(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	store := observer(cfg, logger)
	before, err := store.Load()
	if err != nil {
		return err
	}
	after, err := store.Reconcile(supervisor.LiveProcesses(c.Context, cfg.ProcessName, supervisor.DefaultStatuses))
	if err != nil {
		return err
	}
	fmt.Printf("ports: %d -> %d, subjects: %d -> %d\n", len(before.Ports), len(after.Ports), len(before.Subjects), len(after.Subjects))
	return nil
}

func kill(c *cli.Context) error {
	pid, err := strconv.Atoi(c.Args().First())
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid %q", c.Args().First())
	}
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	cl, err := client(c, logger)
	if err != nil {
		return err
	}

	var killed bool
	if cl != nil {
		killed, err = cl.Kill(c.Context, pid)
		if err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		killed = supervisor.New(cfg, observer(cfg, logger), logger.Sugar()).KillPID(c.Context, pid)
	}
	if !killed {
		return cli.Exit(fmt.Sprintf("unable to confirm pid %d was killed", pid), 1)
	}
	fmt.Printf("killed %d\n", pid)
	return nil
}

func assign(c *cli.Context) error {
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	cl, err := requireClient(c, logger)
	if err != nil {
		return err
	}
	assignment, err := cl.Assign(c.Context)
	if err != nil {
		return err
	}
	fmt.Println(assignment.URL)
	return nil
}

func experiments(c *cli.Context) error {
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	cl, err := requireClient(c, logger)
	if err != nil {
		return err
	}
	exps, err := cl.Experiments(c.Context)
	if err != nil {
		return err
	}
	return printJSON(exps)
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:  "request",
		Usage: "send one client action to a controller and print the response (requires --addr)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "type",
				Usage:    "One of [initialize,trial,answer,abort,stop,info].",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "id",
				Usage:    "The subject session id.",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "field",
				Usage: "Extra key=value fields.",
			},
		},
		Action: func(c *cli.Context) error {
			msgType := c.String("type")
			if !channel.ValidType(msgType) {
				return fmt.Errorf("unsupported type %q", msgType)
			}
			msg := channel.Message{"type": msgType, "id": c.String("id")}
			for _, f := range c.StringSlice("field") {
				k, v, ok := strings.Cut(f, "=")
				if !ok || k == "" {
					return fmt.Errorf("malformed field %q, want key=value", f)
				}
				msg[k] = v
			}

			logger, err := buildLogger(c.String("log-level"))
			if err != nil {
				return err
			}
			cl, err := requireClient(c, logger)
			if err != nil {
				return err
			}
			resp, err := cl.Request(c.Context, msg)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func logsCommand() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "print a session's worker output (requires --addr)",
		ArgsUsage: "<session id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Keep printing new output until interrupted.",
			},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return fmt.Errorf("missing session id")
			}
			logger, err := buildLogger(c.String("log-level"))
			if err != nil {
				return err
			}
			cl, err := requireClient(c, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cl.StreamLog(ctx, id, c.Bool("follow"), os.Stdout)
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "follow handled requests and kills as they happen (requires --addr)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "Only follow this session.",
			},
			&cli.StringFlag{
				Name:  "since",
				Usage: "Replay events after this event id first.",
			},
		},
		Action: func(c *cli.Context) error {
			logger, err := buildLogger(c.String("log-level"))
			if err != nil {
				return err
			}
			cl, err := requireClient(c, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cl.Events(ctx, c.String("session"), c.String("since"), func(ev agent.Event) error {
				b, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				return nil
			})
		},
	}
}
