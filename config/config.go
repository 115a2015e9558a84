package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by a controller instance and the workers it spawns.
// A zero Config is not usable, start from Default.
type Config struct {
	// Port is the port this controller instance serves and registers itself under.
	Port     int `yaml:"port"`
	BasePort int `yaml:"base_port"`
	MaxPorts int `yaml:"max_ports"`

	// Root is the directory holding per-port, per-subject session directories.
	Root     string `yaml:"root"`
	Registry string `yaml:"registry"`

	// ScriptDir is the working directory for spawned workers.
	ScriptDir string `yaml:"script_dir"`
	// Script is the default worker script, relative to ScriptDir.
	Script      string   `yaml:"script"`
	Interpreter []string `yaml:"interpreter"`
	// ExperimentGlob selects the scripts in ScriptDir that are offered as experiments.
	ExperimentGlob string `yaml:"experiment_glob"`

	// ProcessName filters the OS process scan used for reconciliation. Empty matches every process.
	ProcessName string `yaml:"process_name"`

	Warmup            time.Duration `yaml:"warmup"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxTimeout        time.Duration `yaml:"max_timeout"`
	MaxLoadAttempts   int           `yaml:"max_load_attempts"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// PublicURL prefixes the URLs handed out for assigned ports.
	PublicURL string `yaml:"public_url"`
}

func Default() Config {
	return Config{
		Port:              5050,
		BasePort:          5050,
		MaxPorts:          10,
		Root:              filepath.Join("static", "exp"),
		Registry:          "running.json",
		ScriptDir:         ".",
		Interpreter:       []string{"python", "-u"},
		ExperimentGlob:    "gustav_exp__*",
		Warmup:            3 * time.Second,
		KillGrace:         2 * time.Second,
		PollInterval:      100 * time.Millisecond,
		MaxTimeout:        20 * time.Second,
		MaxLoadAttempts:   3,
		ReconcileInterval: 30 * time.Second,
		PublicURL:         "http://0.0.0.0",
	}
}

// Load reads a YAML config file on top of Default.
// A missing file is not an error, the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.BasePort < 1 || c.BasePort > 65535 {
		return errors.New("base_port must be between 1 and 65535")
	}
	if c.MaxPorts < 1 || c.BasePort+c.MaxPorts-1 > 65535 {
		return fmt.Errorf("max_ports %d does not fit above base_port %d", c.MaxPorts, c.BasePort)
	}
	if !c.InRange(c.Port) {
		return fmt.Errorf("port %d outside [%d, %d)", c.Port, c.BasePort, c.BasePort+c.MaxPorts)
	}
	if c.Root == "" {
		return errors.New("root must be set")
	}
	if c.Registry == "" {
		return errors.New("registry must be set")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.MaxTimeout < 0 {
		return errors.New("max_timeout must not be negative")
	}
	if c.MaxLoadAttempts < 1 {
		return errors.New("max_load_attempts must be at least 1")
	}
	return nil
}

// InRange reports whether port lies in [BasePort, BasePort+MaxPorts).
func (c Config) InRange(port int) bool {
	return port >= c.BasePort && port < c.BasePort+c.MaxPorts
}
