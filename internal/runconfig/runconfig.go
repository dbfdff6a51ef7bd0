// Package runconfig loads a run's static configuration — which
// processors to stand up, whether to serve the observer surface, and
// which scenario to submit as the entrypoint — from a TOML file, the way
// timewinder's model.LoadSpecFromFile resolves a run spec before building
// an Executor.
package runconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultHaltTimeout is used when a run file doesn't set run.halt_timeout.
const DefaultHaltTimeout = 30 * time.Second

// Config is the top-level shape of a taskgrid run file.
type Config struct {
	Run        RunDetails          `toml:""`
	Processors map[string]ProcSpec `toml:",omitempty"`
	Observer   ObserverSpec        `toml:",omitempty"`
	Log        LogSpec             `toml:",omitempty"`
}

// RunDetails names the entrypoint thunk source and any options that apply
// to the run as a whole.
type RunDetails struct {
	// Entrypoint is a Go plugin-style identifier the cmd layer resolves
	// against its own function registry (cmd/taskgrid's demos map) to
	// pick which thunk source to submit; taskgrid's core has no dynamic
	// code loading of its own (see SPEC_FULL.md's non-goals). It is
	// passed through verbatim, not resolved as a filesystem path — an
	// explicit --demo flag on the CLI still takes precedence over it.
	Entrypoint string `toml:",omitempty"`
	// HaltTimeout bounds how long a run is allowed to take before the CLI
	// gives up and cancels its context, expressed as a parseable Go
	// duration string (e.g. "30s", "5m"). Left blank, it defaults to
	// DefaultHaltTimeout. This is distinct from the control plane's
	// cooperative halt!() — it's the outer, CLI-level deadline a run
	// never cooperates with, the way a context timeout never does.
	HaltTimeout string `toml:",omitempty"`
}

// ProcSpec describes one processor to register before the run starts.
type ProcSpec struct {
	Kind   string `toml:""`
	ID     string `toml:",omitempty"`
	Parent string `toml:",omitempty"`
	// Count spawns N processors of this kind/id-prefix rather than one;
	// zero means exactly one, with ID used verbatim.
	Count int `toml:",omitempty"`
}

// ObserverSpec configures the optional HTTP observer surface.
type ObserverSpec struct {
	Enabled bool   `toml:",omitempty"`
	Addr    string `toml:",omitempty"`
}

// LogSpec configures structured logging. Either field may be left blank in
// the run file and overridden per-invocation by the CLI's --log-level /
// --log-format flags; the flags take precedence whenever the user actually
// passes them.
type LogSpec struct {
	// Level is one of "debug", "info", "warn", "error". Blank means "info".
	Level string `toml:",omitempty"`
	// Format is "text" or "json". Blank means "text".
	Format string `toml:",omitempty"`
}

// Load reads and decodes path, filling in defaults for fields the run file
// left blank.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("runconfig: opening %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("runconfig: decoding %s: %w", path, err)
	}

	if cfg.Observer.Enabled && cfg.Observer.Addr == "" {
		cfg.Observer.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	return &cfg, nil
}

// HaltTimeout parses Run.HaltTimeout, defaulting to DefaultHaltTimeout when
// the run file left it blank.
func (c *Config) HaltTimeout() (time.Duration, error) {
	if c.Run.HaltTimeout == "" {
		return DefaultHaltTimeout, nil
	}
	d, err := time.ParseDuration(c.Run.HaltTimeout)
	if err != nil {
		return 0, fmt.Errorf("runconfig: parsing run.halt_timeout %q: %w", c.Run.HaltTimeout, err)
	}
	return d, nil
}
