package transport

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Defaults for connection addressing. The launch timeout is deliberately long:
// launching the peer application may involve manual interactive steps such as
// a two-factor login.
const (
	DefaultPort          = 4001
	DefaultPortOffset    = 1
	DefaultDialTimeout   = 2 * time.Second
	DefaultProbeTimeout  = 500 * time.Millisecond
	DefaultLaunchTimeout = 120 * time.Second
)

// Config holds connection addressing inputs. The core consumes these; it does
// not own them: discovering installation paths and building the spawn/launch
// command lines is the caller's job.
type Config struct {
	// Host enables direct socket dialing when non-empty.
	Host string
	// Port is the primary peer port.
	Port int
	// PortOffset derives a secondary candidate port from the primary one.
	PortOffset int
	// CandidatePorts overrides the derived candidate list for local probing.
	CandidatePorts []int
	// NoLaunch disables the auto-launch fallback.
	NoLaunch bool
	// LaunchTimeout bounds the post-launch port-polling loop.
	LaunchTimeout time.Duration
	// DialTimeout bounds a single socket dial attempt.
	DialTimeout time.Duration
	// ProbeTimeout bounds a single local-port probe.
	ProbeTimeout time.Duration

	// SpawnCommand builds the subprocess command for pipe mode: a standalone
	// peer client bound to the given local port, speaking the line protocol on
	// its standard streams.
	SpawnCommand func(port int) *exec.Cmd
	// LaunchCommand builds the one-shot helper that starts the peer
	// application itself.
	LaunchCommand func() *exec.Cmd

	// Logger receives transport state transitions.
	Logger zerolog.Logger
}

// DefaultConfig returns a config populated from environment variables or
// defaults.
//
// Environment variables:
//   - GRIDSHELL_HOST: host for direct socket dialing (default: none)
//   - GRIDSHELL_PORT: primary peer port (default: 4001)
//   - GRIDSHELL_PORT_OFFSET: secondary-port offset (default: 1)
//   - GRIDSHELL_NO_LAUNCH: "1"/"true" disables auto-launch
func DefaultConfig() Config {
	cfg := Config{
		Host:          os.Getenv("GRIDSHELL_HOST"),
		Port:          DefaultPort,
		PortOffset:    DefaultPortOffset,
		LaunchTimeout: DefaultLaunchTimeout,
		DialTimeout:   DefaultDialTimeout,
		ProbeTimeout:  DefaultProbeTimeout,
		Logger:        zerolog.Nop(),
	}
	if port, err := strconv.Atoi(os.Getenv("GRIDSHELL_PORT")); err == nil && port > 0 {
		cfg.Port = port
	}
	if offset, err := strconv.Atoi(os.Getenv("GRIDSHELL_PORT_OFFSET")); err == nil && offset > 0 {
		cfg.PortOffset = offset
	}
	if v := os.Getenv("GRIDSHELL_NO_LAUNCH"); v == "1" || v == "true" {
		cfg.NoLaunch = true
	}
	return cfg
}

// fileConfig is the YAML representation of the addressing inputs. Durations
// are expressed in seconds.
type fileConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	PortOffset           int    `yaml:"port_offset"`
	CandidatePorts       []int  `yaml:"candidate_ports"`
	NoLaunch             bool   `yaml:"no_launch"`
	LaunchTimeoutSeconds int    `yaml:"launch_timeout_seconds"`
	DialTimeoutSeconds   int    `yaml:"dial_timeout_seconds"`
}

// LoadConfig reads a YAML config file layered over DefaultConfig. Zero-valued
// file fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if file.Host != "" {
		cfg.Host = file.Host
	}
	if file.Port > 0 {
		cfg.Port = file.Port
	}
	if file.PortOffset > 0 {
		cfg.PortOffset = file.PortOffset
	}
	if len(file.CandidatePorts) > 0 {
		cfg.CandidatePorts = file.CandidatePorts
	}
	if file.NoLaunch {
		cfg.NoLaunch = true
	}
	if file.LaunchTimeoutSeconds > 0 {
		cfg.LaunchTimeout = time.Duration(file.LaunchTimeoutSeconds) * time.Second
	}
	if file.DialTimeoutSeconds > 0 {
		cfg.DialTimeout = time.Duration(file.DialTimeoutSeconds) * time.Second
	}
	return cfg, nil
}

// Option is a functional option for configuring a connection.
type Option func(*Config)

// WithHost sets the host for direct socket dialing.
func WithHost(host string) Option {
	return func(c *Config) { c.Host = host }
}

// WithPort sets the primary peer port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithPortOffset sets the secondary-port offset.
func WithPortOffset(offset int) Option {
	return func(c *Config) { c.PortOffset = offset }
}

// WithCandidatePorts overrides the candidate port list for local probing.
func WithCandidatePorts(ports ...int) Option {
	return func(c *Config) { c.CandidatePorts = ports }
}

// WithNoLaunch disables the auto-launch fallback.
func WithNoLaunch() Option {
	return func(c *Config) { c.NoLaunch = true }
}

// WithLaunchTimeout bounds the post-launch port-polling loop.
func WithLaunchTimeout(d time.Duration) Option {
	return func(c *Config) { c.LaunchTimeout = d }
}

// WithSpawnCommand sets the pipe-mode subprocess command builder.
func WithSpawnCommand(build func(port int) *exec.Cmd) Option {
	return func(c *Config) { c.SpawnCommand = build }
}

// WithLaunchCommand sets the one-shot peer application launcher.
func WithLaunchCommand(build func() *exec.Cmd) Option {
	return func(c *Config) { c.LaunchCommand = build }
}

// WithLogger sets the transport logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// Apply returns a copy of the config with the options applied.
func (c Config) Apply(opts ...Option) Config {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// candidatePorts returns the ports probed for an already-running local peer:
// the configured list, or the primary port plus its offset-derived secondary.
func (c Config) candidatePorts() []int {
	if len(c.CandidatePorts) > 0 {
		return c.CandidatePorts
	}
	return []int{c.Port, c.Port + c.PortOffset}
}
