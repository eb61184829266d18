// Package config loads service settings from flags with environment defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Platform overrides
const (
	PlatformAuto    = "auto"
	PlatformDesktop = "desktop"
	PlatformMobile  = "mobile"
)

// Config holds every tunable of the service
type Config struct {
	Port         string
	RegistryPath string
	Platform     string

	ClaimAttempts  int
	LockTimeout    time.Duration
	ReconnectMax   int
	ReconnectDelay time.Duration

	MonitorInterval  time.Duration
	ReattachInterval time.Duration
	ReattachWindow   time.Duration

	SerialBaud     int
	JobRetries     int
	DisconnectIdle bool

	Headless  bool
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load parses args (without the program name) on top of environment defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("printlink", flag.ContinueOnError)
	fs.StringVar(&cfg.Port, "port", envOrDefault("PRINTLINK_PORT", "12212"), "HTTP API port")
	fs.StringVar(&cfg.RegistryPath, "registry", envOrDefault("PRINTLINK_REGISTRY", defaultRegistryPath()), "registry file path")
	fs.StringVar(&cfg.Platform, "platform", envOrDefault("PRINTLINK_PLATFORM", PlatformAuto), "platform policy: auto, desktop or mobile")

	fs.IntVar(&cfg.ClaimAttempts, "claim-attempts", envInt("PRINTLINK_CLAIM_ATTEMPTS", 15), "interface claim attempts per connection")
	fs.DurationVar(&cfg.LockTimeout, "lock-timeout", envDuration("PRINTLINK_LOCK_TIMEOUT", 15*time.Second), "session lock wait timeout")
	fs.IntVar(&cfg.ReconnectMax, "reconnect-max", envInt("PRINTLINK_RECONNECT_MAX", 5), "automatic reconnect attempts")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", envDuration("PRINTLINK_RECONNECT_DELAY", 2*time.Second), "base reconnect delay")

	fs.DurationVar(&cfg.MonitorInterval, "monitor-interval", envDuration("PRINTLINK_MONITOR_INTERVAL", 3*time.Second), "detach poll interval")
	fs.DurationVar(&cfg.ReattachInterval, "reattach-interval", envDuration("PRINTLINK_REATTACH_INTERVAL", 2*time.Second), "reattach poll interval")
	fs.DurationVar(&cfg.ReattachWindow, "reattach-window", envDuration("PRINTLINK_REATTACH_WINDOW", 5*time.Minute), "how long to watch for reattach")

	fs.IntVar(&cfg.SerialBaud, "baud", envInt("PRINTLINK_BAUD", 9600), "serial baud rate")
	fs.IntVar(&cfg.JobRetries, "job-retries", envInt("PRINTLINK_JOB_RETRIES", 3), "print job retries")
	fs.BoolVar(&cfg.DisconnectIdle, "disconnect-idle", envBool("PRINTLINK_DISCONNECT_IDLE", false), "disconnect when the job queue drains")

	fs.BoolVar(&cfg.Headless, "headless", envBool("PRINTLINK_HEADLESS", false), "run without the terminal dashboard")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("PRINTLINK_LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", envOrDefault("PRINTLINK_LOG_FORMAT", "text"), "log format: text or json")
	fs.StringVar(&cfg.LogFile, "log-file", envOrDefault("PRINTLINK_LOG_FILE", "printlink.log"), "log file used while the dashboard is running")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("port %q out of range", c.Port)
	}
	switch c.Platform {
	case PlatformAuto, PlatformDesktop, PlatformMobile:
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	if c.ClaimAttempts < 1 {
		return fmt.Errorf("claim-attempts must be at least 1")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock-timeout must be positive")
	}
	if c.ReconnectMax < 0 {
		return fmt.Errorf("reconnect-max must not be negative")
	}
	if c.MonitorInterval <= 0 || c.ReattachInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("baud must be positive")
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("registry path is required")
	}
	return nil
}

// Mobile reports whether the mobile claim policy applies.
func (c *Config) Mobile() bool {
	switch c.Platform {
	case PlatformMobile:
		return true
	case PlatformDesktop:
		return false
	}
	return runtime.GOOS == "android"
}

// defaultRegistryPath places the registry in the user config dir, or the
// working directory when none is available.
func defaultRegistryPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "printlink", "registry.json")
	}
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, "printlink_registry.json")
	}
	return "printlink_registry.json"
}

func envOrDefault(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return d
}

func envDuration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if p, err := time.ParseDuration(v); err == nil {
			return p
		}
	}
	return d
}

func envBool(k string, d bool) bool {
	if v := os.Getenv(k); v != "" {
		return v == "1" || v == "true"
	}
	return d
}
