// Package config resolves bridge settings from defaults, a YAML file, the
// environment and command line flags, in that order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCommand and DefaultArgs start the reference filesystem MCP server.
var (
	DefaultCommand = "node"
	DefaultArgs    = []string{"node_modules/.bin/mcp-server-filesystem", "."}
)

// BridgeConfig holds configuration for the stdiorpc bridge.
type BridgeConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Dir            string        `yaml:"dir"`
	Env            []string      `yaml:"env"`
	PublicDir      string        `yaml:"public_dir"`
	APIKey         string        `yaml:"api_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	MaxInflight    int           `yaml:"max_inflight"`
	MaxFrameBytes  int           `yaml:"max_frame_bytes"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	Restart        bool          `yaml:"restart"`
	KillOnTimeout  bool          `yaml:"kill_on_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	RedisAddr      string        `yaml:"redis_addr"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.PublicDir == "" {
		c.PublicDir = "public"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = 64
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 16 << 20
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 4 << 20
	}
	c.Restart = true
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("CHILD_COMMAND", ""); v != "" {
		c.Command = v
	}
	if v := getEnv("CHILD_ARGS", ""); v != "" {
		c.Args = strings.Fields(v)
	}
	if v := getEnv("CHILD_DIR", ""); v != "" {
		c.Dir = v
	}
	if v := getEnv("CHILD_ENV", ""); v != "" {
		c.Env = splitComma(v)
	}
	if v := getEnv("PUBLIC_DIR", ""); v != "" {
		c.PublicDir = v
	}
	if v := getEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := getEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := getEnv("STOP_GRACE", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.StopGrace = d
		}
	}
	if v := getEnv("MAX_INFLIGHT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxInflight = n
		}
	}
	if v := getEnv("MAX_FRAME_BYTES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxFrameBytes = n
		}
	}
	if v := getEnv("MAX_BODY_BYTES", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxBodyBytes = n
		}
	}
	if v := getEnv("RESTART", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Restart = b
		}
	}
	if v := getEnv("KILL_ON_TIMEOUT", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.KillOnTimeout = b
		}
	}
	if v := getEnv("PROBE_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ProbeInterval = d
		}
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *BridgeConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; empty serves /metrics on --port")
	fs.StringVar(&c.Command, "command", c.Command, "child executable; positional arguments after the flags override it")
	fs.Func("args", "space separated child arguments", func(v string) error {
		c.Args = strings.Fields(v)
		return nil
	})
	fs.StringVar(&c.Dir, "dir", c.Dir, "child working directory")
	fs.Func("env", "comma separated child environment allowlist (KEY or KEY=value)", func(v string) error {
		c.Env = splitComma(v)
		return nil
	})
	fs.StringVar(&c.PublicDir, "public-dir", c.PublicDir, "directory served on /")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key required for HTTP requests; leave empty to disable auth")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.Func("request-timeout", "seconds to wait for a child response", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.DurationVar(&c.StopGrace, "stop-grace", c.StopGrace, "time the child gets after stdin closes and after SIGTERM")
	fs.IntVar(&c.MaxInflight, "max-inflight", c.MaxInflight, "maximum concurrent exchanges before rejecting with 429")
	fs.IntVar(&c.MaxFrameBytes, "max-frame-bytes", c.MaxFrameBytes, "maximum size of one child output line")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "maximum HTTP request body size")
	fs.BoolVar(&c.Restart, "restart", c.Restart, "respawn the child when it exits")
	fs.BoolVar(&c.KillOnTimeout, "kill-on-timeout", c.KillOnTimeout, "kill the child when an exchange times out")
	fs.DurationVar(&c.ProbeInterval, "probe-interval", c.ProbeInterval, "interval between ping probes; 0 disables probing")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for bridge state")
}

// ApplyArgs uses positional arguments as the child command line.
func (c *BridgeConfig) ApplyArgs(rest []string) {
	if len(rest) == 0 {
		return
	}
	c.Command = rest[0]
	c.Args = append([]string(nil), rest[1:]...)
}

// ChildCommand returns the configured command line, falling back to the
// default filesystem server.
func (c *BridgeConfig) ChildCommand() (string, []string) {
	if c.Command == "" {
		return DefaultCommand, append([]string(nil), DefaultArgs...)
	}
	return c.Command, append([]string(nil), c.Args...)
}

// ListenAddr is the address of the public API.
func (c *BridgeConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SeparateMetrics reports whether /metrics has its own listener.
func (c *BridgeConfig) SeparateMetrics() bool {
	return c.MetricsAddr != "" && c.MetricsAddr != c.ListenAddr()
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
