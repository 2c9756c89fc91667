// Package config loads the bridge's YAML configuration file and applies defaults,
// playing the role the core spec names only as an external collaborator (§6).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults match the Configuration collaborator's contract in §6/§9.
const (
	DefaultBatchTimeoutMS    = 5_000
	DefaultSessionTimeoutMS  = 3_600_000
	DefaultCorrelationMS     = 30_000
	DefaultMaxSessions       = 100
	DefaultMaxRestartAttempt = 3
	DefaultRestartDelayMS    = 1_000
	DefaultShutdownDrainMS   = 5_000
	DefaultListenAddr        = ":8080"
)

// ServerConfig describes one MCP subprocess the bridge supervises, per §3's
// ServerConfig data model entry.
type ServerConfig struct {
	Name     string            `yaml:"name"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Dir      string            `yaml:"dir"`
	Endpoint string            `yaml:"endpoint"`
}

// EndpointPath returns the configured endpoint, defaulting to "/<name>".
func (c ServerConfig) EndpointPath() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return "/" + c.Name
}

// CORSConfig carries the CORS policy described in §6.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// AuthConfig carries the optional bearer-token policy described in §6.
type AuthConfig struct {
	Enabled     bool     `yaml:"enabled"`
	AllowTokens []string `yaml:"allowTokens"`
}

// Config is the decoded, defaulted configuration for one bridge process.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`

	SessionTimeoutMS   int64 `yaml:"sessionTimeoutMs"`
	BatchTimeoutMS     int64 `yaml:"batchTimeoutMs"`
	CorrelationMS      int64 `yaml:"correlationTimeoutMs"`
	MaxSessions        int   `yaml:"maxSessions"`
	MaxRestartAttempts int   `yaml:"maxRestartAttempts"`
	RestartDelayMS     int64 `yaml:"restartDelayMs"`
	ShutdownDrainMS    int64 `yaml:"shutdownDrainMs"`

	CORS CORSConfig `yaml:"cors"`
	Auth AuthConfig `yaml:"auth"`

	LogLevel string `yaml:"logLevel"`

	Servers []ServerConfig `yaml:"servers"`
}

// SessionTimeout, BatchTimeout, CorrelationTimeout, RestartDelay, and ShutdownDrain
// convert the configured millisecond fields to time.Duration for callers.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMS) * time.Millisecond
}

func (c Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMS) * time.Millisecond
}

func (c Config) CorrelationTimeout() time.Duration {
	return time.Duration(c.CorrelationMS) * time.Millisecond
}

func (c Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMS) * time.Millisecond
}

func (c Config) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainMS) * time.Millisecond
}

// Load reads and decodes a YAML configuration file at path, then applies defaults.
func Load(path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(bs, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.SessionTimeoutMS == 0 {
		c.SessionTimeoutMS = DefaultSessionTimeoutMS
	}
	if c.BatchTimeoutMS == 0 {
		c.BatchTimeoutMS = DefaultBatchTimeoutMS
	}
	if c.CorrelationMS == 0 {
		c.CorrelationMS = DefaultCorrelationMS
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempt
	}
	if c.RestartDelayMS == 0 {
		c.RestartDelayMS = DefaultRestartDelayMS
	}
	if c.ShutdownDrainMS == 0 {
		c.ShutdownDrainMS = DefaultShutdownDrainMS
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks that at least one ServerConfig is present (the hard requirement the
// collaborator contract names), that every entry has a name and a command, and that
// no two entries share a name.
func (c Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("config: at least one server must be configured")
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("config: server entry missing name")
		}
		if s.Command == "" {
			return fmt.Errorf("config: server %q missing command", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
