// Package config loads the YAML configuration file that drives the
// standalone server binary. The core proxy packages never depend on this
// package directly; cmd/socksd wires the two together.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/proxycore/socksd/internal/logx"
)

// Config mirrors the keys documented in spec §6.
type Config struct {
	Address     string `yaml:"address"`
	Port        uint16 `yaml:"port"`
	NumThreads  int    `yaml:"num-threads"`
	LogLevel    string `yaml:"log-level"`
	Credentials string `yaml:"credentials"`
}

// Credential is a single decoded user:pass pair from the Credentials list.
type Credential struct {
	Username string
	Password string
}

func defaults() Config {
	return Config{
		Address:    "0.0.0.0",
		NumThreads: 2,
		LogLevel:   "INFO",
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port == 0 {
		return fmt.Errorf("config: %q is required", "port")
	}
	if c.NumThreads <= 0 {
		return fmt.Errorf("config: %q must be positive, got %d", "num-threads", c.NumThreads)
	}
	if _, err := logx.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %q: %w", "log-level", err)
	}
	if _, err := c.ParsedCredentials(); err != nil {
		return err
	}
	return nil
}

// ParsedCredentials decodes the comma-separated "user:pass" entries.
func (c *Config) ParsedCredentials() ([]Credential, error) {
	if strings.TrimSpace(c.Credentials) == "" {
		return nil, nil
	}
	entries := strings.Split(c.Credentials, ",")
	creds := make([]Credential, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		user, pass, ok := strings.Cut(entry, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("config: malformed credential entry %q, want user:pass", entry)
		}
		creds = append(creds, Credential{Username: user, Password: pass})
	}
	return creds, nil
}

// ListenAddress returns the host:port pair passed to net.Listen.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}
