// Package config loads the data protection layer's settings and builds
// the wired application from them.
package config

import (
	"crypto/rsa"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
)

type Config struct {
	// ServerPublicKey is the PEM-encoded RSA key used to wrap session
	// keys. ServerPublicKeyFile is read when the inline form is empty.
	// With neither set, payload encryption is disabled and the layer
	// runs in passthrough mode.
	ServerPublicKey     string `yaml:"server_public_key"`
	ServerPublicKeyFile string `yaml:"server_public_key_file"`
	ServerKeyID         string `yaml:"server_key_id"`

	MaxSessions    int  `yaml:"max_sessions"`
	StrictEnvelope bool `yaml:"strict_envelope"`

	DataDir  string `yaml:"data_dir"`
	Backend  string `yaml:"backend"` // "badger" or "file"
	LogLevel string `yaml:"log_level"`
}

func (c *Config) setDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 32
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Backend == "" {
		c.Backend = "badger"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads a YAML config file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.setDefaults()
	return cfg, nil
}

// serverKey resolves the configured RSA public key, or nil when the
// layer should run in passthrough mode.
func (c *Config) serverKey() (*rsa.PublicKey, error) {
	pem := []byte(c.ServerPublicKey)
	if len(pem) == 0 && c.ServerPublicKeyFile != "" {
		raw, err := os.ReadFile(c.ServerPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: read server key %s: %w", c.ServerPublicKeyFile, err)
		}
		pem = raw
	}
	if len(pem) == 0 {
		return nil, nil
	}
	return crypto.ParseRSAPublicKey(pem)
}
