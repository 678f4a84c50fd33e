package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// NodeConfig is the on-disk configuration of a sendberry node.
type NodeConfig struct {
	ID          uuid.UUID `yaml:"id"`
	Name        string    `yaml:"name"`
	Listen      string    `yaml:"listen"`
	AddressBook string    `yaml:"address_book"`
	OutputDir   string    `yaml:"output_dir"`
	MetricsAddr string    `yaml:"metrics_addr"`
	LogLevel    string    `yaml:"log_level"`

	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig mirrors the reconnect settings of sendberry.Config.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

func defaultNodeConfig() NodeConfig {
	return NodeConfig{
		Listen:      "/ip4/0.0.0.0/tcp/7700",
		AddressBook: "peers.json",
		OutputDir:   "received",
		LogLevel:    "info",
	}
}

// LoadConfig reads a YAML node configuration. Missing fields keep their
// defaults; a missing id is an error so that peers stay addressable across
// restarts.
func LoadConfig(path string) (NodeConfig, error) {
	cfg := defaultNodeConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields a node cannot run without.
func (c NodeConfig) Validate() error {
	if c.ID == uuid.Nil {
		return errors.New("id is required")
	}
	if _, err := multiaddr.NewMultiaddr(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.AddressBook == "" {
		return errors.New("address_book is required")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	return nil
}

// WriteConfig writes cfg as YAML, refusing to overwrite an existing file.
func WriteConfig(path string, cfg NodeConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
