// Package config loads the pollinator's YAML configuration document.
package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a configuration document omits ambient fields.
const (
	DefaultBindPort               = 8500
	DefaultPeriodicRecheckSeconds = 30
	DefaultStateFile              = "pollinated-state.json"
)

// Config is the on-disk shape of the pollinator's configuration document.
type Config struct {
	PeriodicContracts      []common.Address `yaml:"periodic_contracts"`
	MinimumProfit          string           `yaml:"minimum_profit"`
	StateFile              string           `yaml:"state_file"`
	RPCServer              string           `yaml:"rpc_server"`
	ChainID                uint32           `yaml:"chain_id"`
	BindPort               int              `yaml:"bind_port"`
	PeriodicRecheckSeconds uint64           `yaml:"periodic_recheck_seconds"`
	Seed                   string           `yaml:"seed"`
	LogLevel               string           `yaml:"log_level"`
}

// Load reads and decodes a Config from path, filling in defaults for
// log_level, bind_port, periodic_recheck_seconds and state_file when the
// document leaves them at their zero value. Other fields get no default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BindPort == 0 {
		c.BindPort = DefaultBindPort
	}
	if c.PeriodicRecheckSeconds == 0 {
		c.PeriodicRecheckSeconds = DefaultPeriodicRecheckSeconds
	}
	if c.StateFile == "" {
		c.StateFile = DefaultStateFile
	}
}

func (c *Config) validate() error {
	if c.RPCServer == "" {
		return fmt.Errorf("rpc_server is required")
	}
	if c.Seed == "" {
		return fmt.Errorf("seed is required")
	}
	if c.MinimumProfit == "" {
		return fmt.Errorf("minimum_profit is required")
	}
	return nil
}
