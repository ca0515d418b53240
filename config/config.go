package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"vaultmarket/beacon"
)

// Config is the daemon configuration, loaded from TOML.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	NetworkName    string `toml:"NetworkName"`
	BeaconBaseURL  string `toml:"BeaconBaseURL"`
	BeaconGenesis  int64  `toml:"BeaconGenesis"`
	BeaconPeriod   int64  `toml:"BeaconPeriod"`
}

// Load loads the configuration from the given path, creating a default file
// on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if cfg.BeaconPeriod <= 0 {
		return nil, fmt.Errorf("config file %s: BeaconPeriod must be positive", path)
	}
	return cfg, nil
}

// Rounds returns the beacon round schedule selected by the configuration.
func (c *Config) Rounds() beacon.Config {
	return beacon.Config{Genesis: c.BeaconGenesis, Period: c.BeaconPeriod}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./vaultmarket-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "vaultmarket-local"
	}
	if cfg.BeaconGenesis == 0 && cfg.BeaconPeriod == 0 {
		quicknet := beacon.Quicknet()
		cfg.BeaconGenesis = quicknet.Genesis
		cfg.BeaconPeriod = quicknet.Period
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	quicknet := beacon.Quicknet()
	cfg := &Config{
		RPCAddress:     ":8545",
		MetricsAddress: ":9464",
		DataDir:        "./vaultmarket-data",
		NetworkName:    "vaultmarket-local",
		BeaconBaseURL:  beacon.DefaultBaseURL,
		BeaconGenesis:  quicknet.Genesis,
		BeaconPeriod:   quicknet.Period,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
