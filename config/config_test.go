package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"vaultmarket/beacon"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8545", cfg.RPCAddress)
	require.Equal(t, beacon.QuicknetGenesis, cfg.BeaconGenesis)
	require.Equal(t, beacon.QuicknetPeriod, cfg.BeaconPeriod)
	require.FileExists(t, path)

	// A second load reads the file it just wrote.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("NetworkName = \"testnet\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "testnet", cfg.NetworkName)
	require.Equal(t, ":8545", cfg.RPCAddress)
	require.Equal(t, ":9464", cfg.MetricsAddress)
	require.Equal(t, beacon.Quicknet(), cfg.Rounds())
}

func TestLoadRejectsBadPeriod(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("BeaconGenesis = 100\nBeaconPeriod = -3\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
