package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfigMatchesServerDefaults(t *testing.T) {
	cfg := DefaultTOMLConfig()
	defaults := DefaultConfig()

	require.NotNil(t, cfg.Server.TCPPort)
	assert.Equal(t, 9000, *cfg.Server.TCPPort)
	assert.Equal(t, defaults.HistoryCapacity, cfg.History.Capacity)
	assert.Equal(t, defaults.HistoryEvictBatch, cfg.History.EvictBatch)
	assert.Equal(t, 100, cfg.History.ReplayOnLogin)
	assert.Equal(t, 50, cfg.History.DefaultHistory)
	assert.Empty(t, cfg.Credentials.DatabasePath)
}

func TestToServerConfigMapsSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()
	port := 7000
	cfg.Server.TCPPort = &port
	cfg.Server.HTTPPort = 7001
	cfg.Server.Workers = 3
	cfg.History.Capacity = 500
	cfg.History.EvictBatch = 50
	cfg.Limits.MessageRate = 2.5
	cfg.Limits.MessageBurst = 4
	cfg.Limits.MaxFrameBytes = 4096

	serverCfg := cfg.ToServerConfig()

	assert.Equal(t, 7000, serverCfg.TCPPort)
	assert.Equal(t, 7001, serverCfg.HTTPPort)
	assert.Equal(t, 3, serverCfg.Workers)
	assert.Equal(t, 500, serverCfg.HistoryCapacity)
	assert.Equal(t, 50, serverCfg.HistoryEvictBatch)
	assert.Equal(t, 2.5, serverCfg.MessageRate)
	assert.Equal(t, 4, serverCfg.MessageBurst)
	assert.Equal(t, uint32(4096), serverCfg.MaxFrameBytes)
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	assert.Equal(t, DefaultConfig(), cfg.ToServerConfig())
}

func TestToServerConfigHonorsEphemeralPort(t *testing.T) {
	cfg := DefaultTOMLConfig()
	port := 0
	cfg.Server.TCPPort = &port

	assert.Equal(t, 0, cfg.ToServerConfig().TCPPort)

	cfg.Server.TCPPort = nil
	assert.Equal(t, DefaultConfig().TCPPort, cfg.ToServerConfig().TCPPort)
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "relay.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Relay Server Configuration")
	assert.Contains(t, string(data), "tcp_port = 9000")

	// The written file loads back to the same values
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	contents := `
[server]
tcp_port = 9100

[history]
capacity = 200
evict_batch = 20

[limits]
message_rate = 1.5
message_burst = 3

[credentials]
database_path = "/var/lib/relay/users.db"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Server.TCPPort)
	assert.Equal(t, 9100, *cfg.Server.TCPPort)
	assert.Equal(t, 200, cfg.History.Capacity)
	assert.Equal(t, 1.5, cfg.Limits.MessageRate)

	dbPath, err := cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay/users.db", dbPath)

	serverCfg := cfg.ToServerConfig()
	assert.Equal(t, 9100, serverCfg.TCPPort)
	assert.Equal(t, DefaultConfig().ReplayOnLogin, serverCfg.ReplayOnLogin)
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestGetDatabasePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := TOMLConfig{Credentials: CredentialsSection{DatabasePath: "~/relay/users.db"}}
	path, err := cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "relay", "users.db"), path)

	empty := TOMLConfig{}
	path, err = empty.GetDatabasePath()
	require.NoError(t, err)
	assert.Empty(t, path)
}
