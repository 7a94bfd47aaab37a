package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wsrt.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaultsWithNoPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.Admin.ListenAddr)
	require.Empty(t, cfg.KnownServers)
}

func TestLoadParsesKnownServers(t *testing.T) {
	path := writeTemp(t, `
transfer_cap_per_record = 10

[admin]
listen_addr = ":9100"

[quench]
queue_max = 75
batch_count = 150
rate_ms_per_msg = 8

[[known_servers]]
host = "as1.internal"
port = 7000

[[known_servers]]
host = "as2.internal"
port = 7001
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Admin.ListenAddr)
	require.Equal(t, 10, cfg.TransferCapPerRecord)
	require.Len(t, cfg.KnownServers, 2)
	require.Equal(t, "as1.internal", cfg.KnownServers[0].Host)
	require.Equal(t, uint16(7000), cfg.KnownServers[0].Port)

	brokerCfg := cfg.BrokerConfig()
	require.Equal(t, 75, brokerCfg.QueueMax)
	require.Equal(t, 150, brokerCfg.BatchCount)
	require.Zero(t, brokerCfg.QuenchPollFloor, "poll_floor_ms defaults to 0 (\"exactly the deadline\")")
}

func TestLoadParsesQuenchPollFloor(t *testing.T) {
	path := writeTemp(t, `
[quench]
poll_floor_ms = 25
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 25*time.Millisecond, cfg.BrokerConfig().QuenchPollFloor)
}

func TestScmConfigDefaultsToSelfCheckZeroValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	scmCfg := cfg.ScmConfig()
	assert.Zero(t, scmCfg.SelfCheckInterval, "unset self_check_interval_ms leaves the scm package's own default in effect")
	assert.Zero(t, scmCfg.PendingStuckThreshold)
	assert.Zero(t, scmCfg.QuenchStuckThreshold)
}

func TestLoadParsesSelfCheckThresholds(t *testing.T) {
	path := writeTemp(t, `
self_check_interval_ms = 1000
pending_stuck_threshold_ms = 2000
quench_stuck_threshold_ms = 4000
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	scmCfg := cfg.ScmConfig()
	assert.Equal(t, time.Second, scmCfg.SelfCheckInterval)
	assert.Equal(t, 2*time.Second, scmCfg.PendingStuckThreshold)
	assert.Equal(t, 4*time.Second, scmCfg.QuenchStuckThreshold)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	path := writeTemp(t, `
[admin]
listen_addr = ":9100"
`)
	t.Setenv("WSRT_ADMIN_LISTEN_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Admin.ListenAddr)
}
