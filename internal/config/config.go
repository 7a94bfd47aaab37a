// Package config loads the workspace runtime's configuration from a TOML
// file, with environment variable overrides layered on top following the
// corpus's WSRT_-prefixed convention. Server discovery is a non-goal, so the
// initial known-server list is supplied here rather than discovered.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"go.wsrt.dev/internal/broker"
	"go.wsrt.dev/internal/protocol"
	"go.wsrt.dev/internal/scm"
)

// KnownServer is one statically-configured Application Server endpoint.
type KnownServer struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

// ID converts the configured endpoint into a protocol.ServerId.
func (k KnownServer) ID() protocol.ServerId {
	return protocol.NewServerId(k.Host, k.Port)
}

// QuenchConfig mirrors broker.Config's tunables in TOML-friendly form.
type QuenchConfig struct {
	QueueMax       int   `toml:"queue_max"`
	BatchCount     int   `toml:"batch_count"`
	RateMsPerMsgMS int64 `toml:"rate_ms_per_msg"`

	// PollFloorMS is broker.Config.QuenchPollFloor in milliseconds. Zero
	// (the default) means "exactly the deadline", per §9's decision on the
	// busy re-drain open question.
	PollFloorMS int64 `toml:"poll_floor_ms"`
}

func (q QuenchConfig) toBrokerConfig() broker.Config {
	cfg := broker.Config{
		QueueMax:   q.QueueMax,
		BatchCount: q.BatchCount,
	}
	if q.RateMsPerMsgMS > 0 {
		cfg.RateMsPerMsg = time.Duration(q.RateMsPerMsgMS) * time.Millisecond
	}
	if q.PollFloorMS > 0 {
		cfg.QuenchPollFloor = time.Duration(q.PollFloorMS) * time.Millisecond
	}
	return cfg
}

// AdminConfig configures the operator-facing admin HTTP API.
type AdminConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// MongoConfig configures the optional Mongo-backed audit trail. A zero-value
// URI means the in-memory audit repository is used instead.
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// Config is the workspace runtime's full configuration, loaded once at
// startup.
type Config struct {
	Quench       QuenchConfig  `toml:"quench"`
	Admin        AdminConfig   `toml:"admin"`
	Mongo        MongoConfig   `toml:"mongo"`
	KnownServers []KnownServer `toml:"known_servers"`

	// TransferCapPerRecord bounds the SCM's post-wake transfer micro-loop.
	TransferCapPerRecord int `toml:"transfer_cap_per_record"`

	// SelfCheckIntervalMS is scm.Config.SelfCheckInterval in milliseconds.
	// Zero means the scm package's own default.
	SelfCheckIntervalMS int64 `toml:"self_check_interval_ms"`
	// PendingStuckThresholdMS is scm.Config.PendingStuckThreshold in
	// milliseconds. Zero means the scm package's own default.
	PendingStuckThresholdMS int64 `toml:"pending_stuck_threshold_ms"`
	// QuenchStuckThresholdMS is scm.Config.QuenchStuckThreshold in
	// milliseconds. Zero means the scm package's own default.
	QuenchStuckThresholdMS int64 `toml:"quench_stuck_threshold_ms"`
}

// BrokerConfig derives the broker.Config this Config implies.
func (c Config) BrokerConfig() broker.Config {
	return c.Quench.toBrokerConfig()
}

// ScmConfig derives the scm.Config this Config implies. Fields left at zero
// fall back to the scm package's own defaults (see scm.Config.withDefaults).
func (c Config) ScmConfig() scm.Config {
	return scm.Config{
		TransferCapPerRecord:  c.TransferCapPerRecord,
		SelfCheckInterval:     time.Duration(c.SelfCheckIntervalMS) * time.Millisecond,
		PendingStuckThreshold: time.Duration(c.PendingStuckThresholdMS) * time.Millisecond,
		QuenchStuckThreshold:  time.Duration(c.QuenchStuckThresholdMS) * time.Millisecond,
	}
}

func defaults() Config {
	return Config{
		Admin: AdminConfig{ListenAddr: ":8090"},
	}
}

// Load reads path as TOML into a Config seeded with defaults, then applies
// WSRT_-prefixed environment variable overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers WSRT_-prefixed environment variables on top of
// whatever Load already populated from the TOML file, matching the corpus's
// getEnv/getEnvInt/getEnvDuration helper idiom.
func applyEnvOverrides(cfg *Config) {
	cfg.Admin.ListenAddr = getEnv("WSRT_ADMIN_LISTEN_ADDR", cfg.Admin.ListenAddr)
	cfg.Mongo.URI = getEnv("WSRT_MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = getEnv("WSRT_MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Quench.QueueMax = getEnvInt("WSRT_QUENCH_QUEUE_MAX", cfg.Quench.QueueMax)
	cfg.Quench.BatchCount = getEnvInt("WSRT_QUENCH_BATCH_COUNT", cfg.Quench.BatchCount)
	if d := getEnvDuration("WSRT_QUENCH_RATE_PER_MSG", 0); d > 0 {
		cfg.Quench.RateMsPerMsgMS = d.Milliseconds()
	}
	if d := getEnvDuration("WSRT_QUENCH_POLL_FLOOR", 0); d > 0 {
		cfg.Quench.PollFloorMS = d.Milliseconds()
	}
	cfg.TransferCapPerRecord = getEnvInt("WSRT_TRANSFER_CAP_PER_RECORD", cfg.TransferCapPerRecord)
	if d := getEnvDuration("WSRT_SELF_CHECK_INTERVAL", 0); d > 0 {
		cfg.SelfCheckIntervalMS = d.Milliseconds()
	}
	if d := getEnvDuration("WSRT_PENDING_STUCK_THRESHOLD", 0); d > 0 {
		cfg.PendingStuckThresholdMS = d.Milliseconds()
	}
	if d := getEnvDuration("WSRT_QUENCH_STUCK_THRESHOLD", 0); d > 0 {
		cfg.QuenchStuckThresholdMS = d.Milliseconds()
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
