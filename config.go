package vraft

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for a Raft replica.
// Default values will be applied for any zero values:
//   - ElectionTimeout: 300ms (the timer fires uniformly in [E, 2E])
//   - HeartbeatInterval: 100ms
//   - RequestVoteInterval: 100ms
//   - TickInterval: 1s
//   - MaxBatchEntries: 64, MaxBatchBytes: 1MiB
//   - SnapshotChunkSize: 64KiB
//   - MaxLogEntries: 100000 (entries kept before compaction)
type Config struct {
	// Me is this replica's address.
	Me RaftAddr `yaml:"me"`

	// Peers are the other members used when bootstrapping an empty log.
	Peers []RaftAddr `yaml:"peers"`

	// Standby starts the replica passive, waiting to be added to a cluster.
	Standby bool `yaml:"standby"`

	// Path is the data directory. It holds the log, the term/vote record,
	// the state machine directory and snapshot transfer files.
	Path string `yaml:"path"`

	ElectionTimeout     time.Duration `yaml:"election_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	RequestVoteInterval time.Duration `yaml:"request_vote_interval"`
	TickInterval        time.Duration `yaml:"tick_interval"`

	// EnablePreVote polls peers before incrementing the term.
	EnablePreVote bool `yaml:"enable_pre_vote"`

	// IntervalCheck refuses votes while a leader is still heard from.
	IntervalCheck bool `yaml:"interval_check"`

	MaxBatchEntries   int    `yaml:"max_batch_entries"`
	MaxBatchBytes     int    `yaml:"max_batch_bytes"`
	SnapshotChunkSize int    `yaml:"snapshot_chunk_size"`
	MaxLogEntries     uint64 `yaml:"max_log_entries"`

	// NoSync skips the fsync on log and term/vote writes. A crash may then
	// lose a vote or an acknowledged entry; only tests should set it.
	NoSync bool `yaml:"no_sync"`

	// Trace logs a before/after status record around every handler.
	Trace bool `yaml:"trace"`

	// Seed for the election jitter; 0 derives one from the clock.
	Seed int64 `yaml:"seed"`

	// Logger for debug output (optional)
	Logger Logger `yaml:"-"`
}

// applyConfigDefaults applies sensible defaults to a Config
func applyConfigDefaults(config *Config) *Config {
	// Create a copy to avoid modifying the original
	cfg := *config
	cfg.Peers = append([]RaftAddr(nil), config.Peers...)

	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = 300 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 100 * time.Millisecond
	}
	if cfg.RequestVoteInterval == 0 {
		cfg.RequestVoteInterval = 100 * time.Millisecond
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxBatchEntries == 0 {
		cfg.MaxBatchEntries = 64
	}
	if cfg.MaxBatchBytes == 0 {
		cfg.MaxBatchBytes = 1 << 20
	}
	if cfg.SnapshotChunkSize == 0 {
		cfg.SnapshotChunkSize = 64 << 10
	}
	if cfg.MaxLogEntries == 0 {
		cfg.MaxLogEntries = 100000
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano() + int64(cfg.Me)
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &cfg
}

// Validate checks a Config after defaults were applied.
func (c *Config) Validate() error {
	if c.Me == 0 {
		return fmt.Errorf("%w: me is required", ErrInvalidConfig)
	}
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	if c.MaxBatchEntries < 0 || c.MaxBatchBytes < 0 || c.SnapshotChunkSize < 0 {
		return fmt.Errorf("%w: batch and chunk limits must not be negative", ErrInvalidConfig)
	}
	if c.HeartbeatInterval >= c.ElectionTimeout {
		return fmt.Errorf("%w: heartbeat interval %s must be below election timeout %s",
			ErrInvalidConfig, c.HeartbeatInterval, c.ElectionTimeout)
	}
	seen := make(map[RaftAddr]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p == c.Me {
			return fmt.Errorf("%w: %s listed as its own peer", ErrInvalidConfig, p)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate peer %s", ErrInvalidConfig, p)
		}
		seen[p] = true
	}
	if c.Standby && len(c.Peers) > 0 {
		return fmt.Errorf("%w: a standby replica starts without peers", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) logPath() string      { return filepath.Join(c.Path, "log") }
func (c *Config) metaPath() string     { return filepath.Join(c.Path, "meta") }
func (c *Config) smPath() string       { return filepath.Join(c.Path, "sm") }
func (c *Config) snapshotPath() string { return filepath.Join(c.Path, "snapshot") }

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	out := applyConfigDefaults(&cfg)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
