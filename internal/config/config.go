package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds per-node server configuration
type ServerConfig struct {
	NodeID          uint16        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ViewPath points at the serialized view blob published by the
	// configuration store.
	ViewPath string `yaml:"view_path"`
	// Peers maps node ids to their message-stream addresses.
	Peers map[uint16]string `yaml:"peers"`
}

// SequencerConfig holds primary sequencer configuration
type SequencerConfig struct {
	LocalCutInterval      time.Duration `yaml:"local_cut_interval"`
	StateCheckInterval    time.Duration `yaml:"state_check_interval"`
	NumTailMetalogEntries int           `yaml:"num_tail_metalog_entries"`
}

// EngineConfig holds engine-side configuration
type EngineConfig struct {
	StorageShardID       uint16  `yaml:"storage_shard_id"`
	EnableCache          bool    `yaml:"enable_cache"`
	CacheCapMB           int     `yaml:"cache_cap_mb"`
	PropagateAuxData     bool    `yaml:"propagate_auxdata"`
	ForceRemoteIndex     bool    `yaml:"force_remote_index"`
	ProbRemoteIndex      float64 `yaml:"prob_remote_index"`
	SeqnumCacheCap       int     `yaml:"seqnum_cache_cap"`
	SeqnumSuffixCap      int     `yaml:"seqnum_suffix_cap"`
	PerTagSeqnumsLimit   int     `yaml:"per_tag_seqnums_limit"`
	PostponeRegistration []int   `yaml:"postpone_registration"`
	PostponeCaching      []int   `yaml:"postpone_caching"`
}

// StorageConfig holds storage node configuration
type StorageConfig struct {
	DataDir          string        `yaml:"data_dir"`
	MaxLiveEntries   int           `yaml:"max_live_entries"`
	BGThreadInterval time.Duration `yaml:"bg_thread_interval"`
	PersistWorkers   int           `yaml:"persist_workers"`
	PersistQueueSize int           `yaml:"persist_queue_size"`
}

// IndexConfig holds index / aggregator node configuration
type IndexConfig struct {
	PerTagSeqnumsLimit int `yaml:"per_tag_seqnums_limit"`
	SeqnumSuffixCap    int `yaml:"seqnum_suffix_cap"`
	SeqnumCacheCap     int `yaml:"seqnum_cache_cap"`
}

// GatewayConfig holds function-call dispatch configuration
type GatewayConfig struct {
	PerFnRoundRobin    bool          `yaml:"per_fn_round_robin"`
	PickLeastLoad      bool          `yaml:"pick_least_load"`
	MaxRunningRequests int           `yaml:"max_running_requests"`
	ScaleInGracePeriod time.Duration `yaml:"scale_in_grace_period"`
}

// GossipConfig holds membership gossip configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete, immutable configuration installed at bootstrap.
// Hot paths read fields directly; nothing re-parses at runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Engine    EngineConfig    `yaml:"engine"`
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50070
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Sequencer.LocalCutInterval == 0 {
		cfg.Sequencer.LocalCutInterval = 300 * time.Microsecond
	}
	if cfg.Sequencer.StateCheckInterval == 0 {
		cfg.Sequencer.StateCheckInterval = 10 * time.Second
	}
	if cfg.Sequencer.NumTailMetalogEntries == 0 {
		cfg.Sequencer.NumTailMetalogEntries = 32
	}

	if cfg.Engine.CacheCapMB == 0 {
		cfg.Engine.CacheCapMB = 1024
	}
	if cfg.Engine.SeqnumCacheCap == 0 {
		cfg.Engine.SeqnumCacheCap = 65536
	}
	if cfg.Engine.SeqnumSuffixCap == 0 {
		cfg.Engine.SeqnumSuffixCap = 65536
	}
	if cfg.Engine.PerTagSeqnumsLimit == 0 {
		cfg.Engine.PerTagSeqnumsLimit = 5000
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/funclog"
	}
	if cfg.Storage.MaxLiveEntries == 0 {
		cfg.Storage.MaxLiveEntries = 65536
	}
	if cfg.Storage.BGThreadInterval == 0 {
		cfg.Storage.BGThreadInterval = time.Millisecond
	}
	if cfg.Storage.PersistWorkers == 0 {
		cfg.Storage.PersistWorkers = 2
	}
	if cfg.Storage.PersistQueueSize == 0 {
		cfg.Storage.PersistQueueSize = 128
	}

	if cfg.Index.PerTagSeqnumsLimit == 0 {
		cfg.Index.PerTagSeqnumsLimit = 5000
	}
	if cfg.Index.SeqnumSuffixCap == 0 {
		cfg.Index.SeqnumSuffixCap = 65536
	}
	if cfg.Index.SeqnumCacheCap == 0 {
		cfg.Index.SeqnumCacheCap = 65536
	}

	if cfg.Gateway.MaxRunningRequests == 0 {
		cfg.Gateway.MaxRunningRequests = 256
	}
	if cfg.Gateway.ScaleInGracePeriod == 0 {
		cfg.Gateway.ScaleInGracePeriod = 30 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Engine.ProbRemoteIndex < 0 || c.Engine.ProbRemoteIndex > 1 {
		return fmt.Errorf("engine.prob_remote_index must be between 0 and 1")
	}
	for _, mod := range c.Engine.PostponeRegistration {
		if mod <= 0 {
			return fmt.Errorf("engine.postpone_registration entries must be positive")
		}
	}
	for _, mod := range c.Engine.PostponeCaching {
		if mod <= 0 {
			return fmt.Errorf("engine.postpone_caching entries must be positive")
		}
	}
	if c.Storage.MaxLiveEntries < 0 {
		return fmt.Errorf("storage.max_live_entries must not be negative")
	}
	return nil
}
