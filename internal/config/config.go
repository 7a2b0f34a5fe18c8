package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Node-name generation patterns.
const (
	PatternRange = "range"
	PatternRack  = "rack"
)

type Config struct {
	Hostname  string          `mapstructure:"hostname"`
	RingDepth int             `mapstructure:"ring_depth"`
	Clusters  []ClusterConfig `mapstructure:"clusters"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ClusterConfig describes one cluster: which hosts belong to it, how its
// compute node names are generated and where its files live.
type ClusterConfig struct {
	Name          string `mapstructure:"name"`
	HostPrefix    string `mapstructure:"host_prefix"`
	NodePrefix    string `mapstructure:"node_prefix"`
	Pattern       string `mapstructure:"pattern"`
	Infix         string `mapstructure:"infix"`
	RangeStart    int    `mapstructure:"range_start"`
	RangeEnd      int    `mapstructure:"range_end"`
	RackStart     int    `mapstructure:"rack_start"`
	RackEnd       int    `mapstructure:"rack_end"`
	RackSeparator string `mapstructure:"rack_separator"`
	SlotStart     int    `mapstructure:"slot_start"`
	SlotEnd       int    `mapstructure:"slot_end"`
	GPUsPerNode   int    `mapstructure:"gpus_per_node"`
	BaseDir       string `mapstructure:"base_dir"`
	RingDir       string `mapstructure:"ring_dir"`
}

type IdentityConfig struct {
	Fallback bool          `mapstructure:"fallback"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Command  string        `mapstructure:"command"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// IdentityFile is the uid-to-username table dumped from the system directory.
func (c ClusterConfig) IdentityFile() string {
	return filepath.Join(c.BaseDir, "uid2user.csv")
}

// DataDir holds the <family>.<timestamp> snapshot files.
func (c ClusterConfig) DataDir() string {
	return filepath.Join(c.BaseDir, "data")
}

// MasterLog is the append-only log read by the dashboard.
func (c ClusterConfig) MasterLog() string {
	return filepath.Join(c.BaseDir, "utilization.json")
}

// DefaultClusters is the reference deployment.
func DefaultClusters() []ClusterConfig {
	return []ClusterConfig{
		{
			Name:        "cluster1",
			HostPrefix:  "cluster1",
			NodePrefix:  "cluster1-",
			Pattern:     PatternRange,
			Infix:       "i14g",
			RangeStart:  1,
			RangeEnd:    20,
			GPUsPerNode: 4,
			BaseDir:     "/path/to/gpudash/data",
			RingDir:     "/scratch/.gpudash",
		},
		{
			Name:          "cluster2",
			HostPrefix:    "cluster2",
			NodePrefix:    "cluster2-",
			Pattern:       PatternRack,
			RackStart:     19,
			RackEnd:       23,
			RackSeparator: "g",
			SlotStart:     1,
			SlotEnd:       16,
			GPUsPerNode:   4,
			BaseDir:       "/path/to/gpudash/data",
			RingDir:       "/scratch/.gpudash",
		},
	}
}

// LoadConfig reads defaults, the optional config file at path and GPUDASH_*
// environment overrides, in increasing order of precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("hostname", "")
	v.SetDefault("ring_depth", 7)
	v.SetDefault("clusters", DefaultClusters())
	v.SetDefault("identity.fallback", false)
	v.SetDefault("identity.timeout", 3*time.Second)
	v.SetDefault("identity.command", "getent")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("database.url", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "gpudash.snapshots")
	v.SetDefault("metrics.textfile", "")

	v.SetEnvPrefix("gpudash")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values that the pipeline relies on without re-checking.
func Validate(cfg *Config) error {
	if cfg.RingDepth < 1 {
		return fmt.Errorf("ring_depth must be at least 1, got %d", cfg.RingDepth)
	}
	if cfg.Identity.Fallback && cfg.Identity.Timeout <= 0 {
		return errors.New("identity.timeout must be positive when the fallback is enabled")
	}

	var errs []error
	for i, c := range cfg.Clusters {
		if err := c.validate(); err != nil {
			errs = append(errs, fmt.Errorf("clusters[%d] (%s): %w", i, c.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (c ClusterConfig) validate() error {
	if c.HostPrefix == "" {
		return errors.New("host_prefix is required")
	}
	if c.GPUsPerNode < 1 {
		return fmt.Errorf("gpus_per_node must be at least 1, got %d", c.GPUsPerNode)
	}
	if c.BaseDir == "" || c.RingDir == "" {
		return errors.New("base_dir and ring_dir are required")
	}

	switch c.Pattern {
	case PatternRange:
		if c.RangeEnd < c.RangeStart {
			return fmt.Errorf("empty node range %d..%d", c.RangeStart, c.RangeEnd)
		}
	case PatternRack:
		if c.RackEnd < c.RackStart {
			return fmt.Errorf("empty rack range %d..%d", c.RackStart, c.RackEnd)
		}
		if c.SlotEnd < c.SlotStart {
			return fmt.Errorf("empty in-rack range %d..%d", c.SlotStart, c.SlotEnd)
		}
	default:
		return fmt.Errorf("unknown node pattern %q", c.Pattern)
	}
	return nil
}
