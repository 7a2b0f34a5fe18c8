package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("DefaultValues", func(t *testing.T) {
		// Act
		cfg, err := LoadConfig("")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.RingDepth, "RingDepth should be default value")
		assert.Equal(t, ":8080", cfg.Server.Address, "Server address should be default value")
		assert.False(t, cfg.Identity.Fallback, "identity fallback is off by default")
		assert.Equal(t, 3*time.Second, cfg.Identity.Timeout)
		assert.Equal(t, "getent", cfg.Identity.Command)
		assert.Equal(t, "gpudash.snapshots", cfg.Kafka.Topic)
		assert.Empty(t, cfg.Kafka.Brokers)
		assert.Empty(t, cfg.Database.URL)
		require.Len(t, cfg.Clusters, 2)
		assert.Equal(t, DefaultClusters(), cfg.Clusters)
	})

	t.Run("EnvironmentVariableOverride", func(t *testing.T) {
		// Arrange
		t.Setenv("GPUDASH_RING_DEPTH", "3")
		t.Setenv("GPUDASH_IDENTITY_FALLBACK", "true")
		t.Setenv("GPUDASH_IDENTITY_TIMEOUT", "500ms")
		t.Setenv("GPUDASH_SERVER_ADDRESS", ":9090")
		t.Setenv("GPUDASH_DATABASE_URL", "postgres://test:test@db:5432/gpudash")

		// Act
		cfg, err := LoadConfig("")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.RingDepth, "RingDepth should be overridden by environment variable")
		assert.True(t, cfg.Identity.Fallback)
		assert.Equal(t, 500*time.Millisecond, cfg.Identity.Timeout)
		assert.Equal(t, ":9090", cfg.Server.Address)
		assert.Equal(t, "postgres://test:test@db:5432/gpudash", cfg.Database.URL)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		// Arrange
		path := filepath.Join(t.TempDir(), "gpudash.yaml")
		content := `
ring_depth: 5
clusters:
  - name: tiger
    host_prefix: tiger
    node_prefix: tiger-
    pattern: range
    infix: g
    range_start: 1
    range_end: 3
    gpus_per_node: 2
    base_dir: /srv/gpudash
    ring_dir: /srv/gpudash/ring
kafka:
  brokers: ["k1:9092", "k2:9092"]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		// Act
		cfg, err := LoadConfig(path)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.RingDepth)
		require.Len(t, cfg.Clusters, 1)
		c := cfg.Clusters[0]
		assert.Equal(t, "tiger", c.Name)
		assert.Equal(t, PatternRange, c.Pattern)
		assert.Equal(t, 2, c.GPUsPerNode)
		assert.Equal(t, "/srv/gpudash/uid2user.csv", c.IdentityFile())
		assert.Equal(t, "/srv/gpudash/data", c.DataDir())
		assert.Equal(t, "/srv/gpudash/utilization.json", c.MasterLog())
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))

		assert.Error(t, err)
		assert.Nil(t, cfg, "Config should be nil on error")
	})

	t.Run("InvalidRingDepth", func(t *testing.T) {
		t.Setenv("GPUDASH_RING_DEPTH", "0")

		cfg, err := LoadConfig("")

		assert.Error(t, err, "LoadConfig should reject a ring depth below one")
		assert.Nil(t, cfg)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{RingDepth: 7, Clusters: DefaultClusters()}
	}

	t.Run("Defaults", func(t *testing.T) {
		assert.NoError(t, Validate(valid()))
	})

	tests := []struct {
		name   string
		mutate func(c *ClusterConfig)
	}{
		{"MissingHostPrefix", func(c *ClusterConfig) { c.HostPrefix = "" }},
		{"UnknownPattern", func(c *ClusterConfig) { c.Pattern = "hex" }},
		{"NoGPUs", func(c *ClusterConfig) { c.GPUsPerNode = 0 }},
		{"InvertedRange", func(c *ClusterConfig) { c.RangeStart, c.RangeEnd = 5, 4 }},
		{"NoRingDir", func(c *ClusterConfig) { c.RingDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg.Clusters[0])
			assert.Error(t, Validate(cfg))
		})
	}

	t.Run("InvertedRackRange", func(t *testing.T) {
		cfg := valid()
		cfg.Clusters[1].SlotEnd = 0
		assert.Error(t, Validate(cfg))
	})

	t.Run("FallbackWithoutTimeout", func(t *testing.T) {
		cfg := valid()
		cfg.Identity.Fallback = true
		assert.Error(t, Validate(cfg))
	})
}
