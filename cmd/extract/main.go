package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/chambridge/gpudash-aggregator/internal/config"
	"github.com/chambridge/gpudash-aggregator/internal/db"
	"github.com/chambridge/gpudash-aggregator/internal/identity"
	"github.com/chambridge/gpudash-aggregator/internal/logging"
	"github.com/chambridge/gpudash-aggregator/internal/metrics"
	"github.com/chambridge/gpudash-aggregator/internal/processor"
	"github.com/chambridge/gpudash-aggregator/internal/publish"
	"github.com/chambridge/gpudash-aggregator/internal/topology"
)

const mirrorConnectWait = 10 * time.Second

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	pflag.Parse()

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	hostname := cfg.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			logger.Error("failed to read hostname", zap.Error(err))
			return 1
		}
	}

	topo, cluster, err := topology.Resolve(hostname, cfg.Clusters)
	if errors.Is(err, topology.ErrUnknownHost) {
		logger.Info(hostname + " is unknown. Exiting")
		return 0
	}
	if err != nil {
		logger.Error("failed to resolve topology", zap.String("hostname", hostname), zap.Error(err))
		return 1
	}

	ctx := context.Background()
	opts := processor.Options{
		Topology:        topo,
		Cluster:         *cluster,
		RingDepth:       cfg.RingDepth,
		Metrics:         metrics.NewRun(),
		MetricsTextfile: cfg.Metrics.Textfile,
		Logger:          logger,
	}
	if cfg.Identity.Fallback {
		opts.Resolver = identity.GetentResolver{Command: cfg.Identity.Command}
		opts.ResolverTimeout = cfg.Identity.Timeout
	}

	if cfg.Database.URL != "" {
		conn, err := db.Open(ctx, cfg.Database.URL, mirrorConnectWait)
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			return 1
		}
		defer conn.Close()
		repo := db.NewRepository(conn, topo.Cluster)
		if err := repo.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", zap.Error(err))
			return 1
		}
		opts.Mirrors = append(opts.Mirrors, repo)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := publish.Dial(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, topo.Cluster, mirrorConnectWait)
		if err != nil {
			logger.Error("failed to connect to kafka", zap.Error(err))
			return 1
		}
		defer pub.Close()
		opts.Mirrors = append(opts.Mirrors, pub)
	}

	if _, err := processor.Run(ctx, opts); err != nil {
		logger.Error("snapshot failed", zap.Error(err))
		return 1
	}
	return 0
}
