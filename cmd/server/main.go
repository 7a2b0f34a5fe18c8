package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/chambridge/gpudash-aggregator/api"
	"github.com/chambridge/gpudash-aggregator/internal/config"
	"github.com/chambridge/gpudash-aggregator/internal/logging"
	"github.com/chambridge/gpudash-aggregator/internal/ring"
	"github.com/chambridge/gpudash-aggregator/internal/topology"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	hostname := cfg.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			logger.Fatal("failed to read hostname", zap.Error(err))
		}
	}
	topo, cluster, err := topology.Resolve(hostname, cfg.Clusters)
	if errors.Is(err, topology.ErrUnknownHost) {
		logger.Fatal("no cluster serves this host", zap.String("hostname", hostname))
	}
	if err != nil {
		logger.Fatal("failed to resolve topology", zap.Error(err))
	}

	columns := ring.New(cluster.RingDir, cfg.RingDepth)
	router := api.SetupRouter(columns, cfg)
	logger.Info("serving ring",
		zap.String("cluster", topo.Cluster),
		zap.String("dir", columns.Dir),
		zap.String("address", cfg.Server.Address))
	if err := router.Run(cfg.Server.Address); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
