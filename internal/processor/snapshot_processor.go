package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chambridge/gpudash-aggregator/internal/config"
	"github.com/chambridge/gpudash-aggregator/internal/identity"
	"github.com/chambridge/gpudash-aggregator/internal/merge"
	"github.com/chambridge/gpudash-aggregator/internal/metrics"
	"github.com/chambridge/gpudash-aggregator/internal/ring"
	"github.com/chambridge/gpudash-aggregator/internal/snapshot"
	"github.com/chambridge/gpudash-aggregator/internal/topology"
)

// Mirror receives a copy of every committed snapshot.
type Mirror interface {
	Name() string
	Publish(ctx context.Context, runID uuid.UUID, rows []merge.Row) error
}

type Options struct {
	Topology  *topology.Topology
	Cluster   config.ClusterConfig
	RingDepth int

	// Resolver is the identity fallback; nil keeps unmapped ids raw.
	Resolver        identity.Resolver
	ResolverTimeout time.Duration

	Mirrors         []Mirror
	Metrics         *metrics.Run
	MetricsTextfile string
	Logger          *zap.Logger
	Now             func() time.Time
}

type Result struct {
	RunID     uuid.UUID
	Timestamp int64
	Rows      []merge.Row
	Stats     map[string]merge.FamilyStats
	Offline   int
}

// Run performs one snapshot: every precondition is checked and the full row
// set is built before anything is written. Once the ring and master log are
// written, mirror failures are reported but do not undo the files.
func Run(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	started := now()

	runID := uuid.New()
	logger = logger.With(zap.String("cluster", opts.Topology.Cluster), zap.String("run_id", runID.String()))

	users, err := identity.LoadFile(opts.Cluster.IdentityFile())
	if err != nil {
		return nil, err
	}
	dirOpts := []identity.Option{identity.WithLogger(logger)}
	if opts.Resolver != nil {
		dirOpts = append(dirOpts, identity.WithResolver(opts.Resolver, opts.ResolverTimeout))
	}
	directory := identity.NewDirectory(users, dirOpts...)

	columns := ring.New(opts.Cluster.RingDir, opts.RingDepth)
	stale, err := columns.Sweep()
	if err != nil {
		return nil, err
	}
	for _, path := range stale {
		logger.Warn("removed temp column left by an interrupted run", zap.String("path", path))
	}

	dataDir := opts.Cluster.DataDir()
	ts, err := snapshot.Locate(dataDir, snapshot.Families())
	if err != nil {
		return nil, fmt.Errorf("failed to locate snapshot: %w", err)
	}
	logger = logger.With(zap.Int64("timestamp", ts))

	table, err := merge.Merge(ctx, opts.Topology, dataDir, ts, directory, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to merge snapshot %d: %w", ts, err)
	}
	rows := table.Rows(ts)

	if err := ring.AppendLog(opts.Cluster.MasterLog(), rows); err != nil {
		return nil, err
	}
	if err := columns.Commit(rows); err != nil {
		return nil, err
	}

	result := &Result{
		RunID:     runID,
		Timestamp: ts,
		Rows:      rows,
		Stats:     table.Stats(),
		Offline:   table.Offline(),
	}
	logger.Info("snapshot written",
		zap.Int("slots", len(rows)),
		zap.Int("offline", result.Offline),
		zap.String("master_log", opts.Cluster.MasterLog()),
		zap.String("column", columns.Path(columns.Newest())))

	var errs []error
	for _, m := range opts.Mirrors {
		if err := m.Publish(ctx, runID, rows); err != nil {
			logger.Error("mirror failed", zap.String("mirror", m.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("mirror %s: %w", m.Name(), err))
		}
	}

	if opts.Metrics != nil {
		finished := now()
		opts.Metrics.Observe(opts.Topology.Cluster, len(rows), result.Offline, result.Stats, ts, finished, finished.Sub(started))
		if opts.MetricsTextfile != "" {
			if err := opts.Metrics.WriteTextfile(opts.MetricsTextfile); err != nil {
				errs = append(errs, fmt.Errorf("failed to write metrics textfile: %w", err))
			}
		}
	}

	return result, errors.Join(errs...)
}
