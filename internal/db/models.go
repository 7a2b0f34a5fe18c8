package db

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/chambridge/gpudash-aggregator/internal/merge"
)

// SnapshotRow is one row of gpu_snapshots.
type SnapshotRow struct {
	Cluster    string
	SnapshotTS int64
	Host       string
	GPUIndex   int
	Username   string
	Util       string
	JobID      string
	RunID      uuid.UUID
}

func toSnapshotRow(cluster string, runID uuid.UUID, r merge.Row) (SnapshotRow, error) {
	ts, err := strconv.ParseInt(r.Timestamp, 10, 64)
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("invalid timestamp %q: %w", r.Timestamp, err)
	}
	idx, err := strconv.Atoi(r.Index)
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("invalid gpu index %q: %w", r.Index, err)
	}
	return SnapshotRow{
		Cluster:    cluster,
		SnapshotTS: ts,
		Host:       r.Host,
		GPUIndex:   idx,
		Username:   r.User,
		Util:       r.Util,
		JobID:      r.JobID,
		RunID:      runID,
	}, nil
}
