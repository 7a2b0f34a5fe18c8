package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chambridge/gpudash-aggregator/internal/merge"
)

//go:embed migrations/0001_init.up.sql
var schema string

type Repository struct {
	db      *sql.DB
	cluster string
}

func NewRepository(db *sql.DB, cluster string) *Repository {
	return &Repository{db: db, cluster: cluster}
}

// Open connects through the pgx stdlib driver and waits until the server
// answers a ping.
func Open(ctx context.Context, url string, maxWait time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	if err := WaitReady(ctx, db, b); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// WaitReady pings db until it answers or b gives up.
func WaitReady(ctx context.Context, db *sql.DB, b backoff.BackOff) error {
	ping := func() error {
		return db.PingContext(ctx)
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	return nil
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *Repository) Name() string {
	return "postgres"
}

// Publish stores one run's rows.
func (r *Repository) Publish(ctx context.Context, runID uuid.UUID, rows []merge.Row) error {
	return r.InsertSnapshot(ctx, runID, rows)
}

// InsertSnapshot writes every row of a run in one transaction. Rows already
// present for the same (cluster, timestamp, slot) are left alone, so
// re-running a snapshot is harmless.
func (r *Repository) InsertSnapshot(ctx context.Context, runID uuid.UUID, rows []merge.Row) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpu_clusters (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		r.cluster); err != nil {
		return fmt.Errorf("failed to upsert cluster %s: %w", r.cluster, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gpu_snapshots (cluster, snapshot_ts, host, gpu_index, username, util, jobid, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cluster, snapshot_ts, host, gpu_index) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		s, err := toSnapshotRow(r.cluster, runID, row)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			s.Cluster, s.SnapshotTS, s.Host, s.GPUIndex, s.Username, s.Util, s.JobID, s.RunID.String(),
		); err != nil {
			return fmt.Errorf("failed to insert %s/%d: %w", s.Host, s.GPUIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}
