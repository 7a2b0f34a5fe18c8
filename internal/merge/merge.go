// Package merge folds the three metric family snapshots into one record per
// GPU slot.
package merge

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/chambridge/gpudash-aggregator/internal/identity"
	"github.com/chambridge/gpudash-aggregator/internal/snapshot"
	"github.com/chambridge/gpudash-aggregator/internal/topology"
)

const (
	Offline      = "OFFLINE"
	NotAvailable = "N/A"
)

// Record is what the dashboard shows for one slot.
type Record struct {
	User  string
	Util  string
	JobID string
}

// Sentinel is the record of a slot that no family reported.
func Sentinel() Record {
	return Record{User: Offline, Util: NotAvailable, JobID: NotAvailable}
}

// Set writes one field and leaves the others alone.
func (r *Record) Set(field snapshot.Field, value string) {
	switch field {
	case snapshot.FieldUser:
		r.User = value
	case snapshot.FieldUtil:
		r.Util = value
	case snapshot.FieldJobID:
		r.JobID = value
	}
}

// Row is one line of the master log and of a ring file.
type Row struct {
	Timestamp string `json:"timestamp"`
	Host      string `json:"host"`
	Index     string `json:"index"`
	User      string `json:"user"`
	Util      string `json:"util"`
	JobID     string `json:"jobid"`
}

// FamilyStats counts what happened to one family's samples.
type FamilyStats struct {
	Applied     int
	ForeignHost int
	BadIndex    int
}

type Table struct {
	topo    *topology.Topology
	records map[topology.Slot]*Record
	stats   map[string]FamilyStats
	logger  *zap.Logger
}

// NewTable creates a table with every slot of topo set to the sentinel.
func NewTable(topo *topology.Topology, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{
		topo:    topo,
		records: make(map[topology.Slot]*Record, topo.Size()),
		stats:   make(map[string]FamilyStats),
		logger:  logger,
	}
	for _, s := range topo.Slots() {
		r := Sentinel()
		t.records[s] = &r
	}
	return t
}

// Apply folds one family's response into the table. Samples from hosts
// outside the cluster, or with a GPU index the topology does not have, are
// skipped. Ownership values are translated through users.
func (t *Table) Apply(ctx context.Context, family snapshot.Family, resp *snapshot.Response, users *identity.Directory) FamilyStats {
	var st FamilyStats
	for _, sample := range resp.Data.Result {
		host := sample.Host()
		if !t.topo.HasNode(host) {
			st.ForeignHost++
			continue
		}
		idx, err := strconv.Atoi(sample.GPUIndex())
		slot := topology.Slot{Node: host, Index: idx}
		if err != nil || !t.topo.Contains(slot) {
			t.logger.Warn("skipping sample with unknown GPU index",
				zap.String("family", family.Name),
				zap.String("host", host),
				zap.String("index", sample.GPUIndex()))
			st.BadIndex++
			continue
		}

		value := sample.Value.Raw
		if family.Ownership() && users != nil {
			value = users.Lookup(ctx, value)
		}
		t.records[slot].Set(family.Field, value)
		st.Applied++
	}

	prev := t.stats[family.Name]
	prev.Applied += st.Applied
	prev.ForeignHost += st.ForeignHost
	prev.BadIndex += st.BadIndex
	t.stats[family.Name] = prev
	return st
}

// Record returns a copy of the slot's record.
func (t *Table) Record(s topology.Slot) (Record, bool) {
	r, ok := t.records[s]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (t *Table) Stats() map[string]FamilyStats {
	out := make(map[string]FamilyStats, len(t.stats))
	for k, v := range t.stats {
		out[k] = v
	}
	return out
}

// Offline counts slots still holding the sentinel user.
func (t *Table) Offline() int {
	n := 0
	for _, r := range t.records {
		if r.User == Offline {
			n++
		}
	}
	return n
}

// Rows lists every slot in topology order, stamped with ts.
func (t *Table) Rows(ts int64) []Row {
	stamp := strconv.FormatInt(ts, 10)
	slots := t.topo.Slots()
	rows := make([]Row, 0, len(slots))
	for _, s := range slots {
		r := t.records[s]
		rows = append(rows, Row{
			Timestamp: stamp,
			Host:      s.Node,
			Index:     strconv.Itoa(s.Index),
			User:      r.User,
			Util:      r.Util,
			JobID:     r.JobID,
		})
	}
	return rows
}

// Merge reads every family's snapshot at ts and folds it into a fresh table.
// Any unreadable or unsuccessful snapshot fails the whole merge.
func Merge(ctx context.Context, topo *topology.Topology, dataDir string, ts int64, users *identity.Directory, logger *zap.Logger) (*Table, error) {
	t := NewTable(topo, logger)
	for _, family := range snapshot.Families() {
		path := snapshot.Path(dataDir, family, ts)
		resp, err := snapshot.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("family %s: %w", family.Name, err)
		}
		st := t.Apply(ctx, family, resp, users)
		t.logger.Debug("merged family",
			zap.String("family", family.Name),
			zap.String("path", path),
			zap.Int("applied", st.Applied),
			zap.Int("foreign_host", st.ForeignHost),
			zap.Int("bad_index", st.BadIndex))
	}
	return t, nil
}
