// Package metrics records per-run gauges and writes them in the node_exporter
// textfile format, since the extractor is a short-lived process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chambridge/gpudash-aggregator/internal/merge"
)

const namespace = "gpudash"

type Run struct {
	registry *prometheus.Registry

	slots       *prometheus.GaugeVec
	offline     *prometheus.GaugeVec
	samples     *prometheus.GaugeVec
	snapshotTS  *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	duration    *prometheus.GaugeVec
}

func NewRun() *Run {
	labels := []string{"cluster"}
	r := &Run{
		registry: prometheus.NewRegistry(),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots",
			Help:      "GPU slots tracked for the cluster.",
		}, labels),
		offline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_offline",
			Help:      "GPU slots without an owning user in the last snapshot.",
		}, labels),
		samples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "samples",
			Help:      "Samples per metric family in the last snapshot, by outcome.",
		}, []string{"cluster", "family", "outcome"}),
		snapshotTS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_timestamp_seconds",
			Help:      "Timestamp of the last merged snapshot.",
		}, labels),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Wall clock time of the last successful run.",
		}, labels),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last successful run.",
		}, labels),
	}
	r.registry.MustRegister(r.slots, r.offline, r.samples, r.snapshotTS, r.lastSuccess, r.duration)
	return r
}

// Observe records a finished run.
func (r *Run) Observe(cluster string, slots, offline int, stats map[string]merge.FamilyStats, snapshotTS int64, finished time.Time, took time.Duration) {
	r.slots.WithLabelValues(cluster).Set(float64(slots))
	r.offline.WithLabelValues(cluster).Set(float64(offline))
	for family, st := range stats {
		r.samples.WithLabelValues(cluster, family, "applied").Set(float64(st.Applied))
		r.samples.WithLabelValues(cluster, family, "foreign_host").Set(float64(st.ForeignHost))
		r.samples.WithLabelValues(cluster, family, "bad_index").Set(float64(st.BadIndex))
	}
	r.snapshotTS.WithLabelValues(cluster).Set(float64(snapshotTS))
	r.lastSuccess.WithLabelValues(cluster).Set(float64(finished.Unix()))
	r.duration.WithLabelValues(cluster).Set(took.Seconds())
}

func (r *Run) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile atomically replaces path with the current gauge values.
func (r *Run) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
