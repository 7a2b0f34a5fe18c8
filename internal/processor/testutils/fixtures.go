// Package testutils writes snapshot fixture trees in the layout the upstream
// scraper produces.
package testutils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chambridge/gpudash-aggregator/internal/snapshot"
)

// Sample is one exporter sample for a node and GPU.
type Sample struct {
	Host  string
	Port  int
	Minor int
	Value string
}

// Response renders samples as a Prometheus instant-query response.
func Response(status string, sampleTime float64, samples []Sample) ([]byte, error) {
	type result struct {
		Metric map[string]string `json:"metric"`
		Value  [2]any            `json:"value"`
	}
	results := make([]result, 0, len(samples))
	for _, s := range samples {
		port := s.Port
		if port == 0 {
			port = 9445
		}
		results = append(results, result{
			Metric: map[string]string{
				"__name__":     "nvidia_gpu_duty_cycle",
				"instance":     fmt.Sprintf("%s:%d", s.Host, port),
				"minor_number": fmt.Sprint(s.Minor),
			},
			Value: [2]any{sampleTime, s.Value},
		})
	}
	body := map[string]any{
		"status": status,
		"data": map[string]any{
			"resultType": "vector",
			"result":     results,
		},
	}
	return json.Marshal(body)
}

// WriteFamily writes a successful snapshot of family at ts under dataDir.
func WriteFamily(dataDir string, family snapshot.Family, ts int64, samples []Sample) error {
	body, err := Response(snapshot.StatusSuccess, float64(ts)+0.25, samples)
	if err != nil {
		return err
	}
	return writeFile(snapshot.Path(dataDir, family, ts), body)
}

// WriteRaw writes body verbatim as family's snapshot at ts.
func WriteRaw(dataDir string, family snapshot.Family, ts int64, body string) error {
	return writeFile(snapshot.Path(dataDir, family, ts), []byte(body))
}

// WriteIdentity writes a uid2user.csv table.
func WriteIdentity(path string, users map[string]string) error {
	var b strings.Builder
	for id, name := range users {
		fmt.Fprintf(&b, "%s,%s\n", id, name)
	}
	return writeFile(path, []byte(b.String()))
}

func writeFile(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, body, 0o644)
}
