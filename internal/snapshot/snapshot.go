// Package snapshot locates and decodes the per-family metric snapshots written
// by the upstream scraper as <family>.<unix-timestamp> files holding a
// Prometheus instant-query response.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/common/model"
)

// Field is the part of a slot record that a family fills in.
type Field int

const (
	FieldUser Field = iota
	FieldUtil
	FieldJobID
)

func (f Field) String() string {
	switch f {
	case FieldUser:
		return "user"
	case FieldUtil:
		return "util"
	case FieldJobID:
		return "jobid"
	}
	return "field(" + strconv.Itoa(int(f)) + ")"
}

// Family is one metric category, sourced from files named <Name>.<timestamp>.
type Family struct {
	Name  string
	Field Field
}

var (
	Util  = Family{Name: "util", Field: FieldUtil}
	UID   = Family{Name: "uid", Field: FieldUser}
	JobID = Family{Name: "jobid", Field: FieldJobID}
)

// Families returns the three families in merge order.
func Families() []Family {
	return []Family{Util, UID, JobID}
}

// Ownership reports whether values of this family are numeric user ids.
func (f Family) Ownership() bool {
	return f.Field == FieldUser
}

const (
	StatusSuccess = "success"

	LabelMinorNumber model.LabelName = "minor_number"
)

var (
	ErrNoSnapshot        = errors.New("no snapshot files")
	ErrTimestampMismatch = errors.New("snapshot timestamps differ across families")
	ErrBadStatus         = errors.New("snapshot status is not success")
)

// MismatchError carries each family's latest timestamp.
type MismatchError struct {
	Latest map[string]int64
}

func (e *MismatchError) Error() string {
	parts := make([]string, 0, len(e.Latest))
	for _, f := range Families() {
		if ts, ok := e.Latest[f.Name]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", f.Name, ts))
		}
	}
	return fmt.Sprintf("%s: %s", ErrTimestampMismatch, strings.Join(parts, " "))
}

func (e *MismatchError) Unwrap() error { return ErrTimestampMismatch }

type StatusError struct {
	Path   string
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %q", e.Path, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrBadStatus }

// Path is the snapshot file of family at ts.
func Path(dataDir string, family Family, ts int64) string {
	return filepath.Join(dataDir, family.Name+"."+strconv.FormatInt(ts, 10))
}

// Latest returns the largest timestamp among the family's files in dataDir.
// Names whose suffix is not an integer are ignored.
func Latest(dataDir string, family Family) (int64, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dataDir, err)
	}

	prefix := family.Name + "."
	latest, found := int64(0), false
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), prefix), 10, 64)
		if err != nil {
			continue
		}
		if !found || ts > latest {
			latest, found = ts, true
		}
	}
	if !found {
		return 0, fmt.Errorf("%s in %s: %w", family.Name, dataDir, ErrNoSnapshot)
	}
	return latest, nil
}

// Locate returns the timestamp shared by the latest snapshot of every family.
func Locate(dataDir string, families []Family) (int64, error) {
	latest := make(map[string]int64, len(families))
	var ts int64
	mismatch := false
	for i, f := range families {
		t, err := Latest(dataDir, f)
		if err != nil {
			return 0, err
		}
		latest[f.Name] = t
		if i == 0 {
			ts = t
		} else if t != ts {
			mismatch = true
		}
	}
	if mismatch {
		return 0, &MismatchError{Latest: latest}
	}
	return ts, nil
}

// Response is a Prometheus instant-query response body.
type Response struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string   `json:"resultType"`
		Result     []Sample `json:"result"`
	} `json:"data"`
}

type Sample struct {
	Metric model.Metric `json:"metric"`
	Value  Value        `json:"value"`
}

// Value is the [<sample time>, <value>] pair. Raw keeps the value text as
// reported so that ids survive without float formatting.
type Value struct {
	Time model.Time
	Raw  string
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("sample value: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("sample value: expected [time, value], got %d elements", len(pair))
	}
	if err := v.Time.UnmarshalJSON(bytes.TrimSpace(pair[0])); err != nil {
		return fmt.Errorf("sample time: %w", err)
	}
	raw := bytes.TrimSpace(pair[1])
	if len(raw) > 0 && raw[0] == '"' {
		return json.Unmarshal(raw, &v.Raw)
	}
	v.Raw = string(raw)
	return nil
}

// Host is the instance label without its port.
func (s Sample) Host() string {
	host, _, _ := strings.Cut(string(s.Metric[model.InstanceLabel]), ":")
	return host
}

// GPUIndex is the minor_number label.
func (s Sample) GPUIndex() string {
	return string(s.Metric[LabelMinorNumber])
}

// Decode parses a response and rejects anything but a successful status.
func Decode(r io.Reader) (*Response, error) {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Status != StatusSuccess {
		return &resp, &StatusError{Status: resp.Status}
	}
	return &resp, nil
}

func ReadFile(path string) (*Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	resp, err := Decode(f)
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		statusErr.Path = path
		return nil, statusErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	return resp, nil
}
