// Package ring keeps the last N snapshots as column.1 (oldest) .. column.N
// (newest) and appends every snapshot to the master log.
package ring

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chambridge/gpudash-aggregator/internal/merge"
)

const (
	DefaultPrefix = "column"
	tempPattern   = ".column-*.tmp"
)

type Ring struct {
	Dir    string
	Depth  int
	Prefix string
}

func New(dir string, depth int) *Ring {
	return &Ring{Dir: dir, Depth: depth, Prefix: DefaultPrefix}
}

// Path is the file of position i, 1 being the oldest.
func (r *Ring) Path(i int) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return filepath.Join(r.Dir, prefix+"."+strconv.Itoa(i))
}

// Newest is the position written by Commit.
func (r *Ring) Newest() int {
	return r.Depth
}

// Rotate shifts position i to i-1 for i = 2..Depth, dropping position 1.
// Ascending order is the only order that never renames onto a position that
// has not moved yet. Missing positions are skipped.
func (r *Ring) Rotate() error {
	for i := 2; i <= r.Depth; i++ {
		cur := r.Path(i)
		if _, err := os.Stat(cur); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to stat %s: %w", cur, err)
		}
		if err := os.Rename(cur, r.Path(i-1)); err != nil {
			return fmt.Errorf("failed to rotate %s: %w", cur, err)
		}
	}
	return nil
}

// Commit writes rows to a synced temp file, rotates, and renames the temp
// file onto the newest position. A failure before the rotation leaves the
// ring untouched.
func (r *Ring) Commit(rows []merge.Row) error {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ring dir: %w", err)
	}
	tmp, err := os.CreateTemp(r.Dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp column: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func(cause error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return cause
	}

	w := bufio.NewWriter(tmp)
	if err := WriteRows(w, rows); err != nil {
		return discard(fmt.Errorf("failed to write temp column: %w", err))
	}
	if err := w.Flush(); err != nil {
		return discard(fmt.Errorf("failed to write temp column: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return discard(fmt.Errorf("failed to sync temp column: %w", err))
	}
	if err := tmp.Chmod(0o644); err != nil {
		return discard(fmt.Errorf("failed to chmod temp column: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp column: %w", err)
	}

	if err := r.Rotate(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, r.Path(r.Newest())); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish newest column: %w", err)
	}
	return nil
}

// Sweep removes temp files left by an interrupted Commit.
func (r *Ring) Sweep() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.Dir, tempPattern))
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove stale %s: %w", m, err)
		}
		removed = append(removed, m)
	}
	return removed, nil
}

// Positions lists the positions that currently have a file.
func (r *Ring) Positions() []int {
	var present []int
	for i := 1; i <= r.Depth; i++ {
		if _, err := os.Stat(r.Path(i)); err == nil {
			present = append(present, i)
		}
	}
	return present
}

// Read returns the rows stored at position i.
func (r *Ring) Read(i int) ([]merge.Row, error) {
	f, err := os.Open(r.Path(i))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRows(f)
}

// AppendLog appends rows to the master log in a single write.
func AppendLog(path string, rows []merge.Row) error {
	var buf bytes.Buffer
	if err := WriteRows(&buf, rows); err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open master log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to master log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync master log: %w", err)
	}
	return f.Close()
}

// WriteRows encodes one JSON object per line.
func WriteRows(w io.Writer, rows []merge.Row) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// ReadRows decodes a JSON-lines file. Blank lines are ignored.
func ReadRows(r io.Reader) ([]merge.Row, error) {
	var rows []merge.Row
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row merge.Row
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
