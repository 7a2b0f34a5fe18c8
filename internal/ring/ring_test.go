package ring

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chambridge/gpudash-aggregator/internal/merge"
)

func fillRing(t *testing.T, r *Ring) {
	t.Helper()
	for i := 1; i <= r.Depth; i++ {
		require.NoError(t, os.WriteFile(r.Path(i), []byte("marker-"+strconv.Itoa(i)), 0o644))
	}
}

func readMarker(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func sampleRows(ts string) []merge.Row {
	return []merge.Row{
		{Timestamp: ts, Host: "gpu-a1", Index: "0", User: "alice", Util: "87", JobID: "123"},
		{Timestamp: ts, Host: "gpu-a1", Index: "1", User: merge.Offline, Util: merge.NotAvailable, JobID: merge.NotAvailable},
	}
}

func TestPath(t *testing.T) {
	r := New("/scratch/.gpudash", 7)
	assert.Equal(t, "/scratch/.gpudash/column.7", r.Path(7))
	assert.Equal(t, 7, r.Newest())
}

func TestRotateShiftsDown(t *testing.T) {
	r := New(t.TempDir(), 7)
	fillRing(t, r)

	require.NoError(t, r.Rotate())

	for i := 1; i <= 6; i++ {
		assert.Equal(t, "marker-"+strconv.Itoa(i+1), readMarker(t, r.Path(i)), "position %d holds the prior content of %d", i, i+1)
	}
	_, err := os.Stat(r.Path(7))
	assert.True(t, os.IsNotExist(err), "newest position is vacated until Commit")
}

func TestRotateWithGaps(t *testing.T) {
	r := New(t.TempDir(), 4)
	require.NoError(t, os.WriteFile(r.Path(2), []byte("two"), 0o644))
	require.NoError(t, os.WriteFile(r.Path(4), []byte("four"), 0o644))

	require.NoError(t, r.Rotate())

	assert.Equal(t, "two", readMarker(t, r.Path(1)))
	assert.Equal(t, "four", readMarker(t, r.Path(3)))
	assert.Equal(t, []int{1, 3}, r.Positions())
}

func TestRotateEmptyDir(t *testing.T) {
	r := New(t.TempDir(), 7)
	assert.NoError(t, r.Rotate())
	assert.Empty(t, r.Positions())
}

func TestCommit(t *testing.T) {
	r := New(t.TempDir(), 7)
	fillRing(t, r)
	rows := sampleRows("1700000000")

	require.NoError(t, r.Commit(rows))

	for i := 1; i <= 6; i++ {
		assert.Equal(t, "marker-"+strconv.Itoa(i+1), readMarker(t, r.Path(i)))
	}
	got, err := r.Read(7)
	require.NoError(t, err)
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("newest column mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i <= 7; i++ {
		assert.NotEqual(t, "marker-1", readMarker(t, r.Path(i)), "oldest snapshot is dropped")
	}

	stale, err := r.Sweep()
	require.NoError(t, err)
	assert.Empty(t, stale, "Commit leaves no temp files behind")
}

func TestCommitNeverExceedsDepth(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 3)

	for run := 0; run < 5; run++ {
		require.NoError(t, r.Commit(sampleRows(strconv.Itoa(run))))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	for i, want := range []string{"2", "3", "4"} {
		rows, err := r.Read(i + 1)
		require.NoError(t, err)
		assert.Equal(t, want, rows[0].Timestamp, "position %d", i+1)
	}
}

func TestCommitCreatesDir(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "nested", "ring"), 2)

	require.NoError(t, r.Commit(sampleRows("1")))
	assert.Equal(t, []int{2}, r.Positions())
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 7)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".column-123.tmp"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(r.Path(1), []byte("keep"), 0o644))

	removed, err := r.Sweep()
	require.NoError(t, err)

	assert.Len(t, removed, 1)
	assert.Equal(t, "keep", readMarker(t, r.Path(1)))
}

func TestAppendLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utilization.json")

	require.NoError(t, AppendLog(path, sampleRows("1")))
	require.NoError(t, AppendLog(path, sampleRows("2")))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := ReadRows(f)
	require.NoError(t, err)

	want := append(sampleRows("1"), sampleRows("2")...)
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("master log mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRowsFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRows(&buf, sampleRows("1700000000")[:1]))

	assert.Equal(t,
		`{"timestamp":"1700000000","host":"gpu-a1","index":"0","user":"alice","util":"87","jobid":"123"}`+"\n",
		buf.String())
}

func TestReadRowsBadLine(t *testing.T) {
	_, err := ReadRows(bytes.NewBufferString("{\"host\":\"a\"}\n\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}
