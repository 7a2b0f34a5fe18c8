package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const utilResponse = `{"status":"success","data":{"resultType":"vector","result":[
{"metric":{"__name__":"nvidia_gpu_duty_cycle","cluster":"della","instance":"della-i12g1:9445","job":"Della GPU Nodes","minor_number":"0","name":"NVIDIA A100-PCIE-40GB","uuid":"GPU-ff986cfe"},"value":[1621785602.02,"37"]},
{"metric":{"__name__":"nvidia_gpu_duty_cycle","instance":"della-i12g1:9445","minor_number":"1"},"value":[1621785602.02,12]}
]}}`

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("{}"), 0o644))
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "util.1700000000", "util.1700000600", "util.99", "util.tmp", "uid.1800000000")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "util.1900000000"), 0o755))

	ts, err := Latest(dir, Util)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000600), ts, "numeric maximum, ignoring other families, directories and junk suffixes")
}

func TestLatestNoFiles(t *testing.T) {
	_, err := Latest(t.TempDir(), JobID)
	assert.True(t, errors.Is(err, ErrNoSnapshot))
}

func TestLatestMissingDir(t *testing.T) {
	_, err := Latest(filepath.Join(t.TempDir(), "nope"), JobID)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"util.100", "util.200",
		"uid.150", "uid.200",
		"jobid.200",
	)

	ts, err := Locate(dir, Families())
	require.NoError(t, err)
	assert.Equal(t, int64(200), ts)
}

func TestLocateMismatch(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "util.200", "uid.200", "jobid.300")

	_, err := Locate(dir, Families())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimestampMismatch))

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, map[string]int64{"util": 200, "uid": 200, "jobid": 300}, mismatch.Latest)
	assert.Contains(t, err.Error(), "util=200 uid=200 jobid=300")
}

func TestLocateMissingFamily(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "util.200", "jobid.200")

	_, err := Locate(dir, Families())
	assert.True(t, errors.Is(err, ErrNoSnapshot))
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "jobid.1622319602"), Path("/data", JobID, 1622319602))
}

func TestDecode(t *testing.T) {
	resp, err := Decode(strings.NewReader(utilResponse))
	require.NoError(t, err)

	require.Len(t, resp.Data.Result, 2)
	assert.Equal(t, "vector", resp.Data.ResultType)

	first := resp.Data.Result[0]
	assert.Equal(t, "della-i12g1", first.Host())
	assert.Equal(t, "0", first.GPUIndex())
	assert.Equal(t, "37", first.Value.Raw)
	assert.Equal(t, model.Time(1621785602020), first.Value.Time)
	assert.Equal(t, model.LabelValue("NVIDIA A100-PCIE-40GB"), first.Metric["name"])

	second := resp.Data.Result[1]
	assert.Equal(t, "12", second.Value.Raw, "numeric values keep their literal text")
	assert.Equal(t, "1", second.GPUIndex())
}

func TestDecodeBadStatus(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"status":"error","errorType":"timeout","data":{"result":[]}}`))

	assert.True(t, errors.Is(err, ErrBadStatus))
}

func TestDecodeMalformedValue(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"status":"success","data":{"result":[{"metric":{},"value":[1]}]}}`))
	assert.Error(t, err)
}

func TestHostWithoutPort(t *testing.T) {
	s := Sample{Metric: model.Metric{model.InstanceLabel: "cluster1-i14g3"}}
	assert.Equal(t, "cluster1-i14g3", s.Host())
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "util.1")
	bad := filepath.Join(dir, "util.2")
	require.NoError(t, os.WriteFile(good, []byte(utilResponse), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte(`{"status":"error"}`), 0o644))

	resp, err := ReadFile(good)
	require.NoError(t, err)
	assert.Len(t, resp.Data.Result, 2)

	_, err = ReadFile(bad)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, bad, statusErr.Path)
	assert.Equal(t, "error", statusErr.Status)

	_, err = ReadFile(filepath.Join(dir, "util.3"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFamilies(t *testing.T) {
	fams := Families()
	require.Len(t, fams, 3)
	assert.Equal(t, []string{"util", "uid", "jobid"}, []string{fams[0].Name, fams[1].Name, fams[2].Name})
	assert.True(t, UID.Ownership())
	assert.False(t, Util.Ownership())
	assert.Equal(t, "jobid", JobID.Field.String())
}
