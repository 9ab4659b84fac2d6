package statemarker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discogsography/extractor/internal/xtypes"
)

func TestNewMarkerStartsAllPending(t *testing.T) {
	m := New(t.TempDir(), "20240101")
	process, discard, pending := m.ShouldProcess()
	assert.True(t, process)
	assert.False(t, discard)
	assert.Len(t, pending, len(xtypes.AllDataTypes))
}

func TestShouldProcessSkipsCompletedVersion(t *testing.T) {
	m := New(t.TempDir(), "20240101")
	m.Summary.OverallStatus = Completed
	process, _, _ := m.ShouldProcess()
	assert.False(t, process, "expected Completed summary to skip processing")
}

func TestShouldProcessDiscardsOnFailedDownload(t *testing.T) {
	m := New(t.TempDir(), "20240101")
	m.Download.Status = Failed
	process, discard, pending := m.ShouldProcess()
	assert.True(t, process)
	assert.True(t, discard)
	assert.Len(t, pending, len(xtypes.AllDataTypes), "expected full restart to re-enqueue every data type")
}

func TestShouldProcessOnlyEnqueuesIncompleteFiles(t *testing.T) {
	m := New(t.TempDir(), "20240101")
	require.NoError(t, m.BeginFile(xtypes.Artists))
	require.NoError(t, m.CompleteFile(xtypes.Artists))

	_, _, pending := m.ShouldProcess()
	assert.NotContains(t, pending, xtypes.Artists, "completed file should not be re-enqueued")
	assert.Len(t, pending, len(xtypes.AllDataTypes)-1)
}

func TestFileStatusTransitionsAndRollup(t *testing.T) {
	m := New(t.TempDir(), "20240101")
	for _, dt := range xtypes.AllDataTypes {
		require.NoError(t, m.BeginFile(dt))
	}
	for _, dt := range xtypes.AllDataTypes[:3] {
		require.NoError(t, m.UpdateFileProgress(dt, 100, 100, 1))
		require.NoError(t, m.CompleteFile(dt))
	}
	require.NoError(t, m.FailFile(xtypes.Releases, errors.New("boom")))

	assert.Equal(t, 3, m.FilesCompleted())

	records, messages, batches := m.Totals()
	assert.EqualValues(t, 300, records)
	assert.EqualValues(t, 300, messages)
	assert.EqualValues(t, 3, batches)

	require.NoError(t, m.Finalize(time.Now().Add(-time.Minute)))
	assert.Equal(t, Failed, m.Summary.OverallStatus, "one file failed, overall status should be Failed")
}

func TestCannotRestartCompletedFile(t *testing.T) {
	m := New(t.TempDir(), "20240101")
	require.NoError(t, m.BeginFile(xtypes.Artists))
	require.NoError(t, m.CompleteFile(xtypes.Artists))
	assert.Error(t, m.BeginFile(xtypes.Artists))
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "20240101")
	require.NoError(t, m.BeginFile(xtypes.Artists))
	require.NoError(t, m.UpdateFileProgress(xtypes.Artists, 42, 42, 1))

	loaded, err := Load(dir, "20240101")
	require.NoError(t, err)
	require.NotNil(t, loaded, "expected marker to be found on disk")

	assert.EqualValues(t, 42, loaded.Processing.Files["artists"].RecordsExtracted)
	assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
}

func TestLoadMissingReturnsNilNil(t *testing.T) {
	m, err := Load(t.TempDir(), "99999999")
	require.NoError(t, err)
	assert.Nil(t, m, "expected nil marker for nonexistent sidecar")
}

func TestPathForMatchesSidecarConvention(t *testing.T) {
	got := PathFor("/data", "20240101")
	want := filepath.Join("/data", ".extraction_status_20240101.json")
	assert.Equal(t, want, got)
}
