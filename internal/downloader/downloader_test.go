package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discogsography/extractor/internal/xtypes"
)

func testLogger() logger.Logger {
	return logger.New("downloader-test")
}

type fakeDiscoverer struct {
	files []xtypes.S3FileInfo
	err   error
}

func (f fakeDiscoverer) ListFiles(ctx context.Context) ([]xtypes.S3FileInfo, error) {
	return f.files, f.err
}

func TestDiscoverLatestPicksCompleteVersion(t *testing.T) {
	d, err := New(t.TempDir(), fakeDiscoverer{files: []xtypes.S3FileInfo{
		{Key: "data/discogs_20240101_artists.xml.gz", Size: 10},
		{Key: "data/discogs_20240101_labels.xml.gz", Size: 10},
		{Key: "data/discogs_20240101_masters.xml.gz", Size: 10},
		{Key: "data/discogs_20240101_releases.xml.gz", Size: 10},
		{Key: "data/discogs_20240101_CHECKSUM.txt", Size: 10},
	}}, testLogger())
	require.NoError(t, err)

	group, err := d.DiscoverLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "20240101", group.Token)
}

func TestDiscoverLatestNoCompleteVersionErrors(t *testing.T) {
	d, err := New(t.TempDir(), fakeDiscoverer{files: []xtypes.S3FileInfo{
		{Key: "data/discogs_20240101_artists.xml.gz", Size: 10},
	}}, testLogger())
	require.NoError(t, err)

	_, err = d.DiscoverLatest(context.Background())
	assert.Error(t, err, "expected error when no version is complete")
}

func TestEnsureDataTypeDownloadsAndCaches(t *testing.T) {
	content := []byte("fake gzip payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d, err := New(dir, fakeDiscoverer{}, testLogger())
	require.NoError(t, err)
	d.WithURLBuilder(func(key string) string { return srv.URL })

	group := &xtypes.VersionGroup{Token: "20240101", Files: map[string]xtypes.S3FileInfo{
		"artists": {Key: "data/discogs_20240101_artists.xml.gz", Size: int64(len(content))},
	}}

	path, err := d.EnsureDataType(context.Background(), group, xtypes.Artists)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(content), string(got))

	// Metadata sidecar should now exist and reflect the download.
	metaPath := filepath.Join(dir, metadataFileName)
	_, err = os.Stat(metaPath)
	assert.NoError(t, err, "expected metadata sidecar to exist")
}

func TestEnsureDataTypeSkipsUpToDateCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d, err := New(dir, fakeDiscoverer{}, testLogger())
	require.NoError(t, err)
	d.WithURLBuilder(func(key string) string { return srv.URL })

	group := &xtypes.VersionGroup{Token: "20240101", Files: map[string]xtypes.S3FileInfo{
		"artists": {Key: "data/discogs_20240101_artists.xml.gz", Size: 7},
	}}

	_, err = d.EnsureDataType(context.Background(), group, xtypes.Artists)
	require.NoError(t, err)
	_, err = d.EnsureDataType(context.Background(), group, xtypes.Artists)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "expected exactly one HTTP fetch when cache is valid")
}

func TestChecksumFileMatchesManualSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := ChecksumFile(path)
	require.NoError(t, err)
	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])
	assert.Equal(t, want, got)
}

func TestParseChecksumFile(t *testing.T) {
	data := []byte("abc123  discogs_20240101_artists.xml.gz\ndef456  discogs_20240101_labels.xml.gz\n")
	got := ParseChecksumFile(data)
	assert.Equal(t, "abc123", got["discogs_20240101_artists.xml.gz"])
	assert.Equal(t, "def456", got["discogs_20240101_labels.xml.gz"])
}
