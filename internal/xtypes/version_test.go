package xtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionTokenAndFileKind(t *testing.T) {
	cases := []struct {
		key       string
		wantToken string
		wantKind  string
	}{
		{"data/discogs_20240101_artists.xml.gz", "20240101", "artists"},
		{"discogs_20240101_CHECKSUM.txt", "20240101", "checksum"},
		{"discogs_20231201_releases.xml.gz", "20231201", "releases"},
	}
	for _, c := range cases {
		token, ok := VersionToken(c.key)
		assert.True(t, ok, "VersionToken(%q)", c.key)
		assert.Equal(t, c.wantToken, token)

		kind, ok := FileKind(c.key)
		assert.True(t, ok, "FileKind(%q)", c.key)
		assert.Equal(t, c.wantKind, kind)
	}

	_, ok := VersionToken("README.md")
	assert.False(t, ok, "expected no match for unrelated filename")
}

func TestLatestCompletePicksNewestCompleteVersion(t *testing.T) {
	objects := []S3FileInfo{
		{Key: "discogs_20240201_artists.xml.gz"},
		{Key: "discogs_20240201_labels.xml.gz"},
		{Key: "discogs_20240201_masters.xml.gz"},
		{Key: "discogs_20240201_releases.xml.gz"},
		{Key: "discogs_20240201_CHECKSUM.txt"},

		// Newer version is incomplete (missing releases) and must be skipped.
		{Key: "discogs_20240301_artists.xml.gz"},
		{Key: "discogs_20240301_labels.xml.gz"},
		{Key: "discogs_20240301_masters.xml.gz"},
		{Key: "discogs_20240301_CHECKSUM.txt"},
	}

	g, ok := LatestComplete(objects)
	require.True(t, ok, "expected a complete version")
	assert.Equal(t, "20240201", g.Token)
}

func TestLatestCompleteNoneComplete(t *testing.T) {
	objects := []S3FileInfo{
		{Key: "discogs_20240201_artists.xml.gz"},
	}
	_, ok := LatestComplete(objects)
	assert.False(t, ok, "expected no complete version")
}

func TestVersionGroupComplete(t *testing.T) {
	g := VersionGroup{Token: "20240101", Files: map[string]S3FileInfo{
		"artists":  {Key: "a"},
		"labels":   {Key: "b"},
		"masters":  {Key: "c"},
		"releases": {Key: "d"},
		"checksum": {Key: "e"},
	}}
	assert.True(t, g.Complete())

	delete(g.Files, "checksum")
	assert.False(t, g.Complete(), "expected group missing checksum to be incomplete")
}
