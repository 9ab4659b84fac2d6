package xtypes

import (
	"fmt"
	"regexp"
	"sort"
)

// filenamePattern matches Discogs dump object keys:
// discogs_<YYYYMMDD>_<type>.xml.gz or discogs_<YYYYMMDD>_CHECKSUM.txt
var filenamePattern = regexp.MustCompile(`discogs_(\d{8})_([A-Za-z]+)`)

// S3FileInfo is a remote object descriptor discovered via bucket
// listing or HTML scraping. Size is -1 when unknown (HTML path).
type S3FileInfo struct {
	Key  string
	Size int64
}

const SizeUnknown int64 = -1

// LocalFileInfo is the sidecar-cached descriptor for a downloaded file.
type LocalFileInfo struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Version  string `json:"version"`
	Size     int64  `json:"size"`
}

// VersionToken extracts the eight-digit date token from a dump object
// key, and ok=false if the key does not match the expected pattern.
func VersionToken(key string) (token string, ok bool) {
	m := filenamePattern.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FileKind extracts the lowercase kind token (data type name, or
// "checksum") from a dump object key.
func FileKind(key string) (kind string, ok bool) {
	m := filenamePattern.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	local := m[2]
	if len(local) >= 8 && local[:8] == "CHECKSUM" {
		return "checksum", true
	}
	return local, true
}

// VersionGroup is every object sharing one version token.
type VersionGroup struct {
	Token         string
	Files         map[string]S3FileInfo // kind -> file ("artists", "labels", "masters", "releases", "checksum")
}

// Complete reports whether this group has exactly the five required
// objects: one file per DataType plus one CHECKSUM.
func (g VersionGroup) Complete() bool {
	if len(g.Files) != 5 {
		return false
	}
	if _, ok := g.Files["checksum"]; !ok {
		return false
	}
	for _, dt := range AllDataTypes {
		if _, ok := g.Files[string(dt)]; !ok {
			return false
		}
	}
	return true
}

// GroupByVersion groups a flat object listing by version token.
func GroupByVersion(objects []S3FileInfo) map[string]*VersionGroup {
	groups := make(map[string]*VersionGroup)
	for _, obj := range objects {
		token, ok := VersionToken(obj.Key)
		if !ok {
			continue
		}
		kind, ok := FileKind(obj.Key)
		if !ok {
			continue
		}
		g, exists := groups[token]
		if !exists {
			g = &VersionGroup{Token: token, Files: make(map[string]S3FileInfo)}
			groups[token] = g
		}
		g.Files[kind] = obj
	}
	return groups
}

// LatestComplete picks the lexicographically-greatest complete version
// token (valid because tokens are fixed-width YYYYMMDD dates). It
// returns ok=false when no version is complete.
func LatestComplete(objects []S3FileInfo) (*VersionGroup, bool) {
	groups := GroupByVersion(objects)
	tokens := make([]string, 0, len(groups))
	for t := range groups {
		tokens = append(tokens, t)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(tokens)))

	for _, t := range tokens {
		if groups[t].Complete() {
			return groups[t], true
		}
	}
	return nil, false
}

// DumpFileName is the conventional local filename for a given
// version+DataType, stripped of any remote key prefix.
func DumpFileName(version string, dt DataType) string {
	return fmt.Sprintf("discogs_%s_%s.xml.gz", version, dt)
}

// ChecksumFileName is the conventional local filename for a version's
// CHECKSUM object.
func ChecksumFileName(version string) string {
	return fmt.Sprintf("discogs_%s_CHECKSUM.txt", version)
}
