// Package downloader discovers the latest complete Discogs dump
// version and downloads its files with checksum-verified local
// caching.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	logger "github.com/Bparsons0904/goLogger"

	"github.com/discogsography/extractor/internal/xtypes"
)

const (
	metadataFileName = ".discogs_metadata.json"
	checksumBufSize  = 32 * 1024

	initialRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
	maxRetries        = 5

	// userAgent is sent on every outgoing request. Both the S3 listing
	// endpoint and the HTML index occasionally reject clients that omit
	// a browser-like user agent.
	userAgent = "Mozilla/5.0 (compatible; DiscogsDistiller/0.1.0)"
)

// Discoverer lists every object currently published under the Discogs
// dump root. Two implementations exist: an S3 bucket-listing client
// (authoritative) and an HTML year-index scraper (fallback, used when
// S3 listing is unavailable); FallbackDiscoverer composes the two.
type Discoverer interface {
	ListFiles(ctx context.Context) ([]xtypes.S3FileInfo, error)
}

// Downloader discovers the newest complete dump version and fetches
// its four data files plus checksum manifest into outputDir, caching
// per-file metadata in a sidecar JSON document.
type Downloader struct {
	outputDir  string
	discoverer Discoverer
	client     *http.Client
	metadata   map[string]xtypes.LocalFileInfo
	log        logger.Logger

	// urlForKey turns a listed object key into a fetchable URL. The S3
	// discoverer's keys are already bucket-relative, so the default
	// joins them onto the public bucket's base URL.
	urlForKey func(key string) string
}

// New constructs a Downloader rooted at outputDir, loading any
// existing sidecar metadata.
func New(outputDir string, discoverer Discoverer, log logger.Logger) (*Downloader, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	metadata, err := loadMetadata(outputDir)
	if err != nil {
		return nil, err
	}
	return &Downloader{
		outputDir:  outputDir,
		discoverer: discoverer,
		client:     &http.Client{},
		metadata:   metadata,
		log:        log.Function("Downloader"),
		urlForKey:  func(key string) string { return s3ListBaseURL + key },
	}, nil
}

// WithURLBuilder overrides how an object key is turned into a
// fetchable URL — used when pairing a Downloader with an
// HTMLDiscoverer, whose keys must be translated into Discogs'
// `?download=` query-parameter download links.
func (d *Downloader) WithURLBuilder(f func(key string) string) *Downloader {
	d.urlForKey = f
	return d
}

// DiscoverLatest lists all available objects and selects the newest
// complete version (exactly one file per DataType plus a CHECKSUM).
func (d *Downloader) DiscoverLatest(ctx context.Context) (*xtypes.VersionGroup, error) {
	files, err := d.discoverer.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing available dump files: %w", err)
	}
	group, ok := xtypes.LatestComplete(files)
	if !ok {
		return nil, fmt.Errorf("no complete dump version found among %d listed objects", len(files))
	}
	return group, nil
}

// EnsureDataType downloads dt's file for the given version if it is
// missing or its cached checksum no longer matches, otherwise reuses
// the existing local copy. It returns the local file path.
func (d *Downloader) EnsureDataType(ctx context.Context, group *xtypes.VersionGroup, dt xtypes.DataType) (string, error) {
	obj, ok := group.Files[string(dt)]
	if !ok {
		return "", fmt.Errorf("version %s has no %s file", group.Token, dt)
	}
	return d.ensure(ctx, group.Token, obj)
}

// EnsureChecksum downloads the version's CHECKSUM manifest if needed.
func (d *Downloader) EnsureChecksum(ctx context.Context, group *xtypes.VersionGroup) (string, error) {
	obj, ok := group.Files["checksum"]
	if !ok {
		return "", fmt.Errorf("version %s has no checksum manifest", group.Token)
	}
	return d.ensure(ctx, group.Token, obj)
}

func (d *Downloader) ensure(ctx context.Context, version string, obj xtypes.S3FileInfo) (string, error) {
	name := filepath.Base(obj.Key)
	localPath := filepath.Join(d.outputDir, name)

	upToDate, err := d.isUpToDate(localPath, name, obj)
	if err != nil {
		return "", err
	}
	if upToDate {
		d.log.Debug("cached copy is up to date", "file", name)
		return localPath, nil
	}

	if err := d.downloadWithRetry(ctx, version, obj, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

// isUpToDate reports whether the cached copy at localPath can be
// reused: it must exist, its size must match the listed object (when
// known), and its checksum must match the recorded metadata.
func (d *Downloader) isUpToDate(localPath, name string, obj xtypes.S3FileInfo) (bool, error) {
	info, ok := d.metadata[name]
	if !ok {
		return false, nil
	}
	stat, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("statting %s: %w", localPath, err)
	}
	if obj.Size != xtypes.SizeUnknown && stat.Size() != obj.Size {
		return false, nil
	}
	checksum, err := ChecksumFile(localPath)
	if err != nil {
		return false, err
	}
	return checksum == info.Checksum, nil
}

// downloadWithRetry streams obj to destPath with capped exponential
// backoff retries, recomputing its checksum in the same pass.
func (d *Downloader) downloadWithRetry(ctx context.Context, version string, obj xtypes.S3FileInfo, destPath string) error {
	delay := initialRetryDelay
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		size, checksum, err := d.downloadOnce(ctx, obj, destPath)
		if err == nil {
			name := filepath.Base(obj.Key)
			d.metadata[name] = xtypes.LocalFileInfo{
				Path:     destPath,
				Checksum: checksum,
				Version:  version,
				Size:     size,
			}
			if err := d.saveMetadata(); err != nil {
				return err
			}
			d.log.Info("download complete", "file", name, "bytes", size)
			return nil
		}

		lastErr = err
		d.log.Warn("download attempt failed", "file", obj.Key, "attempt", attempt, "error", err)

		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return fmt.Errorf("downloading %s after %d attempts: %w", obj.Key, maxRetries, lastErr)
}

// downloadOnce performs one streaming HTTP GET, writing chunks to
// destPath while simultaneously updating a SHA-256 hasher so the
// checksum is ready the moment the download finishes, without a
// second read pass over the file.
func (d *Downloader) downloadOnce(ctx context.Context, obj xtypes.S3FileInfo, destPath string) (size int64, checksum string, err error) {
	url := d.urlForKey(obj.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("unexpected HTTP status %d for %s", resp.StatusCode, obj.Key)
	}

	tmp := destPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, "", fmt.Errorf("creating %s: %w", tmp, err)
	}
	defer f.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("streaming download body: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("closing downloaded file: %w", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		return 0, "", fmt.Errorf("finalizing downloaded file: %w", err)
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChecksumFile computes a file's SHA-256 digest in 32KB chunks.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, checksumBufSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return "", fmt.Errorf("reading %s for checksum: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ParseChecksumFile parses a Discogs CHECKSUM manifest's "sha256  filename"
// lines into a name->checksum map.
func ParseChecksumFile(data []byte) map[string]string {
	result := make(map[string]string)
	line := []byte{}
	flush := func() {
		fields := splitChecksumLine(line)
		if len(fields) == 2 {
			result[fields[1]] = fields[0]
		}
		line = line[:0]
	}
	for _, b := range data {
		if b == '\n' {
			flush()
			continue
		}
		line = append(line, b)
	}
	if len(line) > 0 {
		flush()
	}
	return result
}

func splitChecksumLine(line []byte) []string {
	s := string(line)
	var fields []string
	field := ""
	inField := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if inField {
				fields = append(fields, field)
				field = ""
				inField = false
			}
			continue
		}
		field += string(r)
		inField = true
	}
	if inField {
		fields = append(fields, field)
	}
	return fields
}

func loadMetadata(outputDir string) (map[string]xtypes.LocalFileInfo, error) {
	path := filepath.Join(outputDir, metadataFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]xtypes.LocalFileInfo), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var m map[string]xtypes.LocalFileInfo
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt sidecar is treated as "no cached files", which forces
		// every file to be downloaded again.
		return make(map[string]xtypes.LocalFileInfo), nil
	}
	return m, nil
}

func (d *Downloader) saveMetadata() error {
	path := filepath.Join(d.outputDir, metadataFileName)
	data, err := json.MarshalIndent(d.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
