package downloader

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	logger "github.com/Bparsons0904/goLogger"

	"github.com/discogsography/extractor/internal/xtypes"
)

const (
	s3ListBaseURL   = "https://discogs-data-dumps.s3.us-west-2.amazonaws.com/"
	discogsDataHTML = "https://data.discogs.com/"
	s3KeyPrefix     = "data/"
)

// s3ListBucketResult mirrors the subset of an S3 ListObjectsV2 XML
// response this package needs.
type s3ListBucketResult struct {
	XMLName     xml.Name   `xml:"ListBucketResult"`
	Contents    []s3Object `xml:"Contents"`
	IsTruncated bool       `xml:"IsTruncated"`
	NextMarker  string     `xml:"NextContinuationToken"`
}

type s3Object struct {
	Key  string `xml:"Key"`
	Size int64  `xml:"Size"`
}

// S3Discoverer lists dump objects by paging an S3 bucket's
// ListObjectsV2 XML endpoint. This is the authoritative discovery
// path; HTMLDiscoverer is the fallback used when bucket listing is
// disabled for the account.
type S3Discoverer struct {
	BaseURL string
	Client  *http.Client
}

// NewS3Discoverer returns an S3Discoverer against the public Discogs
// dumps bucket.
func NewS3Discoverer() *S3Discoverer {
	return &S3Discoverer{BaseURL: s3ListBaseURL, Client: http.DefaultClient}
}

func (s *S3Discoverer) ListFiles(ctx context.Context) ([]xtypes.S3FileInfo, error) {
	var all []xtypes.S3FileInfo
	marker := ""

	for {
		url := s.BaseURL + "?list-type=2&prefix=" + s3KeyPrefix
		if marker != "" {
			url += "&continuation-token=" + marker
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("building S3 list request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := s.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("listing S3 bucket: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading S3 list response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("S3 list returned status %d", resp.StatusCode)
		}

		var result s3ListBucketResult
		if err := xml.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decoding S3 list response: %w", err)
		}

		for _, obj := range result.Contents {
			if _, ok := xtypes.VersionToken(obj.Key); ok {
				all = append(all, xtypes.S3FileInfo{Key: obj.Key, Size: obj.Size})
			}
		}

		if !result.IsTruncated || result.NextMarker == "" {
			break
		}
		marker = result.NextMarker
	}

	return all, nil
}

// HTMLDiscoverer scrapes the public Discogs data-dump index pages,
// used when S3 bucket listing returns AccessDenied. Object sizes are
// not available from HTML, so discovered files carry xtypes.SizeUnknown.
type HTMLDiscoverer struct {
	BaseURL string
	Client  *http.Client
	// YearsToCheck bounds how many of the most recent year directories
	// are scraped; the newest dumps are always in the current or
	// immediately preceding year.
	YearsToCheck int
}

var (
	yearLinkPattern = regexp.MustCompile(`href="\?prefix=data%2F(\d{4})%2F"`)
	fileLinkPattern = regexp.MustCompile(`\?download=data%2F\d{4}%2F(discogs_(\d{8})_[^"&]+)`)
)

// NewHTMLDiscoverer returns an HTMLDiscoverer checking the two most
// recent year directories.
func NewHTMLDiscoverer() *HTMLDiscoverer {
	return &HTMLDiscoverer{BaseURL: discogsDataHTML, Client: http.DefaultClient, YearsToCheck: 2}
}

// DownloadURL builds an HTML-index download link for a key produced by
// ListFiles, suitable for use as a Downloader's urlForKey override via
// WithURLBuilder.
func (h *HTMLDiscoverer) DownloadURL(key string) string {
	return h.BaseURL + "?download=" + url.QueryEscape(key)
}

func (h *HTMLDiscoverer) ListFiles(ctx context.Context) ([]xtypes.S3FileInfo, error) {
	index, err := h.fetch(ctx, h.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("fetching discogs data index: %w", err)
	}

	years := dedupeOrdered(yearLinkPattern.FindAllStringSubmatch(index, -1))
	if len(years) == 0 {
		return nil, fmt.Errorf("no year directories found on discogs data index")
	}

	sortDescending(years)
	if len(years) > h.YearsToCheck {
		years = years[:h.YearsToCheck]
	}

	var files []xtypes.S3FileInfo
	for _, year := range years {
		yearURL := fmt.Sprintf("%s?prefix=data%%2F%s%%2F", h.BaseURL, year)
		html, err := h.fetch(ctx, yearURL)
		if err != nil {
			continue // a bad year directory shouldn't fail discovery of the others
		}
		for _, m := range fileLinkPattern.FindAllStringSubmatch(html, -1) {
			key := s3KeyPrefix + year + "/" + m[1]
			files = append(files, xtypes.S3FileInfo{Key: key, Size: xtypes.SizeUnknown})
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no files found on discogs data index")
	}
	return files, nil
}

func (h *HTMLDiscoverer) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func dedupeOrdered(matches [][]string) []string {
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) < 2 || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}

func sortDescending(years []string) {
	// Insertion sort is plenty for the handful of year directories a
	// dump index ever has.
	for i := 1; i < len(years); i++ {
		j := i
		for j > 0 && less(years[j], years[j-1]) {
			years[j], years[j-1] = years[j-1], years[j]
			j--
		}
	}
}

func less(a, b string) bool {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return an > bn // descending
	}
	return a > b
}

// FallbackDiscoverer tries primary first and only calls secondary when
// primary's ListFiles fails outright — e.g. the S3 bucket starts
// returning AccessDenied. It remembers which discoverer satisfied the
// most recent call so DownloadURL can route each key through the
// matching URL scheme.
type FallbackDiscoverer struct {
	primary   *S3Discoverer
	secondary *HTMLDiscoverer
	log       logger.Logger

	usedFallback bool
}

// NewFallbackDiscoverer pairs an S3Discoverer with an HTMLDiscoverer,
// preferring the former and falling back to the latter on failure.
func NewFallbackDiscoverer(primary *S3Discoverer, secondary *HTMLDiscoverer, log logger.Logger) *FallbackDiscoverer {
	return &FallbackDiscoverer{primary: primary, secondary: secondary, log: log.Function("FallbackDiscoverer")}
}

func (f *FallbackDiscoverer) ListFiles(ctx context.Context) ([]xtypes.S3FileInfo, error) {
	files, err := f.primary.ListFiles(ctx)
	if err == nil {
		f.usedFallback = false
		return files, nil
	}
	f.log.Warn("S3 bucket listing failed, falling back to HTML index", "error", err)

	files, fallbackErr := f.secondary.ListFiles(ctx)
	if fallbackErr != nil {
		return nil, fmt.Errorf("S3 listing failed (%v) and HTML fallback also failed: %w", err, fallbackErr)
	}
	f.usedFallback = true
	return files, nil
}

// DownloadURL builds a fetchable URL for a key produced by the most
// recent ListFiles call, using whichever discoverer actually produced
// it. Pass this as a Downloader's WithURLBuilder so downloads keep
// working after a fallback.
func (f *FallbackDiscoverer) DownloadURL(key string) string {
	if f.usedFallback {
		return f.secondary.DownloadURL(key)
	}
	return s3ListBaseURL + key
}
