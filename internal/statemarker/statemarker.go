// Package statemarker implements the extractor's resumability record:
// a per-version, phase-structured progress document persisted as a
// pretty-printed JSON sidecar file.
package statemarker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logger "github.com/Bparsons0904/goLogger"

	"github.com/discogsography/extractor/internal/xtypes"
)

// SchemaVersion is the on-disk schema version written into every
// marker. Bump only on a breaking field-layout change.
const SchemaVersion = "1.0"

// PhaseStatus is the closed set of phase/file states.
type PhaseStatus string

const (
	Pending    PhaseStatus = "pending"
	InProgress PhaseStatus = "in_progress"
	Completed  PhaseStatus = "completed"
	Failed     PhaseStatus = "failed"
)

// FileStatus is one file's processing record within ProcessingPhase.
type FileStatus struct {
	Status            PhaseStatus `json:"status"`
	RecordsExtracted  uint64      `json:"recordsExtracted"`
	MessagesPublished uint64      `json:"messagesPublished"`
	BatchesSent       uint64      `json:"batchesSent"`
	StartedAt         *time.Time  `json:"startedAt,omitempty"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
	Error             string      `json:"error,omitempty"`
}

// DownloadPhase tracks per-file download completion and total bytes.
type DownloadPhase struct {
	Status     PhaseStatus            `json:"status"`
	Files      map[string]PhaseStatus `json:"files"`
	TotalBytes uint64                 `json:"totalBytes"`
	Errors     []string               `json:"errors,omitempty"`
}

// ProcessingPhase tracks per-file parse/publish progress.
type ProcessingPhase struct {
	Status      PhaseStatus            `json:"status"`
	Files       map[string]*FileStatus `json:"files"`
	CurrentFile string                 `json:"currentFile,omitempty"`
	Errors      []string               `json:"errors,omitempty"`
}

// PublishingPhase tracks broker-side aggregates.
type PublishingPhase struct {
	Status           PhaseStatus `json:"status"`
	MessagesSent     uint64      `json:"messagesSent"`
	BatchesSent      uint64      `json:"batchesSent"`
	LastHeartbeat    *time.Time  `json:"lastHeartbeat,omitempty"`
	Errors           []string    `json:"errors,omitempty"`
}

// Summary is the terminal-state rollup of all three phases.
type Summary struct {
	OverallStatus       PhaseStatus            `json:"overallStatus"`
	TotalDuration       time.Duration          `json:"totalDuration"`
	PerDataTypeStatus   map[string]PhaseStatus `json:"perDataTypeStatus"`
}

// Marker is the complete resumability record for one dump version.
type Marker struct {
	mu sync.Mutex

	path string

	SchemaVersion string          `json:"schemaVersion"`
	LastUpdated   time.Time       `json:"lastUpdated"`
	Version       string          `json:"version"`
	Download      DownloadPhase   `json:"downloadPhase"`
	Processing    ProcessingPhase `json:"processingPhase"`
	Publishing    PublishingPhase `json:"publishingPhase"`
	Summary       Summary         `json:"summary"`
}

// PathFor returns the conventional sidecar path for a version within
// the given root directory: `.extraction_status_<version>.json`.
func PathFor(root, version string) string {
	return filepath.Join(root, fmt.Sprintf(".extraction_status_%s.json", version))
}

// New creates a fresh, all-Pending Marker for a version.
func New(root, version string) *Marker {
	files := make(map[string]*FileStatus, len(xtypes.AllDataTypes))
	dlFiles := make(map[string]PhaseStatus, len(xtypes.AllDataTypes))
	perType := make(map[string]PhaseStatus, len(xtypes.AllDataTypes))
	for _, dt := range xtypes.AllDataTypes {
		files[string(dt)] = &FileStatus{Status: Pending}
		dlFiles[string(dt)] = Pending
		perType[string(dt)] = Pending
	}
	return &Marker{
		path:          PathFor(root, version),
		SchemaVersion: SchemaVersion,
		LastUpdated:   time.Now(),
		Version:       version,
		Download:      DownloadPhase{Status: Pending, Files: dlFiles},
		Processing:    ProcessingPhase{Status: Pending, Files: files},
		Publishing:    PublishingPhase{Status: Pending},
		Summary:       Summary{OverallStatus: Pending, PerDataTypeStatus: perType},
	}
}

// Load reads a marker from disk, returning (nil, nil) if the sidecar
// does not exist yet — callers should then fall back to New.
func Load(root, version string) (*Marker, error) {
	path := PathFor(root, version)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state marker %s: %w", path, err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding state marker %s: %w", path, err)
	}
	m.path = path
	return &m, nil
}

// save writes the marker atomically: encode to a temp file in the
// same directory, then rename over the target. Caller must hold mu.
func (m *Marker) save() error {
	m.LastUpdated = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state marker: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state marker temp file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("renaming state marker into place: %w", err)
	}
	return nil
}

// Persist locks, writes, and unlocks — the minimum critical section
// spanning one disk write.
func (m *Marker) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save()
}

// ShouldProcess applies the resume decision:
//   - Summary Completed -> skip the whole version.
//   - DownloadPhase Failed -> caller should discard the marker and
//     restart from scratch (returns process=true, discard=true).
//   - otherwise -> only files not in Completed state are enqueued.
func (m *Marker) ShouldProcess() (process bool, discard bool, pending []xtypes.DataType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Summary.OverallStatus == Completed {
		return false, false, nil
	}
	if m.Download.Status == Failed {
		return true, true, xtypes.AllDataTypes
	}
	for _, dt := range xtypes.AllDataTypes {
		fs, ok := m.Processing.Files[string(dt)]
		if !ok || fs.Status != Completed {
			pending = append(pending, dt)
		}
	}
	return true, false, pending
}

// BeginDownload transitions the download phase to in-progress.
func (m *Marker) BeginDownload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Download.Status = InProgress
	return m.save()
}

// RecordDownloaded marks one file downloaded and adds its byte count.
func (m *Marker) RecordDownloaded(dt xtypes.DataType, bytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Download.Files[string(dt)] = Completed
	m.Download.TotalBytes += bytes
	if allDownloadsComplete(m.Download.Files) {
		m.Download.Status = Completed
	}
	return m.save()
}

// FailDownload records a download-phase error for one file.
func (m *Marker) FailDownload(dt xtypes.DataType, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Download.Files[string(dt)] = Failed
	m.Download.Status = Failed
	m.Download.Errors = append(m.Download.Errors, fmt.Sprintf("%s: %v", dt, cause))
	return m.save()
}

func allDownloadsComplete(files map[string]PhaseStatus) bool {
	for _, s := range files {
		if s != Completed {
			return false
		}
	}
	return true
}

// BeginFile transitions one file's ProcessingStatus to InProgress.
// Within a run a file moves Pending->InProgress->(Completed|Failed);
// a Completed file is refused, while a Failed or InProgress file left
// by an earlier run may be begun again so it is re-processed.
func (m *Marker) BeginFile(dt xtypes.DataType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.fileStatus(dt)
	if fs.Status == Completed {
		return fmt.Errorf("cannot restart completed file %s", dt)
	}
	now := time.Now()
	fs.Status = InProgress
	fs.StartedAt = &now
	m.Processing.Status = InProgress
	m.Processing.CurrentFile = string(dt)
	return m.save()
}

// SetRecordsExtracted updates only a file's records-extracted count,
// for the mid-stream periodic checkpoint taken every StateSaveInterval
// records during batching. Publish counters are left untouched here;
// UpdateFileProgress sets the full, final picture once the file's
// publisher drains.
func (m *Marker) SetRecordsExtracted(dt xtypes.DataType, recordsExtracted uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.fileStatus(dt)
	fs.RecordsExtracted = recordsExtracted
	return m.save()
}

// UpdateFileProgress recomputes one file's counters as absolute sums;
// they are never incremented directly, so a crash mid-batch can never
// leave a counter ahead of what was actually persisted.
func (m *Marker) UpdateFileProgress(dt xtypes.DataType, recordsExtracted, messagesPublished, batchesSent uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.fileStatus(dt)
	fs.RecordsExtracted = recordsExtracted
	fs.MessagesPublished = messagesPublished
	fs.BatchesSent = batchesSent
	return m.save()
}

// CompleteFile transitions one file to Completed. This must be called,
// and persisted, strictly before the caller publishes that file's
// FileCompleteMessage — otherwise a crash between the two could
// publish completion for a file the marker still thinks is pending.
func (m *Marker) CompleteFile(dt xtypes.DataType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.fileStatus(dt)
	now := time.Now()
	fs.Status = Completed
	fs.CompletedAt = &now
	m.recomputeProcessingRollup()
	return m.save()
}

// FailFile transitions one file to Failed and records the cause.
func (m *Marker) FailFile(dt xtypes.DataType, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.fileStatus(dt)
	fs.Status = Failed
	fs.Error = cause.Error()
	m.Processing.Errors = append(m.Processing.Errors, fmt.Sprintf("%s: %v", dt, cause))
	m.recomputeProcessingRollup()
	return m.save()
}

func (m *Marker) fileStatus(dt xtypes.DataType) *FileStatus {
	fs, ok := m.Processing.Files[string(dt)]
	if !ok {
		fs = &FileStatus{Status: Pending}
		m.Processing.Files[string(dt)] = fs
	}
	return fs
}

func (m *Marker) recomputeProcessingRollup() {
	allDone := true
	anyFailed := false
	for _, fs := range m.Processing.Files {
		switch fs.Status {
		case Failed:
			anyFailed = true
		case Completed:
			// terminal, counted below
		default:
			allDone = false
		}
	}
	switch {
	case anyFailed:
		m.Processing.Status = Failed
	case allDone:
		m.Processing.Status = Completed
	default:
		m.Processing.Status = InProgress
	}
}

// FilesCompleted returns the count of files in Completed state.
func (m *Marker) FilesCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, fs := range m.Processing.Files {
		if fs.Status == Completed {
			n++
		}
	}
	return n
}

// Totals sums records/messages/batches across the per-file map; always
// recomputed, never tracked as a separate running counter.
func (m *Marker) Totals() (recordsExtracted, messagesPublished, batchesSent uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fs := range m.Processing.Files {
		recordsExtracted += fs.RecordsExtracted
		messagesPublished += fs.MessagesPublished
		batchesSent += fs.BatchesSent
	}
	return
}

// RecordHeartbeat updates the publishing phase's last-contact time and
// aggregate counters; it does not by itself change per-file state.
func (m *Marker) RecordHeartbeat(messagesSent, batchesSent uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.Publishing.LastHeartbeat = &now
	m.Publishing.MessagesSent = messagesSent
	m.Publishing.BatchesSent = batchesSent
	m.Publishing.Status = InProgress
	return m.save()
}

// Finalize computes Summary.overall_status: Failed if any phase is
// Failed, Completed only once all three phases are Completed, else
// InProgress.
func (m *Marker) Finalize(started time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Download.Status == Completed && m.Processing.Status == Completed {
		m.Publishing.Status = Completed
	}

	switch {
	case m.Download.Status == Failed || m.Processing.Status == Failed || m.Publishing.Status == Failed:
		m.Summary.OverallStatus = Failed
	case m.Download.Status == Completed && m.Processing.Status == Completed && m.Publishing.Status == Completed:
		m.Summary.OverallStatus = Completed
	default:
		m.Summary.OverallStatus = InProgress
	}
	m.Summary.TotalDuration = time.Since(started)
	for _, dt := range xtypes.AllDataTypes {
		if fs, ok := m.Processing.Files[string(dt)]; ok {
			m.Summary.PerDataTypeStatus[string(dt)] = fs.Status
		}
	}
	return m.save()
}

// LogSnapshot emits an info-level summary line with structured
// key-value fields for the version's final counters.
func (m *Marker) LogSnapshot(log logger.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, messages, batches := uint64(0), uint64(0), uint64(0)
	for _, fs := range m.Processing.Files {
		records += fs.RecordsExtracted
		messages += fs.MessagesPublished
		batches += fs.BatchesSent
	}
	log.Function("LogSnapshot").Info("state marker snapshot",
		"version", m.Version,
		"overallStatus", m.Summary.OverallStatus,
		"recordsExtracted", records,
		"messagesPublished", messages,
		"batchesSent", batches,
	)
}
