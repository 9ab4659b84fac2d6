// Package health exposes the extractor's read-only, unauthenticated
// /health, /metrics, and /ready endpoints over a lock-guarded run
// state snapshot.
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/discogsography/extractor/internal/xtypes"
)

// State is the shared, mutable run state the health endpoints read.
// It is guarded by a single RWMutex: write-held only for counter
// bumps and set insertions, read-held by the endpoints.
type State struct {
	mu sync.RWMutex

	currentTask       string
	progressPct       float64
	extraction        *xtypes.ExtractionProgress
	activeConnections map[xtypes.DataType]string
	completedFiles    map[string]bool
	lastActivity      map[xtypes.DataType]time.Time
	errorCount        uint64
}

// NewState returns an empty State bound to an existing
// ExtractionProgress counter set.
func NewState(progress *xtypes.ExtractionProgress) *State {
	return &State{
		extraction:        progress,
		activeConnections: make(map[xtypes.DataType]string),
		completedFiles:    make(map[string]bool),
		lastActivity:      make(map[xtypes.DataType]time.Time),
	}
}

func (s *State) SetCurrentTask(task string, progressPct float64) {
	s.mu.Lock()
	s.currentTask = task
	s.progressPct = progressPct
	s.mu.Unlock()
}

func (s *State) SetActiveConnection(dt xtypes.DataType, file string) {
	s.mu.Lock()
	s.activeConnections[dt] = file
	s.mu.Unlock()
}

func (s *State) ClearActiveConnection(dt xtypes.DataType) {
	s.mu.Lock()
	delete(s.activeConnections, dt)
	s.mu.Unlock()
}

// TouchActivity records dt as having produced activity at the current
// time, surfaced by /health as lastActivity.
func (s *State) TouchActivity(dt xtypes.DataType) {
	s.mu.Lock()
	s.lastActivity[dt] = time.Now()
	s.mu.Unlock()
}

func (s *State) MarkFileCompleted(name string) {
	s.mu.Lock()
	s.completedFiles[name] = true
	s.mu.Unlock()
}

func (s *State) IncrementErrorCount() {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
}

// Ready reports whether the service has initialized: it has at least
// one active connection or one completed file.
func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeConnections) > 0 || len(s.completedFiles) > 0
}

// Server hosts the three health endpoints on its own Fiber app.
type Server struct {
	app   *fiber.App
	state *State
	port  int
}

// NewServer builds the Fiber app and registers routes; call Listen to
// start serving.
func NewServer(port int, state *State) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	s := &Server{app: app, state: state, port: port}
	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)
	app.Get("/ready", s.handleReady)
	return s
}

// Listen starts serving on the configured port. It blocks until the
// server stops (normally via Shutdown).
func (s *Server) Listen() error {
	return s.app.Listen(":" + strconv.Itoa(s.port))
}

// Shutdown gracefully stops the server, giving in-flight requests
// until ctx expires to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	snap := s.state.extraction.Snapshot()

	lastActivity := make(fiber.Map, len(s.state.lastActivity))
	for dt, t := range s.state.lastActivity {
		lastActivity[string(dt)] = t.UTC().Format(time.RFC3339)
	}

	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "extractor",
		"currentTask":  s.state.currentTask,
		"progress":     s.state.progressPct,
		"extractionProgress": fiber.Map{
			"recordsParsed":    snap.RecordsParsed,
			"recordsPublished": snap.RecordsPublished,
			"recordsFailed":    snap.RecordsFailed,
			"bytesDownloaded":  snap.BytesDownloaded,
		},
		"lastActivity": lastActivity,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	snap := s.state.extraction.Snapshot()
	return c.JSON(fiber.Map{
		"extractionProgressRecordsParsed":    snap.RecordsParsed,
		"extractionProgressRecordsPublished": snap.RecordsPublished,
		"extractionProgressRecordsFailed":    snap.RecordsFailed,
		"completedFiles":                     len(s.state.completedFiles),
		"activeConnections":                  len(s.state.activeConnections),
		"errorCount":                         s.state.errorCount,
	})
}

func (s *Server) handleReady(c *fiber.Ctx) error {
	if s.state.Ready() {
		return c.SendStatus(fiber.StatusOK)
	}
	return c.SendStatus(fiber.StatusServiceUnavailable)
}
