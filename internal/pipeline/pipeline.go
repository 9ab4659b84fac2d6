// Package pipeline runs the per-file parse/batch/publish pipeline and
// caps how many files are processed concurrently.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/Bparsons0904/goLogger"

	"github.com/discogsography/extractor/internal/broker"
	"github.com/discogsography/extractor/internal/health"
	"github.com/discogsography/extractor/internal/statemarker"
	"github.com/discogsography/extractor/internal/xmlparser"
	"github.com/discogsography/extractor/internal/xtypes"
)

const (
	maxConcurrentFiles = 3
	parseChannelCap    = xmlparser.DefaultChannelCapacity
	batchChannelCap    = 100

	defaultBatchSize         = 100
	defaultStateSaveInterval = 5000

	flushInterval   = time.Second
	batcherPollTick = 100 * time.Millisecond

	stallThreshold = 120 * time.Second
)

// FileJob is one file queued for processing.
type FileJob struct {
	DataType xtypes.DataType
	Path     string
	Name     string
}

// Options configures one orchestrator run.
type Options struct {
	BatchSize         int
	StateSaveInterval uint64
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.StateSaveInterval == 0 {
		o.StateSaveInterval = defaultStateSaveInterval
	}
	return o
}

// Orchestrator runs up to maxConcurrentFiles files at a time, each
// through its own parser/batcher/publisher trio, updating a shared
// StateMarker and ExtractionProgress as it goes.
type Orchestrator struct {
	br       *broker.Broker
	marker   *statemarker.Marker
	progress *xtypes.ExtractionProgress
	state    *health.State
	opts     Options
	log      logger.Logger

	mu              sync.Mutex
	lastActivity    map[xtypes.DataType]time.Time
	activeDataTypes map[xtypes.DataType]string
}

// New constructs an Orchestrator bound to one run's broker, marker,
// progress tracker, and (optionally nil) health state. When state is
// non-nil, active connections and per-DataType activity are mirrored
// into it for the /health and /ready endpoints.
func New(br *broker.Broker, marker *statemarker.Marker, progress *xtypes.ExtractionProgress, state *health.State, opts Options, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		br:              br,
		marker:          marker,
		progress:        progress,
		state:           state,
		opts:            opts.withDefaults(),
		log:             log.Function("Orchestrator"),
		lastActivity:    make(map[xtypes.DataType]time.Time),
		activeDataTypes: make(map[xtypes.DataType]string),
	}
}

// Run processes every job, bounded to maxConcurrentFiles concurrent
// files, and runs a progress reporter alongside until all files
// finish or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, jobs []FileJob) error {
	if len(jobs) == 0 {
		return nil
	}

	reportCtx, stopReporter := context.WithCancel(ctx)
	defer stopReporter()
	go o.progressReporter(reportCtx)

	sem := make(chan struct{}, maxConcurrentFiles)
	var wg sync.WaitGroup
	errs := make([]error, len(jobs))

	for i, job := range jobs {
		i, job := i, job
		wg.Add(1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Done()
			errs[i] = ctx.Err()
			continue
		}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.processFile(ctx, job); err != nil {
				o.log.Warn("file processing failed", "file", job.Name, "error", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("one or more files failed to process: %w", err)
		}
	}
	return nil
}

// processFile runs one file's parser -> batcher -> publisher trio,
// joined by two bounded channels so each stage can run concurrently
// without materializing the whole file in memory.
func (o *Orchestrator) processFile(ctx context.Context, job FileJob) error {
	if err := o.marker.BeginFile(job.DataType); err != nil {
		return fmt.Errorf("beginning file %s: %w", job.Name, err)
	}
	o.setActive(job.DataType, job.Name)
	defer o.clearActive(job.DataType)

	records := make(chan xtypes.DataMessage, parseChannelCap)
	batches := make(chan []xtypes.DataMessage, batchChannelCap)

	var parseErr, batchErr, publishErr error
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer close(records)
		parseErr = xmlparser.ParseFile(ctx, job.Path, job.DataType, records)
	}()

	var totalRecords uint64
	go func() {
		defer wg.Done()
		defer close(batches)
		totalRecords, batchErr = o.batch(ctx, job.DataType, records, batches)
	}()

	var totalPublished, totalBatches uint64
	go func() {
		defer wg.Done()
		totalPublished, totalBatches, publishErr = o.publish(ctx, job.DataType, batches)
	}()

	wg.Wait()

	if parseErr != nil {
		return abortWithMarkerWrite("parsing", job.Name, parseErr, o.marker.FailFile(job.DataType, parseErr))
	}
	if batchErr != nil {
		return abortWithMarkerWrite("batching", job.Name, batchErr, o.marker.FailFile(job.DataType, batchErr))
	}
	if publishErr != nil {
		return abortWithMarkerWrite("publishing", job.Name, publishErr, o.marker.FailFile(job.DataType, publishErr))
	}

	if err := o.marker.UpdateFileProgress(job.DataType, totalRecords, totalPublished, totalBatches); err != nil {
		return err
	}

	// The marker's Completed transition strictly precedes the
	// FileCompleteMessage publish, so a crash in between never leaves a
	// FileCompleteMessage published for a file the marker still shows
	// as in progress.
	if err := o.marker.CompleteFile(job.DataType); err != nil {
		return fmt.Errorf("completing file %s: %w", job.Name, err)
	}

	if err := o.br.PublishFileComplete(ctx, job.DataType, job.Name, totalPublished); err != nil {
		return fmt.Errorf("publishing file_complete for %s: %w", job.Name, err)
	}

	return nil
}

// abortWithMarkerWrite builds the error returned when stage fails for
// name with cause, additionally folding in markErr if the attempt to
// record that failure in the StateMarker itself failed to write. A
// marker write failure is fatal on its own: the run must abort rather
// than continue with a marker that no longer reflects reality.
func abortWithMarkerWrite(stage, name string, cause, markErr error) error {
	if markErr != nil {
		return fmt.Errorf("%s %s: %w (additionally, recording the failure in the state marker failed: %v)", stage, name, cause, markErr)
	}
	return fmt.Errorf("%s %s: %w", stage, name, cause)
}

// batch accumulates parsed records into batches of up to BatchSize,
// flushing on a full batch, a one-second-since-last-flush timeout, or
// channel closure. Every record bumps ExtractionProgress; every
// StateSaveInterval records, the StateMarker is updated and persisted.
func (o *Orchestrator) batch(ctx context.Context, dt xtypes.DataType, in <-chan xtypes.DataMessage, out chan<- []xtypes.DataMessage) (uint64, error) {
	batch := make([]xtypes.DataMessage, 0, o.opts.BatchSize)
	lastFlush := time.Now()
	var total uint64
	var sinceSave uint64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		toSend := batch
		batch = make([]xtypes.DataMessage, 0, o.opts.BatchSize)
		select {
		case out <- toSend:
		case <-ctx.Done():
			return ctx.Err()
		}
		lastFlush = time.Now()
		return nil
	}

	ticker := time.NewTicker(batcherPollTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()

		case msg, ok := <-in:
			if !ok {
				if err := flush(); err != nil {
					return total, err
				}
				return total, nil
			}
			batch = append(batch, msg)
			total++
			sinceSave++
			o.progress.AddParsed(1)
			o.touch(dt)

			if len(batch) >= o.opts.BatchSize {
				if err := flush(); err != nil {
					return total, err
				}
			}
			if sinceSave >= o.opts.StateSaveInterval {
				if err := o.marker.SetRecordsExtracted(dt, total); err != nil {
					return total, err
				}
				sinceSave = 0
			}

		case <-ticker.C:
			if len(batch) > 0 && time.Since(lastFlush) > flushInterval {
				if err := flush(); err != nil {
					return total, err
				}
			}
		}
	}
}

// publish drains batches and publishes each, counting messages and
// batches sent. PublishBatch logs rather than returns per-message
// failures, so unacknowledged messages are included in the count.
func (o *Orchestrator) publish(ctx context.Context, dt xtypes.DataType, in <-chan []xtypes.DataMessage) (published uint64, batches uint64, err error) {
	for {
		select {
		case <-ctx.Done():
			return published, batches, ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return published, batches, nil
			}
			envelopes := make([]xtypes.Envelope, len(batch))
			for i, m := range batch {
				envelopes[i] = xtypes.NewDataEnvelope(m)
			}
			if pubErr := o.br.PublishBatch(ctx, dt, envelopes); pubErr != nil {
				return published, batches, pubErr
			}
			published += uint64(len(batch))
			batches++
			o.progress.AddPublished(uint64(len(batch)))
		}
	}
}

func (o *Orchestrator) touch(dt xtypes.DataType) {
	o.mu.Lock()
	o.lastActivity[dt] = time.Now()
	o.mu.Unlock()

	if o.state != nil {
		o.state.TouchActivity(dt)
	}
}

func (o *Orchestrator) setActive(dt xtypes.DataType, name string) {
	o.mu.Lock()
	o.activeDataTypes[dt] = name
	o.lastActivity[dt] = time.Now()
	o.mu.Unlock()

	if o.state != nil {
		o.state.SetActiveConnection(dt, name)
		o.state.TouchActivity(dt)
	}
}

func (o *Orchestrator) clearActive(dt xtypes.DataType) {
	o.mu.Lock()
	delete(o.activeDataTypes, dt)
	delete(o.lastActivity, dt)
	o.mu.Unlock()

	if o.state != nil {
		o.state.ClearActiveConnection(dt)
	}
}

// progressReporter logs overall progress every 10s for the first three
// reports, then every 30s, warning on any data type that has gone
// silent for longer than stallThreshold.
func (o *Orchestrator) progressReporter(ctx context.Context) {
	reportCount := 0
	for {
		interval := 10 * time.Second
		if reportCount >= 3 {
			interval = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		reportCount++

		snap := o.progress.Snapshot()
		o.log.Info("extraction progress",
			"recordsParsed", snap.RecordsParsed,
			"recordsPublished", snap.RecordsPublished,
			"recordsFailed", snap.RecordsFailed,
		)

		o.mu.Lock()
		now := time.Now()
		var stalled []xtypes.DataType
		for dt, last := range o.lastActivity {
			if now.Sub(last) > stallThreshold {
				stalled = append(stalled, dt)
			}
		}
		active := make([]string, 0, len(o.activeDataTypes))
		for _, name := range o.activeDataTypes {
			active = append(active, name)
		}
		o.mu.Unlock()

		if len(stalled) > 0 {
			o.log.Warn("stalled extractors detected", "dataTypes", stalled)
		}
		if len(active) > 0 {
			o.log.Info("active files", "files", active)
		}
	}
}
