package main

import (
	"context"
	"fmt"
	"time"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/google/uuid"

	"github.com/discogsography/extractor/internal/broker"
	"github.com/discogsography/extractor/internal/config"
	"github.com/discogsography/extractor/internal/downloader"
	"github.com/discogsography/extractor/internal/health"
	"github.com/discogsography/extractor/internal/pipeline"
	"github.com/discogsography/extractor/internal/statemarker"
	"github.com/discogsography/extractor/internal/xtypes"
)

// extractionRun bundles the long-lived collaborators one pass of
// runExtraction needs: a broker connection, a downloader, shared
// progress counters, and the health surface to reflect into.
type extractionRun struct {
	cfg      config.Config
	dl       *downloader.Downloader
	br       *broker.Broker
	progress *xtypes.ExtractionProgress
	state    *health.State
	log      logger.Logger
}

// runExtraction implements one full pass: discover the newest complete
// dump version, resume or start its state marker, download whatever
// pending files it needs, and run them through the pipeline
// orchestrator. It is the controlloop.RunFunc for this process.
func (r *extractionRun) runExtraction(ctx context.Context, forceReprocess bool) error {
	runID := uuid.New().String()
	log := r.log.Function("runExtraction")
	log.Info("starting extraction pass", "runID", runID, "forceReprocess", forceReprocess)

	r.state.SetCurrentTask("discovering latest version", 0)
	group, err := r.dl.DiscoverLatest(ctx)
	if err != nil {
		return fmt.Errorf("discovering latest dump version: %w", err)
	}
	log.Info("discovered dump version", "version", group.Token)

	marker, err := statemarker.Load(r.cfg.DiscogsRoot, group.Token)
	if err != nil {
		return fmt.Errorf("loading state marker: %w", err)
	}
	if marker == nil || forceReprocess {
		marker = statemarker.New(r.cfg.DiscogsRoot, group.Token)
	}

	process, discard, pending := marker.ShouldProcess()
	if !process {
		log.Info("version already completed, nothing to do", "version", group.Token)
		return nil
	}
	if discard {
		log.Warn("previous download phase failed, restarting version from scratch", "version", group.Token)
		marker = statemarker.New(r.cfg.DiscogsRoot, group.Token)
		pending = xtypes.AllDataTypes
	}

	started := time.Now()

	r.state.SetCurrentTask("downloading pending files", 0.1)
	if err := marker.BeginDownload(); err != nil {
		return fmt.Errorf("beginning download phase: %w", err)
	}
	if _, err := r.dl.EnsureChecksum(ctx, group); err != nil {
		return abortWithMarkerWrite("ensuring checksum manifest", err, marker.FailDownload("", err))
	}

	jobs := make([]pipeline.FileJob, 0, len(pending))
	for _, dt := range pending {
		path, err := r.dl.EnsureDataType(ctx, group, dt)
		if err != nil {
			return abortWithMarkerWrite(fmt.Sprintf("ensuring %s file", dt), err, marker.FailDownload(dt, err))
		}
		if err := marker.RecordDownloaded(dt, 0); err != nil {
			return fmt.Errorf("recording download for %s: %w", dt, err)
		}
		if err := r.br.SetupQueues(dt); err != nil {
			return fmt.Errorf("setting up queue topology for %s: %w", dt, err)
		}
		jobs = append(jobs, pipeline.FileJob{
			DataType: dt,
			Path:     path,
			Name:     xtypes.DumpFileName(group.Token, dt),
		})
	}

	r.state.SetCurrentTask("processing pending files", 0.3)
	orchestrator := pipeline.New(r.br, marker, r.progress, r.state, pipeline.Options{
		BatchSize:         r.cfg.BatchSize,
		StateSaveInterval: 5000,
	}, r.log)

	if err := orchestrator.Run(ctx, jobs); err != nil {
		return abortWithMarkerWrite("running extraction pipeline", err, marker.Finalize(started))
	}

	for _, job := range jobs {
		r.state.MarkFileCompleted(job.Name)
	}

	if err := marker.Finalize(started); err != nil {
		return fmt.Errorf("finalizing state marker: %w", err)
	}
	marker.LogSnapshot(r.log)

	r.state.SetCurrentTask("idle", 1.0)
	log.Info("extraction pass complete", "runID", runID, "version", group.Token, "elapsed", time.Since(started))
	return nil
}

// abortWithMarkerWrite builds the error returned when stage fails with
// cause, additionally folding in markErr if the attempt to record that
// failure in the StateMarker itself failed to write. A marker write
// failure is fatal on its own: the run must abort rather than continue
// with a marker that no longer reflects reality.
func abortWithMarkerWrite(stage string, cause, markErr error) error {
	if markErr != nil {
		return fmt.Errorf("%s: %w (additionally, recording the failure in the state marker failed: %v)", stage, cause, markErr)
	}
	return fmt.Errorf("%s: %w", stage, cause)
}
