package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	logger "github.com/Bparsons0904/goLogger"

	"github.com/discogsography/extractor/internal/broker"
	"github.com/discogsography/extractor/internal/config"
	"github.com/discogsography/extractor/internal/controlloop"
	"github.com/discogsography/extractor/internal/downloader"
	"github.com/discogsography/extractor/internal/health"
	"github.com/discogsography/extractor/internal/xtypes"
)

func gracefulShutdown(
	loop *controlloop.ControlLoop,
	healthServer *health.Server,
	br *broker.Broker,
	done chan bool,
	log logger.Logger,
) {
	log = log.Function("gracefulShutdown")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	// Restore default signal handling so a second Ctrl+C terminates the
	// process immediately.
	stop()

	log.Info("shutting down gracefully, press Ctrl+C again to force")

	loop.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Err("health server forced to shutdown", err)
	}

	if err := br.Close(); err != nil {
		log.Err("failed to close broker connection", err)
	}

	log.Info("extractor exiting")
	done <- true
}

func main() {
	log := logger.New("extractor")

	cfg, err := config.Load()
	if err != nil {
		os.Exit(1)
	}

	ctx := context.Background()

	br, err := broker.New(ctx, cfg.AMQPConnection, 5, log)
	if err != nil {
		log.Err("failed to connect to broker", err)
		os.Exit(1)
	}
	for _, dt := range xtypes.AllDataTypes {
		if err := br.SetupQueues(dt); err != nil {
			log.Err("failed to set up queue topology", err, "dataType", dt)
			os.Exit(1)
		}
	}

	discoverer := downloader.NewFallbackDiscoverer(downloader.NewS3Discoverer(), downloader.NewHTMLDiscoverer(), log)
	dl, err := downloader.New(cfg.DiscogsRoot, discoverer, log)
	if err != nil {
		log.Err("failed to initialize downloader", err)
		os.Exit(1)
	}
	dl.WithURLBuilder(discoverer.DownloadURL)

	progress := &xtypes.ExtractionProgress{}
	state := health.NewState(progress)
	healthServer := health.NewServer(cfg.HealthPort, state)

	run := &extractionRun{
		cfg:      cfg,
		dl:       dl,
		br:       br,
		progress: progress,
		state:    state,
		log:      log,
	}
	loop := controlloop.New(run.runExtraction, cfg.PeriodicCheckDays, log)

	done := make(chan bool, 1)

	go func() {
		if err := healthServer.Listen(); err != nil {
			log.Err("health server stopped unexpectedly", err)
		}
	}()

	go func() {
		if err := loop.Run(context.Background(), cfg.ForceReprocess); err != nil {
			log.Err("control loop exited with error", err)
			os.Exit(1)
		}
	}()

	go gracefulShutdown(loop, healthServer, br, done, log)

	<-done
	log.Info("graceful shutdown complete")
}
