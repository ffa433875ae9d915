package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/calm-listener/platform/internal/analysis"
	"github.com/calm-listener/platform/internal/audio"
	"github.com/calm-listener/platform/internal/grpcserver"
	"github.com/calm-listener/platform/internal/observe"
	"github.com/calm-listener/platform/internal/orchestrator"
	"github.com/calm-listener/platform/internal/pipeline"
	"github.com/calm-listener/platform/internal/segment"
	"github.com/calm-listener/platform/internal/sentiment"
	"github.com/calm-listener/platform/internal/server"
	"github.com/calm-listener/platform/internal/store"
)

const shutdownTimeout = 5 * time.Second

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the listener, the observer API and the health endpoint",
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.ValidateRemote(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "calm-listener",
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	client, err := analysis.New(ctx, analysis.Config{
		BaseURL:   cfg.SymblBaseURL,
		AppID:     cfg.SymblAppID,
		AppSecret: cfg.SymblAppSecret,
	})
	if err != nil {
		return err
	}

	seq, err := newSequencer(cfg, met)
	if err != nil {
		return err
	}

	segmenter, err := segment.New(segment.Config{
		SampleRate: cfg.SampleRate,
		BitDepth:   cfg.BitDepth,
		Target:     cfg.SegmentDuration,
		Overlap:    cfg.OverlapDuration,
	})
	if err != nil {
		return err
	}

	files, err := store.NewFiles(cfg.AudioDir, cfg.TranscriptDir)
	if err != nil {
		return err
	}
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	capturer, err := audio.NewCapturer(audio.Config{
		SampleRate: cfg.SampleRate,
		BufferSize: cfg.CaptureBuffer,
		Excluded:   cfg.ExcludedAudioDevices,
		OnDrop:     func() { met.CaptureDropped.Add(context.Background(), 1) },
	})
	if err != nil {
		return err
	}

	health := grpcserver.New()
	mgr, err := orchestrator.New(orchestrator.Deps{
		Source:    capturer,
		Segmenter: segmenter,
		Pipeline: pipeline.New(client, pipeline.Config{
			PollInterval: cfg.PollInterval,
			MaxPolls:     cfg.MaxPolls,
			Observer:     met,
		}),
		Pool:    pipeline.NewPool(cfg.MaxConcurrent, cfg.MaxQueued),
		Gate:    sentiment.NewGate(cfg.NegativityThreshold, seq, met),
		Effects: seq,
		Files:   files,
		Jobs:    store.NewBatcher(db, 0, 0),
		History: db,
		Health:  health,
		Metrics: met,
	})
	if err != nil {
		return err
	}

	srv := server.New(mgr, observe.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := mgr.Start(ctx); err != nil {
		mgr.Stop(context.Background())
		return err
	}
	defer mgr.Stop(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Broadcast(gctx)
		return nil
	})
	g.Go(func() error {
		return health.ListenAndServe(gctx, cfg.GRPCAddr)
	})
	g.Go(func() error {
		slog.Info("calm-listener serving", "http", cfg.HTTPAddr, "grpc", cfg.GRPCAddr, "version", Version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	return g.Wait()
}
