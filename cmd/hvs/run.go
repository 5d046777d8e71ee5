package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oculairmedia/huly-vibe-sync/internal/breaker"
	"github.com/oculairmedia/huly-vibe-sync/internal/detect"
	"github.com/oculairmedia/huly-vibe-sync/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync/internal/sinks"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncer"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker/beads"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker/huly"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker/vibe"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync process (detectors, runtime, schedulers)",
	Run: func(cmd *cobra.Command, args []string) {
		requireValidConfig()
		if err := runEngine(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitRuntimeError)
		}
	},
}

// buildDeps wires the store, trackers, and policies from the loaded config.
func buildDeps() (*syncer.Deps, *store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mapping store: %w", err)
	}

	hulyClient := huly.New(tracker.HTTPOptions{
		BaseURL:       cfg.Huly.URL,
		Token:         cfg.Huly.Token,
		RatePerSecond: cfg.RatePerSecond,
		RateMaxWait:   cfg.RateMaxWait,
		APIDelay:      cfg.APIDelay,
	})
	vibeClient := vibe.New(tracker.HTTPOptions{
		BaseURL:       cfg.Vibe.URL,
		Token:         cfg.Vibe.Token,
		RatePerSecond: cfg.RatePerSecond,
		RateMaxWait:   cfg.RateMaxWait,
		APIDelay:      cfg.APIDelay,
	})

	repos := make(map[string]string, len(cfg.Repos))
	for _, r := range cfg.Repos {
		repos[r.Project] = r.Path
	}
	beadsAdapter := beads.NewAdapter(cfg.BeadsBin, repos)

	deps := &syncer.Deps{
		Store:    st,
		Huly:     hulyClient,
		Vibe:     vibeClient,
		Beads:    beadsAdapter,
		Breakers: breaker.NewSet(cfg.BreakerThreshold, cfg.BreakerCooldown, log),
		Sinks:    sinks.New(cfg.LettaURL, cfg.GraphURL, log),
		Config:   cfg,
		Log:      log,
	}
	return deps, st, nil
}

// runEngine assembles and runs every long-lived component.
func runEngine(ctx context.Context) error {
	deps, st, err := buildDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatalStartup)
	}
	defer func() { _ = st.Close() }()

	m, err := metrics.Init(time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatalStartup)
	}
	deps.Metrics = m
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	}()

	// Startup health probes are advisory: a tracker may be down right now
	// and recover under the retry policy.
	probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
	if err := deps.Huly.HealthCheck(probeCtx); err != nil {
		log.Warn("huly health check failed at startup", zap.Error(err))
	}
	if err := deps.Vibe.HealthCheck(probeCtx); err != nil {
		log.Warn("vibe health check failed at startup", zap.Error(err))
	}
	cancelProbe()

	// The scheduler and the orchestrator each hold a worker while waiting
	// on a child, and the project sweep they wait on needs a third; below
	// three workers they starve each other.
	workers := cfg.MaxWorkers
	if workers < 3 {
		workers = 3
	}
	rt := workflow.New(st, log, workflow.Options{Workers: workers})
	syncer.Register(rt, deps)

	dispatcher := detect.NewDispatcher(rt, log)
	webhookSrv := detect.NewServer(cfg.WebhookAddr, dispatcher, rt, st, deps.Breakers, log)
	stream := vibe.NewStream(cfg.Vibe.URL, cfg.Vibe.Token, log)
	streamDetector := detect.NewStreamDetector(stream, dispatcher, st, log)

	repos := make(map[string]string, len(cfg.Repos))
	for _, r := range cfg.Repos {
		repos[r.Project] = r.Path
	}
	watcher := detect.NewWatcher(dispatcher, repos, log)

	log.Info("sync engine starting",
		zap.String("db", cfg.DBPath),
		zap.Duration("interval", cfg.SyncInterval),
		zap.Int("workers", cfg.MaxWorkers),
		zap.Bool("dry_run", cfg.DryRun))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return webhookSrv.Run(gctx) })
	g.Go(func() error { return streamDetector.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		intervalMinutes := int(cfg.SyncInterval.Minutes())
		if intervalMinutes < 1 {
			intervalMinutes = 1
		}
		if err := detect.StartScheduler(gctx, rt, intervalMinutes, log); err != nil {
			return err
		}
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()
	log.Info("sync engine stopped")
	return err
}
