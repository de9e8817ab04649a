package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jengzang/trip-tracker/internal/api"
	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/database"
	"github.com/jengzang/trip-tracker/internal/fusion"
	"github.com/jengzang/trip-tracker/internal/handler"
	"github.com/jengzang/trip-tracker/internal/motion"
	"github.com/jengzang/trip-tracker/internal/pathcorrection"
	"github.com/jengzang/trip-tracker/internal/ratelimit"
	"github.com/jengzang/trip-tracker/internal/remote"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/internal/syncer"
	"github.com/jengzang/trip-tracker/internal/timeutil"
	"github.com/jengzang/trip-tracker/internal/tracker"
	"github.com/jengzang/trip-tracker/internal/trip"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	if cfg.Device.ID == "" {
		host, _ := os.Hostname()
		cfg.Device.ID = "tripd-" + host
		log.Printf("No device id configured, using %s", cfg.Device.ID)
	}

	// 初始化数据库
	if err := database.Init(database.Config{Path: cfg.Storage.DBPath}); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("tripd stopped with error: %v", err)
		database.Close()
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := timeutil.RealClock{}
	store := repository.NewStore(database.GetDB())

	// Tracking pipeline
	tuning := tracker.TuningFromConfig(cfg)
	pipeline := tracker.New(tuning.Tracker, fusion.NewEngine(tuning.Fusion), trip.NewMachine(store, tuning.Trip), clock)
	sources := motion.NewSources(motion.SettingsFromConfig(cfg))
	collector := motion.NewCollector(sources, pipeline, clock, cfg.Sources.PollInterval.D())

	// Server of record
	client := remote.NewClient(cfg.Remote, cfg.Device.ID, nil, clock)
	reconciler := syncer.NewReconciler(syncer.FromConfig(cfg), store.Trips, store.Events, client, clock)
	worker := syncer.NewWorker(reconciler, cfg.Sync.Interval.D(), clock)
	paths := pathcorrection.New(pathcorrection.FromConfig(cfg), store.Trips, store.Samples, client, clock)
	if err := paths.Restore(ctx); err != nil {
		return err
	}

	// HTTP API
	signals, err := service.NewSignalService(pipeline, sources, clock)
	if err != nil {
		return err
	}
	validator, err := handler.NewValidator()
	if err != nil {
		return err
	}
	trips := service.NewTripService(store, pipeline, clock)
	syncs := service.NewSyncService(worker, store)
	router := api.SetupRouter(api.Handlers{
		Signals: handler.NewSignalHandler(signals, validator),
		Trips:   handler.NewTripHandler(trips, paths),
		Events:  handler.NewEventHandler(trips),
		Sync:    handler.NewSyncHandler(syncs),
		Stats:   handler.NewStatsHandler(trips, service.NewStatusService(pipeline, syncs)),
	}, ratelimit.New(cfg.Server.SignalRateLimit, cfg.Server.SignalRateWindow.D(), clock))
	server := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error { return collector.Run(ctx) })

	if cfg.Remote.BaseURL != "" {
		g.Go(func() error { return worker.Run(ctx) })
	} else {
		log.Printf("[Sync] No remote configured, background sync disabled")
	}

	if path := cfg.Path(); path != "" {
		watcher := config.NewWatcher(path, cfg, func(next *config.Config) {
			next.Device.ID = cfg.Device.ID
			if err := pipeline.UpdateTuning(ctx, tracker.TuningFromConfig(next)); err != nil {
				log.Printf("[Config] Failed to apply tuning: %v", err)
			}
		})
		g.Go(func() error { return watcher.Run(ctx) })
	}

	g.Go(func() error {
		// 启动服务器
		log.Printf("Server starting on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			return server.Close()
		}
		return nil
	})

	return g.Wait()
}
