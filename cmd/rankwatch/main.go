// Package main wires together the rankwatch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/quillstats/rankwatch/internal/api"
	archivegcs "github.com/quillstats/rankwatch/internal/archive/gcs"
	archivememory "github.com/quillstats/rankwatch/internal/archive/memory"
	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/clock/system"
	"github.com/quillstats/rankwatch/internal/config"
	"github.com/quillstats/rankwatch/internal/executor"
	"github.com/quillstats/rankwatch/internal/httpclient"
	"github.com/quillstats/rankwatch/internal/id/uuid"
	"github.com/quillstats/rankwatch/internal/jobs"
	"github.com/quillstats/rankwatch/internal/logging"
	"github.com/quillstats/rankwatch/internal/metrics"
	"github.com/quillstats/rankwatch/internal/monitor"
	pubsubpublisher "github.com/quillstats/rankwatch/internal/publisher/pubsub"
	"github.com/quillstats/rankwatch/internal/scheduler"
	"github.com/quillstats/rankwatch/internal/source"
	memorystore "github.com/quillstats/rankwatch/internal/store/memory"
	postgresstore "github.com/quillstats/rankwatch/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := source.NewCatalog(cfg.Sources)
	if err != nil {
		logger.Fatal("build source catalog failed", zap.Error(err))
	}

	clock := system.New()
	idGen := uuid.New()

	var (
		bookStore books.Store
		execStore jobs.ExecutionStore
	)
	switch cfg.Storage.Backend {
	case "postgres":
		pgBooks, err := postgresstore.NewBookStore(ctx, cfg.Storage.DSN)
		if err != nil {
			logger.Fatal("connect book store failed", zap.Error(err))
		}
		defer pgBooks.Close()
		pgExecs, err := postgresstore.NewExecutionStore(ctx, cfg.Storage.DSN)
		if err != nil {
			logger.Fatal("connect execution store failed", zap.Error(err))
		}
		defer pgExecs.Close()
		bookStore = pgBooks
		execStore = pgExecs
	default:
		bookStore = memorystore.NewBookStore()
		execStore = memorystore.NewExecutionStore()
	}

	var archive books.BlobStore
	if cfg.Archive.GCSBucket != "" {
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := gcsClient.Close(); closeErr != nil {
				logger.Warn("gcs client close failed", zap.Error(closeErr))
			}
		}()
		archive, err = archivegcs.New(gcsClient, archivegcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			logger.Fatal("gcs archive init failed", zap.Error(err))
		}
	} else {
		archive = archivememory.NewBlobStore()
	}

	var publisher books.Publisher
	if cfg.Scheduler.EventTopic != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := psClient.Close(); closeErr != nil {
				logger.Warn("pubsub client close failed", zap.Error(closeErr))
			}
		}()
		pub, err := pubsubpublisher.New(psClient)
		if err != nil {
			logger.Fatal("pubsub publisher init failed", zap.Error(err))
		}
		defer pub.Close()
		publisher = pub
	}

	client := httpclient.New(cfg.ClientSettings(), nil, logger.Named("client"))
	exec := executor.New(client, bookStore, archive, clock, executor.Config{
		ArchivePrefix: cfg.Archive.Prefix,
	}, logger.Named("executor"))

	sched := scheduler.New(
		execStore,
		exec,
		catalog,
		clock,
		idGen,
		publisher,
		cfg.SchedulerSettings(),
		logger.Named("scheduler"),
	)
	for _, srcCfg := range catalog.Periodic() {
		def := jobs.Definition{
			ID:      srcCfg.ID,
			Sources: []string{srcCfg.ID},
		}
		if srcCfg.Cron != "" {
			def.Trigger = jobs.TriggerSpec{Kind: jobs.TriggerCron, CronExpr: srcCfg.Cron}
		} else {
			def.Trigger = jobs.TriggerSpec{Kind: jobs.TriggerInterval, Every: srcCfg.Every}
		}
		if err := sched.Register(def); err != nil {
			logger.Fatal("register job failed", zap.String("source", srcCfg.ID), zap.Error(err))
		}
	}
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer sched.Stop()

	var gaps api.GapReporter
	if cfg.Monitor.Enabled {
		mon := monitor.New(bookStore, catalog, exec, clock, cfg.MonitorSettings(), logger.Named("monitor"))
		mon.Start(ctx)
		defer mon.Stop()
		gaps = mon
	}

	apiServer := api.NewServer(sched, gaps, catalog, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
