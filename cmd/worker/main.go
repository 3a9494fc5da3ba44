package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"portfolio-backoffice/internal/config"
	"portfolio-backoffice/internal/domain"
	"portfolio-backoffice/internal/eval"
	"portfolio-backoffice/internal/importer"
	"portfolio-backoffice/internal/logger"
	"portfolio-backoffice/internal/models"
	"portfolio-backoffice/internal/notify"
	"portfolio-backoffice/internal/queue"
	"portfolio-backoffice/internal/storage"
	"portfolio-backoffice/internal/store"
	"portfolio-backoffice/internal/telemetry"
	"portfolio-backoffice/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel, cfg.LogFormat).With().Str("service", "worker").Logger()

	if cfg.WorkerMemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.WorkerMemoryLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	blob, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init storage")
	}

	broker := queue.NewBroker(cfg)
	defer broker.Close()

	feed := notify.New(cfg)
	defer feed.Close()

	workerName := os.Getenv("WORKER_NAME")
	if workerName == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerName = hostname
		} else {
			workerName = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	bind := func(ctx context.Context, spaceCode string) (domain.DB, func(), error) {
		session, release, err := st.BindTenant(ctx, spaceCode)
		if err != nil {
			return nil, nil, err
		}
		return session, release, nil
	}

	registry := domain.NewRegistry()
	imp := importer.New(eval.New(), registry, blob, feed, cfg.MaxItemsImport, log)

	processor := worker.NewProcessor(cfg, broker, st, bind, blob, workerName, log)
	processor.RegisterHandler(models.KindSimpleImport,
		worker.NewImportHandler(st, blob, imp, feed, log).Handle)
	processor.RegisterHandler(models.KindBulkDelete,
		worker.NewBulkDeleteHandler(registry, log).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	go func() {
		if err := processor.RunSweeper(ctx); err != nil && err != context.Canceled {
			log.Warn().Err(err).Msg("sweeper stopped")
		}
	}()

	desc := processor.Descriptor()
	log.Info().
		Str("worker", desc.Name).
		Str("queues", desc.Queue).
		Int64("memory_limit", desc.MemoryLimit).
		Dur("lease", cfg.LeaseTimeout).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}
