package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"taskmirror/internal/api"
	"taskmirror/internal/automation"
	"taskmirror/internal/config"
	"taskmirror/internal/conflict"
	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/domain"
	"taskmirror/internal/events"
	"taskmirror/internal/export"
	"taskmirror/internal/google"
	"taskmirror/internal/logging"
	"taskmirror/internal/membership"
	"taskmirror/internal/metrics"
	"taskmirror/internal/models"
	"taskmirror/internal/repository"
	"taskmirror/internal/service"
	syncengine "taskmirror/internal/sync"
	"taskmirror/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	dedup := initDedupStore(redisClient, &logger)

	automations, err := loadAutomations(cfg, &logger)
	if err != nil {
		return err
	}

	crmClient := crm.NewClient(cfg.CRM, cfg.Sync.PageCap, logger)
	eventBus := events.NewEventBus()

	scheduler := automation.NewScheduler(db, crmClient, eventBus, automations, cfg.Sync.TickInterval.Std(), logger)
	scheduler.SubscribeTo(eventBus)

	memberships := membership.NewReconciler(db, crmClient, dedup, eventBus, logger)
	contacts := syncengine.NewContactSyncer(db, crmClient, logger)
	orchestrator := syncengine.NewOrchestrator(db, crmClient, eventBus, cfg.CRM.BatchDelay.Std(), logger)
	deletions := syncengine.NewDeletionReconciler(db, crmClient, dedup, eventBus, cfg.CRM.TaskObjectType, logger)
	resolver := conflict.NewResolver(db, crmClient, eventBus, cfg.Sync.ConflictStrategy, logger)

	retryPolicy := worker.RetryPolicy{
		MaxRetries:    cfg.CRM.MaxRetries,
		InitialDelay:  cfg.CRM.InitialBackoff.Std(),
		MaxDelay:      cfg.CRM.MaxBackoff.Std(),
		BackoffFactor: 2,
	}
	pushWorker := worker.NewPushWorker(db, crmClient, redisClient, retryPolicy, &logger)
	go pushWorker.Start(ctx)

	taskService := service.NewTaskService(db, crmClient, pushWorker, logger)
	exporter := export.NewExporter(db, logger)

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, db, orchestrator, deletions, taskService, exporter, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Google.Enabled {
		startGoogleReporter(ctx, cfg, db, logger)
	}

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	startMetrics(ctx, cfg, &logger)

	// First pass before the tickers so a fresh deploy converges immediately.
	if err := orchestrator.RunIncrementalSync(ctx); err != nil {
		logger.Error().Err(err).Msg("initial sync failed")
	}
	if _, err := contacts.Refresh(ctx); err != nil {
		logger.Error().Err(err).Msg("initial contact refresh failed")
	}
	reconcileAll(ctx, memberships, automations, &logger)

	runLoops(ctx, cfg, orchestrator, contacts, memberships, scheduler, deletions, resolver, db, automations, &logger)

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if cfg == nil {
		return os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("create database directory")
		return err
	}
	if cfg.Exports.Path != "" {
		if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
			logger.Error().Err(err).Msg("create exports directory")
			return err
		}
	}
	return nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(context.Background(), redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initDedupStore(redisClient *redis.Client, logger *zerolog.Logger) domain.DedupStore {
	memory := repository.NewMemoryDedupStore()
	if redisClient == nil {
		return memory
	}
	return repository.NewFailoverDedupStore(repository.NewRedisDedupStore(redisClient), memory, logger)
}

func loadAutomations(cfg *config.Config, logger *zerolog.Logger) ([]models.TaskAutomation, error) {
	if cfg.Automations.Path == "" {
		logger.Warn().Msg("no automations file configured, scheduler will idle")
		return nil, nil
	}

	automations, err := automation.LoadDefinitions(cfg.Automations.Path)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Automations.Path).Msg("load automations")
		return nil, err
	}

	logger.Info().Int("count", len(automations)).Msg("automations loaded")
	return automations, nil
}

func startGoogleReporter(ctx context.Context, cfg *config.Config, db *database.DB, logger zerolog.Logger) {
	reporter, err := google.NewReporter(cfg.Google, db, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("google reporter init failed, continuing without it")
		return
	}
	if err := reporter.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets connection test failed")
	}
	go reporter.Run(ctx)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

// listIDs collects the distinct lists the enabled automations watch.
func listIDs(automations []models.TaskAutomation) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range automations {
		if !a.Enabled || seen[a.ListID] {
			continue
		}
		seen[a.ListID] = true
		ids = append(ids, a.ListID)
	}
	return ids
}

func reconcileAll(ctx context.Context, r *membership.Reconciler, automations []models.TaskAutomation, logger *zerolog.Logger) {
	for _, listID := range listIDs(automations) {
		if _, err := r.ReconcileList(ctx, listID); err != nil {
			logger.Error().Err(err).Str("list_id", listID).Msg("membership reconcile failed")
		}
	}
}

func runLoops(
	ctx context.Context,
	cfg *config.Config,
	orchestrator *syncengine.Orchestrator,
	contacts *syncengine.ContactSyncer,
	memberships *membership.Reconciler,
	scheduler *automation.Scheduler,
	deletions *syncengine.DeletionReconciler,
	resolver *conflict.Resolver,
	db *database.DB,
	automations []models.TaskAutomation,
	logger *zerolog.Logger,
) {
	incremental := time.NewTicker(cfg.Sync.IncrementalInterval.Std())
	membershipTick := time.NewTicker(cfg.Sync.MembershipInterval.Std())
	schedulerTick := time.NewTicker(cfg.Sync.TickInterval.Std())
	orphanSweep := time.NewTicker(cfg.Sync.OrphanSweepInterval.Std())
	conflictTick := time.NewTicker(cfg.Sync.ConflictInterval.Std())
	cleanup := time.NewTicker(cfg.Sync.CleanupInterval.Std())
	defer incremental.Stop()
	defer membershipTick.Stop()
	defer schedulerTick.Stop()
	defer orphanSweep.Stop()
	defer conflictTick.Stop()
	defer cleanup.Stop()

	logger.Info().
		Str("incremental", cfg.Sync.IncrementalInterval.String()).
		Str("tick", cfg.Sync.TickInterval.String()).
		Msg("sync loops started")

	for {
		select {
		case <-ctx.Done():
			return

		case <-incremental.C:
			if err := orchestrator.RunIncrementalSync(ctx); err != nil {
				logger.Error().Err(err).Msg("incremental sync failed")
			}

		case <-membershipTick.C:
			if _, err := contacts.Refresh(ctx); err != nil {
				logger.Error().Err(err).Msg("contact refresh failed")
			}
			reconcileAll(ctx, memberships, automations, logger)

		case <-schedulerTick.C:
			if _, err := scheduler.Tick(ctx, time.Now().UTC()); err != nil {
				logger.Error().Err(err).Msg("automation tick failed")
			}

		case <-orphanSweep.C:
			if _, err := deletions.SweepOrphans(ctx); err != nil {
				logger.Error().Err(err).Msg("orphan sweep failed")
			}

		case <-conflictTick.C:
			if _, err := resolver.AutoResolve(ctx); err != nil {
				logger.Error().Err(err).Msg("conflict auto-resolve failed")
			}

		case <-cleanup.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Sync.RetentionDays)
			if _, err := db.PruneBookkeeping(ctx, cutoff); err != nil {
				logger.Error().Err(err).Msg("bookkeeping cleanup failed")
			}
		}
	}
}
