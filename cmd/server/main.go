// Command server is the AOCS execution daemon: HTTP surface, worker
// pool, outbox processor, queue reconciler, and maintenance loop in one
// replica. Any number of replicas can run; leader-gated subsystems
// coordinate through the lock table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/aocs/core/internal/api"
	"github.com/aocs/core/internal/audit"
	"github.com/aocs/core/internal/circuitbreaker"
	"github.com/aocs/core/internal/config"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/deadletter"
	"github.com/aocs/core/internal/events"
	"github.com/aocs/core/internal/idempotency"
	"github.com/aocs/core/internal/lock"
	"github.com/aocs/core/internal/maintenance"
	"github.com/aocs/core/internal/monitoring"
	"github.com/aocs/core/internal/orchestrator"
	"github.com/aocs/core/internal/outbox"
	"github.com/aocs/core/internal/queue"
	"github.com/aocs/core/internal/recovery"
	"github.com/aocs/core/internal/skill"
	"github.com/aocs/core/internal/state"
	"github.com/aocs/core/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config yaml")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	slog.Info("starting aocs server", "worker_id", cfg.Worker.ID, "port", cfg.Server.Port)

	pg, err := database.Connect(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(context.Background()); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()

	locks := lock.NewManager(pg, cfg.Lock.Lease.Std())
	q := queue.New(queue.Config{
		Partitions:         cfg.Queue.Partitions,
		ConsumerGroup:      cfg.Queue.ConsumerGroup,
		VisibilityLease:    cfg.Queue.VisibilityLease.Std(),
		MaxAttempts:        cfg.Queue.MaxAttempts,
		MaxVisibleAge:      cfg.Queue.MaxVisibleAge.Std(),
		BackoffBase:        cfg.Queue.BackoffBase.Std(),
		BackoffCap:         cfg.Queue.BackoffCap.Std(),
		ReconcileInterval:  cfg.Queue.ReconcileInterval.Std(),
		ReconcileBatchSize: cfg.Queue.ReconcileBatchSize,
	}, rdb, pg, locks)
	if err := q.Init(context.Background()); err != nil {
		return fmt.Errorf("queue init: %w", err)
	}

	idem := idempotency.NewStore(pg, rdb, cfg.Idempotency.TTL.Std(), cfg.Idempotency.CacheTTL.Std())
	replay := idempotency.NewReplayLog(pg)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.New(promReg)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.Requests >= 10 && c.FailureRatio() >= 0.5
		},
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	budget := skill.NewMemoryBudget(cfg.Worker.DefaultBudget)
	skills := skill.NewRegistry()
	skill.RegisterBuiltins(skills)
	runtime := skill.NewRuntime(skills, idem, breakers, budget)
	runtime.ObserveDecisions(func(decision string) {
		metrics.IdemDecisions.WithLabelValues(decision).Inc()
	})

	catalog, err := deadletter.LoadCatalog(cfg.Recovery.CatalogPath)
	if err != nil {
		return err
	}
	archive := deadletter.NewArchive(pg, catalog)

	model, err := recovery.LoadModel(cfg.Recovery.ClassifierPath)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	ledger := audit.NewLedger(pg)
	ledger.Attach(bus)
	defer ledger.Close()

	obRepo := outbox.NewRepository(pg)
	elector := lock.NewElector(locks, cfg.Outbox.LeaderResource, cfg.Worker.ID)
	processor := outbox.NewProcessor(obRepo, outbox.BuiltinAdapters(), elector, archive, outbox.Config{
		BatchSize:    cfg.Outbox.BatchSize,
		Lease:        cfg.Outbox.VisibilityLease.Std(),
		PollInterval: cfg.Outbox.PollInterval.Std(),
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		BackoffBase:  cfg.Outbox.BackoffBase.Std(),
		BackoffMax:   cfg.Outbox.BackoffCap.Std(),
		LagThreshold: cfg.Outbox.LagThreshold,
		MaxBatchSize: cfg.Outbox.MaxBatchSize,
		MaxLanes:     cfg.Outbox.MaxConcurrency,
	}).WithBreakers(breakers).WithMetrics(metrics)

	pipeline := recovery.NewPipeline(pg, archive, catalog, model, nil, recovery.Policy{
		DefaultMode:          cfg.Recovery.ApprovalMode,
		AutoApproveThreshold: cfg.Recovery.AutoApproveThreshold,
	})

	store := state.NewStore(pg)
	orch := orchestrator.New(store, q, idem, replay, archive, pipeline, obRepo,
		budget, runtime, bus, cfg.Outbox.LagThreshold).WithMetrics(metrics)
	pipeline.SetInjector(orch)

	poller := monitoring.NewPoller(metrics, 15*time.Second).
		WithQueue(
			func(ctx context.Context) (int64, error) { p, _, err := q.Depths(ctx); return p, err },
			func(ctx context.Context) (int64, error) { _, f, err := q.Depths(ctx); return f, err },
		).
		WithOutbox(obRepo.Depth, obRepo.OldestPendingAge).
		WithDeadLetters(func(ctx context.Context) (int64, error) {
			total, _, recovered, err := archive.Counts(ctx)
			return total - recovered, err
		}).
		WithLeader(elector.IsLeader)

	pool := worker.NewPool(cfg.Worker, cfg.Queue, worker.Deps{
		PG: pg, Queue: q, Locks: locks, Store: store, Runtime: runtime,
		Idem: idem, Replay: replay, Outbox: obRepo, Archive: archive,
		Pipe: pipeline, Budget: budget, Bus: bus, Metrics: metrics,
	})

	maint := maintenance.NewLoop(cfg.Maintenance, cfg.Idempotency.TTL.Std(), maintenance.Deps{
		PG: pg, Elector: elector, Proc: processor, Repo: obRepo,
		Archive: archive, Idem: idem, Locks: locks, Store: store,
		Queue: q, Bus: bus, Metrics: metrics,
	})

	healthy := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pg.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewServer(orch, promReg, healthy).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var bg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(bgCtx)
			slog.Debug("background task stopped", "task", name)
		}()
	}
	start("elector", elector.Run)
	start("outbox", processor.Run)
	start("maintenance", maint.Run)
	start("reconciler", queue.NewReconciler(q, cfg.Worker.ID).Run)
	start("metrics-poller", poller.Run)

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		pool.Run(workerCtx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-httpErr:
		stop()
		return fmt.Errorf("http server: %w", err)
	}

	// Shutdown order: stop intake, drain claimed work, stop the leader
	// and loops, then one final outbox flush before exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	stopWorkers()
	workers.Wait()

	stopBackground()
	bg.Wait()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if n, err := processor.Drain(flushCtx); err != nil {
		slog.Warn("final outbox flush incomplete", "flushed", n, "error", err)
	} else if n > 0 {
		slog.Info("final outbox flush", "flushed", n)
	}

	slog.Info("server stopped")
	return nil
}
