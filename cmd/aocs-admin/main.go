// Command aocs-admin is the operator CLI. It connects straight to the
// data stores, so it works even when the API surface is down.
//
// Exit codes: 0 success, 2 usage error, 3 operational regression
// detected (replay mismatch, stalled drain, stuck locks).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/aocs/core/internal/circuitbreaker"
	"github.com/aocs/core/internal/config"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/deadletter"
	"github.com/aocs/core/internal/events"
	"github.com/aocs/core/internal/idempotency"
	"github.com/aocs/core/internal/lock"
	"github.com/aocs/core/internal/maintenance"
	"github.com/aocs/core/internal/orchestrator"
	"github.com/aocs/core/internal/outbox"
	"github.com/aocs/core/internal/queue"
	"github.com/aocs/core/internal/recovery"
	"github.com/aocs/core/internal/skill"
	"github.com/aocs/core/internal/state"
)

const (
	exitOK         = 0
	exitUsage      = 2
	exitRegression = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	app, err := newApp(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer app.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	code, err := app.dispatch(ctx, os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `aocs-admin <command> [flags]

Commands:
  deadletters   List or inspect dead letters
  propose       Generate recovery candidates for a dead letter
  candidates    List recovery candidates
  approve       Approve (and execute) a recovery candidate
  reject        Reject a recovery candidate
  replay        Verify a run's results against the replay log
  drain-outbox  Deliver every pending outbox entry
  maintenance   Run one maintenance pass now
  locks         Dump the distributed lock table
  stats         Print the core's counters
`)
}

type app struct {
	cfg     *config.Config
	pg      *database.Postgres
	rdb     *redis.Client
	locks   *lock.Manager
	archive *deadletter.Archive
	pipe    *recovery.Pipeline
	orch    *orchestrator.Orchestrator
	obRepo  *outbox.Repository
	proc    *outbox.Processor
	maint   *maintenance.Loop
	replay  *idempotency.ReplayLog
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	pg, err := database.Connect(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})

	locks := lock.NewManager(pg, cfg.Lock.Lease.Std())
	q := queue.New(queue.Config{
		Partitions:      cfg.Queue.Partitions,
		ConsumerGroup:   cfg.Queue.ConsumerGroup,
		VisibilityLease: cfg.Queue.VisibilityLease.Std(),
		MaxAttempts:     cfg.Queue.MaxAttempts,
		MaxVisibleAge:   cfg.Queue.MaxVisibleAge.Std(),
		BackoffBase:     cfg.Queue.BackoffBase.Std(),
		BackoffCap:      cfg.Queue.BackoffCap.Std(),
	}, rdb, pg, locks)

	catalog, err := deadletter.LoadCatalog(cfg.Recovery.CatalogPath)
	if err != nil {
		return nil, err
	}
	archive := deadletter.NewArchive(pg, catalog)
	model, err := recovery.LoadModel(cfg.Recovery.ClassifierPath)
	if err != nil {
		return nil, err
	}
	pipe := recovery.NewPipeline(pg, archive, catalog, model, nil, recovery.Policy{
		DefaultMode:          "manual", // the CLI is the manual approver
		AutoApproveThreshold: cfg.Recovery.AutoApproveThreshold,
	})

	idem := idempotency.NewStore(pg, rdb, cfg.Idempotency.TTL.Std(), cfg.Idempotency.CacheTTL.Std())
	replayLog := idempotency.NewReplayLog(pg)
	store := state.NewStore(pg)
	obRepo := outbox.NewRepository(pg)
	budget := skill.NewMemoryBudget(cfg.Worker.DefaultBudget)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.Requests >= 10 && c.FailureRatio() >= 0.5
		},
	})
	skills := skill.NewRegistry()
	skill.RegisterBuiltins(skills)
	runtime := skill.NewRuntime(skills, idem, breakers, budget)
	orch := orchestrator.New(store, q, idem, replayLog, archive, pipe, obRepo,
		budget, runtime, events.Nop{}, 0)
	pipe.SetInjector(orch)

	elector := lock.NewElector(locks, cfg.Outbox.LeaderResource, "aocs-admin")
	proc := outbox.NewProcessor(obRepo, outbox.BuiltinAdapters(), elector, archive, outbox.Config{
		BatchSize:    cfg.Outbox.BatchSize,
		Lease:        cfg.Outbox.VisibilityLease.Std(),
		PollInterval: cfg.Outbox.PollInterval.Std(),
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		BackoffBase:  cfg.Outbox.BackoffBase.Std(),
		BackoffMax:   cfg.Outbox.BackoffCap.Std(),
		LagThreshold: cfg.Outbox.LagThreshold,
		MaxBatchSize: cfg.Outbox.MaxBatchSize,
		MaxLanes:     cfg.Outbox.MaxConcurrency,
	}).WithBreakers(breakers)
	maint := maintenance.NewLoop(cfg.Maintenance, cfg.Idempotency.TTL.Std(), maintenance.Deps{
		PG: pg, Elector: elector, Proc: proc, Repo: obRepo,
		Archive: archive, Idem: idem, Locks: locks, Store: store,
		Queue: q, Bus: events.NewBus(),
	})

	return &app{
		cfg: cfg, pg: pg, rdb: rdb, locks: locks, archive: archive,
		pipe: pipe, orch: orch, obRepo: obRepo, proc: proc, maint: maint,
		replay: replayLog,
	}, nil
}

func (a *app) close() {
	a.rdb.Close()
	a.pg.Close()
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) (int, error) {
	switch cmd {
	case "deadletters":
		return a.cmdDeadLetters(ctx, args)
	case "propose":
		return a.cmdPropose(ctx, args)
	case "candidates":
		return a.cmdCandidates(ctx, args)
	case "approve":
		return a.cmdDecide(ctx, args, true)
	case "reject":
		return a.cmdDecide(ctx, args, false)
	case "replay":
		return a.cmdReplay(ctx, args)
	case "drain-outbox":
		return a.cmdDrainOutbox(ctx)
	case "maintenance":
		a.maint.Pass(ctx)
		fmt.Println("maintenance pass complete")
		return exitOK, nil
	case "locks":
		return a.cmdLocks(ctx)
	case "stats":
		return a.cmdStats(ctx)
	case "help", "--help", "-h":
		printUsage()
		return exitOK, nil
	default:
		printUsage()
		return exitUsage, fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) cmdDeadLetters(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("deadletters", flag.ContinueOnError)
	id := fs.String("id", "", "show one dead letter")
	tenant := fs.String("tenant", "", "filter by tenant")
	kind := fs.String("kind", "", "filter by failure kind")
	unmatched := fs.Bool("unmatched", false, "only catalog-unmatched entries")
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return exitUsage, err
	}
	if *id != "" {
		dl, err := a.archive.Get(ctx, *id)
		if err != nil {
			return 1, err
		}
		return exitOK, printJSON(dl)
	}
	items, err := a.archive.List(ctx, deadletter.ListFilter{
		TenantID: *tenant, FailureKind: *kind, Unmatched: *unmatched, Limit: *limit,
	})
	if err != nil {
		return 1, err
	}
	return exitOK, printJSON(items)
}

func (a *app) cmdPropose(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("propose", flag.ContinueOnError)
	id := fs.String("id", "", "dead letter id")
	if err := fs.Parse(args); err != nil || *id == "" {
		return exitUsage, fmt.Errorf("propose requires -id")
	}
	cands, err := a.pipe.Propose(ctx, *id)
	if err != nil {
		return 1, err
	}
	if len(cands) == 0 {
		fmt.Println("no candidates: needs a catalog rule or a human")
		return exitOK, nil
	}
	return exitOK, printJSON(cands)
}

func (a *app) cmdCandidates(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("candidates", flag.ContinueOnError)
	status := fs.String("status", "proposed", "filter by status (empty for all)")
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return exitUsage, err
	}
	cands, err := a.pipe.List(ctx, *status, *limit)
	if err != nil {
		return 1, err
	}
	return exitOK, printJSON(cands)
}

func (a *app) cmdDecide(ctx context.Context, args []string, approve bool) (int, error) {
	name := "reject"
	if approve {
		name = "approve"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	id := fs.String("id", "", "candidate id")
	approver := fs.String("approver", "aocs-admin", "approver identity")
	if err := fs.Parse(args); err != nil || *id == "" {
		return exitUsage, fmt.Errorf("%s requires -id", name)
	}
	var err error
	if approve {
		err = a.pipe.Approve(ctx, *id, *approver)
	} else {
		err = a.pipe.Reject(ctx, *id, *approver)
	}
	if err != nil {
		return 1, err
	}
	fmt.Printf("candidate %s %sd\n", *id, name)
	return exitOK, nil
}

func (a *app) cmdReplay(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	runID := fs.String("run", "", "run id to verify")
	if err := fs.Parse(args); err != nil || *runID == "" {
		return exitUsage, fmt.Errorf("replay requires -run")
	}
	report, err := a.orch.Replay(ctx, *runID)
	if err != nil {
		return 1, err
	}
	if err := printJSON(report); err != nil {
		return 1, err
	}
	if report.Mismatches > 0 {
		fmt.Fprintf(os.Stderr, "replay regression: %d mismatched op(s)\n", report.Mismatches)
		return exitRegression, nil
	}
	return exitOK, nil
}

func (a *app) cmdDrainOutbox(ctx context.Context) (int, error) {
	n, err := a.proc.Drain(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain stopped after %d entries: %v\n", n, err)
		return exitRegression, nil
	}
	fmt.Printf("outbox drained: %d entr(ies) settled\n", n)
	return exitOK, nil
}

func (a *app) cmdLocks(ctx context.Context) (int, error) {
	leases, err := a.locks.Dump(ctx)
	if err != nil {
		return 1, err
	}
	if err := printJSON(leases); err != nil {
		return 1, err
	}
	// A lease expired for more than two full lease periods means the GC
	// is not keeping up.
	stale := 0
	cutoff := time.Now().Add(-2 * a.cfg.Lock.Lease.Std())
	for _, l := range leases {
		if l.ExpiresAt.Before(cutoff) {
			stale++
		}
	}
	if stale > 0 {
		fmt.Fprintf(os.Stderr, "lock regression: %d lease(s) long expired and uncollected\n", stale)
		return exitRegression, nil
	}
	return exitOK, nil
}

func (a *app) cmdStats(ctx context.Context) (int, error) {
	stats, err := a.orch.Stats(ctx)
	if err != nil {
		return 1, err
	}
	return exitOK, printJSON(stats)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
