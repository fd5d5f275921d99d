package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aocs/core/internal/circuitbreaker"
	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/lock"
	"github.com/aocs/core/internal/monitoring"
	"github.com/aocs/core/internal/queue"
)

// DeliveryAdapter performs the actual external call for one target.
// Implementations must forward entry.IdempotencyKey so redeliveries
// collapse downstream, and map errors to *core.Failure where they can.
type DeliveryAdapter interface {
	Deliver(ctx context.Context, entry *Entry) error
}

// DeliveryAdapterFunc adapts a function to the DeliveryAdapter port.
type DeliveryAdapterFunc func(ctx context.Context, entry *Entry) error

func (f DeliveryAdapterFunc) Deliver(ctx context.Context, entry *Entry) error {
	return f(ctx, entry)
}

// TerminalSink receives entries whose delivery failed permanently.
type TerminalSink interface {
	ArchiveOutboxEntry(ctx context.Context, entry *Entry, failure *core.Failure) error
}

// Config tunes the processor.
type Config struct {
	BatchSize    int
	Lease        time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// Lanes bounds concurrent delivery lanes per pass.
	Lanes int
	// LagThreshold widens a pass to MaxBatchSize and MaxLanes once the
	// undelivered backlog crosses it, so the drain outpaces intake. Zero
	// disables widening.
	LagThreshold int64
	MaxBatchSize int
	MaxLanes     int
}

// Processor drains the outbox. Exactly one replica processes at a time:
// every pass is gated on the leader election, and the claim query's
// lane guard keeps per-(run, target) delivery in order regardless.
type Processor struct {
	repo     *Repository
	adapters map[string]DeliveryAdapter
	elector  *lock.Elector
	sink     TerminalSink
	breakers *circuitbreaker.Registry
	metrics  *monitoring.Metrics
	cfg      Config
}

func NewProcessor(repo *Repository, adapters map[string]DeliveryAdapter, elector *lock.Elector, sink TerminalSink, cfg Config) *Processor {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 4
	}
	return &Processor{
		repo:     repo,
		adapters: adapters,
		elector:  elector,
		sink:     sink,
		cfg:      cfg,
	}
}

// WithBreakers keys one circuit per target; a lane whose target circuit
// is open parks without charging attempts until the cooldown passes.
func (p *Processor) WithBreakers(r *circuitbreaker.Registry) *Processor {
	p.breakers = r
	return p
}

// WithMetrics wires the delivery counters.
func (p *Processor) WithMetrics(m *monitoring.Metrics) *Processor {
	p.metrics = m
	return p
}

// Run drains until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !p.elector.IsLeader() {
			continue
		}
		if _, err := p.repo.ReleaseExpired(ctx); err != nil {
			slog.Warn("outbox lease sweep failed", "error", err)
		}
		if n, err := p.Pass(ctx); err != nil {
			slog.Error("outbox pass failed", "error", err)
		} else if n > 0 {
			slog.Debug("outbox pass", "delivered_or_parked", n)
		}
	}
}

// Pass claims one batch and delivers it. Entries sharing a lane run
// serially in seq order; distinct lanes run concurrently. Returns how
// many entries reached a new state.
func (p *Processor) Pass(ctx context.Context) (int, error) {
	batchSize, laneCap := p.batchSize(ctx)
	batch, err := p.repo.ClaimBatch(ctx, batchSize, p.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	lanes := make(map[string][]Entry)
	order := make([]string, 0, len(batch))
	for _, e := range batch {
		k := e.Lane()
		if _, seen := lanes[k]; !seen {
			order = append(order, k)
		}
		lanes[k] = append(lanes[k], e)
	}

	sem := make(chan struct{}, laneCap)
	var wg sync.WaitGroup
	var mu sync.Mutex
	moved := 0
	for _, k := range order {
		entries := lanes[k]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			n := p.deliverLane(ctx, entries)
			mu.Lock()
			moved += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	return moved, nil
}

// batchSize picks the claim size and lane cap for one pass, widening to
// the configured ceilings when the backlog is past the lag threshold.
func (p *Processor) batchSize(ctx context.Context) (int, int) {
	batch, lanes := p.cfg.BatchSize, p.cfg.Lanes
	if p.cfg.LagThreshold <= 0 {
		return batch, lanes
	}
	depth, err := p.repo.Depth(ctx)
	if err != nil {
		slog.Warn("outbox depth check failed", "error", err)
		return batch, lanes
	}
	if depth <= p.cfg.LagThreshold {
		return batch, lanes
	}
	if p.cfg.MaxBatchSize > batch {
		batch = p.cfg.MaxBatchSize
	}
	if p.cfg.MaxLanes > lanes {
		lanes = p.cfg.MaxLanes
	}
	slog.Info("outbox backlog over threshold, widening pass",
		"depth", depth, "batch_size", batch, "lanes", lanes)
	return batch, lanes
}

// deliverLane walks one lane in order and stops at the first entry that
// did not deliver; later entries in the lane return to pending untouched
// so order is preserved on the next pass.
func (p *Processor) deliverLane(ctx context.Context, entries []Entry) int {
	moved := 0
	for i := range entries {
		e := &entries[i]
		done, aerr := p.allow(e.Target)
		if aerr != nil {
			// Target circuit open: park the whole remaining lane with no
			// attempt charged and let the cooldown pass.
			slog.Warn("outbox target paused", "target", e.Target, "error", aerr)
			p.unclaimRest(ctx, entries[i:])
			return moved
		}
		err := p.deliver(ctx, e)
		if done != nil {
			done(err == nil)
		}
		if err != nil {
			slog.Warn("outbox delivery failed",
				"id", e.ID, "target", e.Target, "run_id", e.RunID,
				"attempt", e.Attempts+1, "error", err)
			p.dispose(ctx, e, err)
			p.unclaimRest(ctx, entries[i+1:])
			return moved + 1
		}
		if err := p.repo.MarkDelivered(ctx, e.ID); err != nil {
			slog.Error("outbox mark delivered failed", "id", e.ID, "error", err)
			return moved
		}
		if p.metrics != nil {
			p.metrics.OutboxDelivered.WithLabelValues(e.Target).Inc()
		}
		moved++
	}
	return moved
}

func (p *Processor) allow(target string) (func(success bool), error) {
	if p.breakers == nil {
		return nil, nil
	}
	return p.breakers.Get(target).Allow()
}

func (p *Processor) deliver(ctx context.Context, e *Entry) error {
	adapter, ok := p.adapters[e.Target]
	if !ok {
		return core.NewFailure(core.KindNotFound, "no delivery adapter for target %q", e.Target)
	}
	return adapter.Deliver(ctx, e)
}

// dispose classifies a delivery error into retry or terminal parking.
func (p *Processor) dispose(ctx context.Context, e *Entry, derr error) {
	failure := core.AsFailure(derr)
	attempt := e.Attempts + 1
	if failure.Retryable && attempt < p.cfg.MaxAttempts {
		delay := queue.Backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, e.RunID, attempt)
		if err := p.repo.MarkRetry(ctx, e.ID, delay, failure.Error()); err != nil {
			slog.Error("outbox mark retry failed", "id", e.ID, "error", err)
		}
		return
	}
	if p.sink != nil {
		if err := p.sink.ArchiveOutboxEntry(ctx, e, failure); err != nil {
			// Archive before park: if the archive fails the entry stays
			// in flight and the lease sweep retries the whole step.
			slog.Error("outbox dead-letter archive failed", "id", e.ID, "error", err)
			return
		}
	}
	if err := p.repo.MarkFailed(ctx, e.ID, failure.Error()); err != nil {
		slog.Error("outbox mark failed failed", "id", e.ID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.OutboxFailed.WithLabelValues(e.Target).Inc()
	}
}

// unclaimRest returns the tail of a stalled lane to pending immediately
// instead of waiting for the lease sweep.
func (p *Processor) unclaimRest(ctx context.Context, rest []Entry) {
	for i := range rest {
		if err := p.repo.Unclaim(ctx, rest[i].ID); err != nil {
			slog.Warn("outbox lane unclaim failed", "id", rest[i].ID, "error", err)
		}
	}
}

// Drain keeps running passes until the outbox is empty or ctx expires.
// Used at shutdown and by the admin CLI.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.Pass(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			depth, err := p.repo.Depth(ctx)
			if err != nil {
				return total, err
			}
			if depth == 0 {
				return total, nil
			}
			// Entries remain but none are visible (backoff delays).
			return total, fmt.Errorf("outbox drain stalled with %d undelivered entries", depth)
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}
