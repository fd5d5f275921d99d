// Package monitoring exposes the core's Prometheus metrics: queue
// depths, outbox backlog, idempotency cache hits, breaker states,
// recovery candidate rate, and replay mismatches.
package monitoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the core emits.
type Metrics struct {
	QueueDepth        *prometheus.GaugeVec // lane: primary | fallback
	OutboxPending     prometheus.Gauge
	OutboxOldestAge   prometheus.Gauge
	OutboxDelivered   *prometheus.CounterVec // target
	OutboxFailed      *prometheus.CounterVec // target
	IdemDecisions     *prometheus.CounterVec // decision
	BreakerState      *prometheus.GaugeVec   // circuit -> 0 closed, 1 half-open, 2 open
	OpsExecuted       *prometheus.CounterVec // skill, outcome
	OpDuration        *prometheus.HistogramVec
	DeadLetters       *prometheus.CounterVec // kind
	DeadLetterBacklog prometheus.Gauge
	Candidates        *prometheus.CounterVec // source, status
	ReplayMismatches  prometheus.Counter
	LeaderGauge       prometheus.Gauge
	MaintenancePasses *prometheus.CounterVec // phase, result
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aocs", Subsystem: "queue", Name: "depth",
			Help: "Undelivered ops per queue lane.",
		}, []string{"lane"}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aocs", Subsystem: "outbox", Name: "pending",
			Help: "Outbox entries not yet delivered.",
		}),
		OutboxOldestAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aocs", Subsystem: "outbox", Name: "oldest_pending_seconds",
			Help: "Age of the oldest pending outbox entry.",
		}),
		OutboxDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aocs", Subsystem: "outbox", Name: "delivered_total",
			Help: "Successful outbox deliveries.",
		}, []string{"target"}),
		OutboxFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aocs", Subsystem: "outbox", Name: "failed_total",
			Help: "Terminally failed outbox deliveries.",
		}, []string{"target"}),
		IdemDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aocs", Subsystem: "idempotency", Name: "decisions_total",
			Help: "Claim decisions by outcome (claimed, cached, contended, ...).",
		}, []string{"decision"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aocs", Subsystem: "breaker", Name: "state",
			Help: "Circuit state: 0 closed, 1 half-open, 2 open.",
		}, []string{"circuit"}),
		OpsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aocs", Subsystem: "worker", Name: "ops_total",
			Help: "Executed ops by skill and outcome.",
		}, []string{"skill", "outcome"}),
		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aocs", Subsystem: "worker", Name: "op_duration_seconds",
			Help:    "Skill execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"skill"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aocs", Subsystem: "deadletter", Name: "archived_total",
			Help: "Dead letters archived by failure kind.",
		}, []string{"kind"}),
		DeadLetterBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aocs", Subsystem: "deadletter", Name: "unrecovered",
			Help: "Dead letters not yet recovered.",
		}),
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aocs", Subsystem: "recovery", Name: "candidates_total",
			Help: "Recovery candidates by source and status.",
		}, []string{"source", "status"}),
		ReplayMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aocs", Subsystem: "replay", Name: "mismatches_total",
			Help: "Replays whose canonical result hash diverged.",
		}),
		LeaderGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aocs", Subsystem: "leader", Name: "is_leader",
			Help: "1 when this replica holds the leader lease.",
		}),
		MaintenancePasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aocs", Subsystem: "maintenance", Name: "passes_total",
			Help: "Maintenance phases run, by result.",
		}, []string{"phase", "result"}),
	}
}

// DepthSource reports a backlog size.
type DepthSource func(ctx context.Context) (int64, error)

// Poller refreshes slow gauges (queue depth, outbox backlog) on a timer
// so scrapes stay cheap.
type Poller struct {
	metrics  *Metrics
	interval time.Duration

	primary   DepthSource
	fallback  DepthSource
	outbox    DepthSource
	outboxAge func(ctx context.Context) (time.Duration, error)
	deadUnrec DepthSource
	isLeader  func() bool
}

func NewPoller(m *Metrics, interval time.Duration) *Poller {
	return &Poller{metrics: m, interval: interval}
}

func (p *Poller) WithQueue(primary, fallback DepthSource) *Poller {
	p.primary, p.fallback = primary, fallback
	return p
}

func (p *Poller) WithOutbox(depth DepthSource, oldest func(ctx context.Context) (time.Duration, error)) *Poller {
	p.outbox, p.outboxAge = depth, oldest
	return p
}

func (p *Poller) WithDeadLetters(unrecovered DepthSource) *Poller {
	p.deadUnrec = unrecovered
	return p
}

func (p *Poller) WithLeader(isLeader func() bool) *Poller {
	p.isLeader = isLeader
	return p
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample(ctx)
		}
	}
}

func (p *Poller) sample(ctx context.Context) {
	set := func(g prometheus.Gauge, src DepthSource, what string) {
		if src == nil {
			return
		}
		n, err := src(ctx)
		if err != nil {
			slog.Debug("metrics sample failed", "gauge", what, "error", err)
			return
		}
		g.Set(float64(n))
	}
	set(p.metrics.QueueDepth.WithLabelValues("primary"), p.primary, "queue_primary")
	set(p.metrics.QueueDepth.WithLabelValues("fallback"), p.fallback, "queue_fallback")
	set(p.metrics.OutboxPending, p.outbox, "outbox_pending")
	set(p.metrics.DeadLetterBacklog, p.deadUnrec, "deadletter_unrecovered")
	if p.outboxAge != nil {
		if age, err := p.outboxAge(ctx); err == nil {
			p.metrics.OutboxOldestAge.Set(age.Seconds())
		}
	}
	if p.isLeader != nil {
		if p.isLeader() {
			p.metrics.LeaderGauge.Set(1)
		} else {
			p.metrics.LeaderGauge.Set(0)
		}
	}
}
