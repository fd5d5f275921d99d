package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/deadletter"
)

// Candidate statuses.
const (
	StatusProposed = "proposed"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExecuted = "executed"
)

// Candidate is one proposed recovery action for a dead letter.
type Candidate struct {
	ID           string          `db:"id"`
	DeadLetterID string          `db:"dead_letter_id"`
	Action       string          `db:"action"`
	Transform    json.RawMessage `db:"transform"`
	Confidence   float64         `db:"confidence"`
	Source       string          `db:"source"` // heuristic | learned
	Status       string          `db:"status"`
	Approver     sql.NullString  `db:"approver"`
	DecidedAt    sql.NullTime    `db:"decided_at"`
	CreatedAt    time.Time       `db:"created_at"`
}

// Reinjector submits a recovery run. Implemented by the orchestrator so
// recovered work flows through the same admission path as agent runs.
type Reinjector interface {
	Reinject(ctx context.Context, parentRunID, tenantID string, plan []core.PlanStep) (string, error)
}

// Policy decides approval mode per tenant.
type Policy struct {
	DefaultMode          string // auto | manual
	TenantModes          map[string]string
	AutoApproveThreshold float64
}

func (p Policy) mode(tenant string) string {
	if m, ok := p.TenantModes[tenant]; ok {
		return m
	}
	if p.DefaultMode == "" {
		return "manual"
	}
	return p.DefaultMode
}

// Pipeline generates, gates, and executes recovery candidates.
type Pipeline struct {
	pg       *database.Postgres
	archive  *deadletter.Archive
	catalog  *deadletter.Catalog
	model    *Model
	injector Reinjector
	policy   Policy
}

func NewPipeline(pg *database.Postgres, archive *deadletter.Archive, catalog *deadletter.Catalog, model *Model, injector Reinjector, policy Policy) *Pipeline {
	return &Pipeline{
		pg:       pg,
		archive:  archive,
		catalog:  catalog,
		model:    model,
		injector: injector,
		policy:   policy,
	}
}

// SetInjector wires the reinjection port after construction. The
// orchestrator and the pipeline reference each other; the pipeline is
// built first and the injector attached once the orchestrator exists.
func (p *Pipeline) SetInjector(r Reinjector) { p.injector = r }

// Propose emits candidates for a dead letter from both sources, persists
// them, and auto-approves per tenant policy. Returns the stored
// candidates.
func (p *Pipeline) Propose(ctx context.Context, dlID string) ([]Candidate, error) {
	dl, err := p.archive.Get(ctx, dlID)
	if err != nil {
		return nil, err
	}
	if dl.Recovered {
		return nil, fmt.Errorf("dead letter %s already recovered", dlID)
	}

	var cands []Candidate
	if h := p.heuristic(dl); h != nil {
		cands = append(cands, *h)
	}
	cands = append(cands, p.learned(ctx, dl)...)
	if len(cands) == 0 {
		return nil, nil
	}

	for i := range cands {
		if err := p.insert(ctx, &cands[i]); err != nil {
			return cands[:i], err
		}
	}

	if p.policy.mode(dl.TenantID) == "auto" {
		best := p.best(cands)
		if best != nil && best.Confidence >= p.policy.AutoApproveThreshold {
			if err := p.Approve(ctx, best.ID, "policy:auto"); err != nil {
				slog.Warn("auto-approval failed", "candidate", best.ID, "error", err)
			}
		}
	}
	return cands, nil
}

// heuristic derives a candidate from the matched catalog rule.
func (p *Pipeline) heuristic(dl *deadletter.DeadLetter) *Candidate {
	action := ""
	var transform map[string]interface{}
	if dl.CatalogMatch.Valid {
		if rule := p.catalog.Rule(dl.CatalogMatch.String); rule != nil && rule.Action != "" {
			action = rule.Action
			transform = rule.Transform
		}
	}
	if action == "" {
		// Kind-level defaults when no rule speaks.
		switch core.FailureKind(dl.FailureKind) {
		case core.KindRateLimited, core.KindTransient, core.KindDeadline, core.KindCircuitOpen:
			action = ActionRetryAsIs
		case core.KindUpstreamBug, core.KindSchemaMismatch:
			return nil // needs a rule or a human
		default:
			action = ActionAbort
		}
	}
	c := &Candidate{
		ID:           uuid.NewString(),
		DeadLetterID: dl.ID,
		Action:       action,
		Confidence:   heuristicConfidence(core.FailureKind(dl.FailureKind), dl.Attempts),
		Source:       "heuristic",
		Status:       StatusProposed,
	}
	if transform != nil {
		raw, err := json.Marshal(transform)
		if err == nil {
			c.Transform = raw
		}
	}
	return c
}

// heuristicConfidence is deterministic: kind base rate decayed by how
// often the op already failed.
func heuristicConfidence(kind core.FailureKind, attempts int) float64 {
	base := 0.5
	switch kind {
	case core.KindRateLimited:
		base = 0.9
	case core.KindTransient, core.KindCircuitOpen:
		base = 0.85
	case core.KindDeadline:
		base = 0.7
	case core.KindNotFound, core.KindForbidden, core.KindParamMismatch:
		base = 0.95 // abort candidates: confidently terminal
	}
	decay := 1.0 - 0.05*float64(attempts)
	if decay < 0.5 {
		decay = 0.5
	}
	return base * decay
}

// learned scores every action through the trained model.
func (p *Pipeline) learned(ctx context.Context, dl *deadletter.DeadLetter) []Candidate {
	if p.model == nil {
		return nil
	}
	hist, err := p.historicalRates(ctx, dl.FailureKind)
	if err != nil {
		slog.Warn("historical rates unavailable", "error", err)
		hist = nil
	}
	feats := Extract(dl, hist)
	var out []Candidate
	for _, action := range Actions {
		score, ok := p.model.Score(action, feats)
		if !ok || score < 0.05 {
			continue
		}
		out = append(out, Candidate{
			ID:           uuid.NewString(),
			DeadLetterID: dl.ID,
			Action:       action,
			Confidence:   score,
			Source:       "learned",
			Status:       StatusProposed,
		})
	}
	return out
}

// historicalRates estimates per-action success for a failure kind from
// past candidate dispositions.
func (p *Pipeline) historicalRates(ctx context.Context, kind string) (map[string]float64, error) {
	rows, err := p.pg.DB.QueryxContext(ctx, `
		SELECT c.action,
		       count(*) FILTER (WHERE c.status = 'executed')::float8
		         / greatest(count(*), 1) AS rate
		FROM recovery_candidates c
		JOIN dead_letters d ON d.id = c.dead_letter_id
		WHERE d.failure_kind = $1
		GROUP BY c.action`, kind)
	if err != nil {
		return nil, fmt.Errorf("historical rates: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var action string
		var rate float64
		if err := rows.Scan(&action, &rate); err != nil {
			return nil, err
		}
		out[action] = rate
	}
	return out, rows.Err()
}

func (p *Pipeline) best(cands []Candidate) *Candidate {
	var best *Candidate
	for i := range cands {
		if best == nil || cands[i].Confidence > best.Confidence {
			best = &cands[i]
		}
	}
	return best
}

func (p *Pipeline) insert(ctx context.Context, c *Candidate) error {
	_, err := p.pg.DB.ExecContext(ctx, `
		INSERT INTO recovery_candidates
			(id, dead_letter_id, action, transform, confidence, source, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.DeadLetterID, c.Action, nullableJSON(c.Transform), c.Confidence, c.Source, c.Status)
	if err != nil {
		return fmt.Errorf("candidate insert: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Get fetches one candidate.
func (p *Pipeline) Get(ctx context.Context, id string) (*Candidate, error) {
	var c Candidate
	err := p.pg.DB.GetContext(ctx, &c, `SELECT * FROM recovery_candidates WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("candidate get %s: %w", id, err)
	}
	return &c, nil
}

// List returns candidates, optionally filtered by status, newest first.
func (p *Pipeline) List(ctx context.Context, status string, limit int) ([]Candidate, error) {
	q := `SELECT * FROM recovery_candidates`
	args := []interface{}{}
	if status != "" {
		args = append(args, status)
		q += " WHERE status = $1"
	}
	q += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	var out []Candidate
	if err := p.pg.DB.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("candidate list: %w", err)
	}
	return out, nil
}

// Approve transitions proposed -> approved and executes the candidate.
// Rejected and executed candidates stay put for audit.
func (p *Pipeline) Approve(ctx context.Context, id, approver string) error {
	res, err := p.pg.DB.ExecContext(ctx, `
		UPDATE recovery_candidates
		SET status = 'approved', approver = $2, decided_at = now()
		WHERE id = $1 AND status = 'proposed'`, id, approver)
	if err != nil {
		return fmt.Errorf("candidate approve %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("candidate %s not in proposed state", id)
	}
	return p.execute(ctx, id)
}

// Reject transitions proposed -> rejected.
func (p *Pipeline) Reject(ctx context.Context, id, approver string) error {
	res, err := p.pg.DB.ExecContext(ctx, `
		UPDATE recovery_candidates
		SET status = 'rejected', approver = $2, decided_at = now()
		WHERE id = $1 AND status = 'proposed'`, id, approver)
	if err != nil {
		return fmt.Errorf("candidate reject %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("candidate %s not in proposed state", id)
	}
	return nil
}

// execute builds the recovery plan and reinjects it as a new run
// parent-linked to the original. The original run stays terminal.
func (p *Pipeline) execute(ctx context.Context, id string) error {
	c, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	dl, err := p.archive.Get(ctx, c.DeadLetterID)
	if err != nil {
		return err
	}

	if c.Action != ActionAbort {
		plan, err := buildPlan(c, dl)
		if err != nil {
			return err
		}
		childID, err := p.injector.Reinject(ctx, dl.RunID, dl.TenantID, plan)
		if err != nil {
			return fmt.Errorf("reinject candidate %s: %w", id, err)
		}
		slog.Info("recovery run injected",
			"candidate", id, "parent_run", dl.RunID, "child_run", childID, "action", c.Action)
	}

	if _, err := p.pg.DB.ExecContext(ctx,
		`UPDATE recovery_candidates SET status = 'executed' WHERE id = $1 AND status = 'approved'`,
		id); err != nil {
		return fmt.Errorf("candidate mark executed %s: %w", id, err)
	}
	return p.archive.MarkRecovered(ctx, dl.ID)
}

// buildPlan translates an action into a one-step plan over the dead
// letter's canonical params.
func buildPlan(c *Candidate, dl *deadletter.DeadLetter) ([]core.PlanStep, error) {
	var params map[string]interface{}
	if err := json.Unmarshal(dl.CanonicalParams, &params); err != nil {
		return nil, fmt.Errorf("dead letter %s params: %w", dl.ID, err)
	}
	skill := dl.Skill

	var transform map[string]interface{}
	if len(c.Transform) > 0 {
		if err := json.Unmarshal(c.Transform, &transform); err != nil {
			return nil, fmt.Errorf("candidate %s transform: %w", c.ID, err)
		}
	}

	switch c.Action {
	case ActionRetryAsIs:
	case ActionRetryTransform:
		for k, v := range transform {
			params[k] = v
		}
	case ActionRouteAltSkill:
		alt, _ := transform["skill"].(string)
		if alt == "" {
			return nil, fmt.Errorf("candidate %s: route_to_alt_skill without target skill", c.ID)
		}
		skill = alt
		for k, v := range transform {
			if k != "skill" {
				params[k] = v
			}
		}
	default:
		return nil, fmt.Errorf("candidate %s: unknown action %q", c.ID, c.Action)
	}
	return []core.PlanStep{{Skill: skill, Params: params}}, nil
}
