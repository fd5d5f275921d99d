// Package core holds the domain model shared by every AOCS subsystem:
// runs, operations, plans, and the failure taxonomy.
package core

import (
	"strconv"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunCrashed   RunStatus = "crashed"
)

// Terminal reports whether the run status can no longer change.
// Retries never mutate a terminal run; recovery creates a new,
// parent-linked run instead.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunCrashed:
		return true
	}
	return false
}

// OpStatus is the lifecycle state of a single operation.
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpClaimed   OpStatus = "claimed"
	OpSucceeded OpStatus = "succeeded"
	OpFailed    OpStatus = "failed"
	OpDead      OpStatus = "dead"
)

// PlanStep is one skill invocation within a run's plan.
type PlanStep struct {
	Skill  string                 `json:"skill"`
	Params map[string]interface{} `json:"params"`
}

// Run is an agent-submitted plan flowing through the execution core.
// A run exclusively owns its operations; only the worker holding the
// run lock may mutate either.
type Run struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	AgentID     string     `json:"agent_id"`
	Plan        []PlanStep `json:"plan"`
	Status      RunStatus  `json:"status"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Operation is one plan step materialised for execution. Identity is
// (RunID, Index); the fingerprint stays stable across retries of the
// same logical op.
type Operation struct {
	RunID           string     `json:"run_id"`
	Index           int        `json:"op_index"`
	Skill           string     `json:"skill"`
	CanonicalParams []byte     `json:"canonical_params"`
	Fingerprint     string     `json:"fingerprint"`
	Attempts        int        `json:"attempts"`
	Status          OpStatus   `json:"status"`
	ClaimedBy       string     `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	ResultRef       string     `json:"result_ref,omitempty"`
}

// IdempotencyKey derives the internal idempotency key for an op. Callers
// submitting runs may supply their own key; ops always use this one.
func (o *Operation) IdempotencyKey() string {
	return "op:" + o.RunID + ":" + strconv.Itoa(o.Index)
}

// RunSnapshot is the read view returned by GetRun.
type RunSnapshot struct {
	Run Run         `json:"run"`
	Ops []Operation `json:"ops"`
}
