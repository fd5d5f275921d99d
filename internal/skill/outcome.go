package skill

import (
	"time"

	"github.com/aocs/core/internal/core"
)

// Outcome is the structured result of one skill execution. Exactly one
// of Ok/Failed is set; a raw panic or error never escapes the runtime.
type Outcome struct {
	Ok     *OkOutcome     `json:"ok,omitempty"`
	Failed *FailedOutcome `json:"failed,omitempty"`
}

type OkOutcome struct {
	Result     []byte         `json:"result"`
	ResultHash string         `json:"result_hash"`
	Cost       float64        `json:"cost"`
	Duration   time.Duration  `json:"duration"`
	CacheHit   bool           `json:"cache_hit"`
	Effects    []EffectIntent `json:"effects,omitempty"`
}

type FailedOutcome struct {
	Kind      core.FailureKind `json:"kind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Attempt   int              `json:"attempt"`
	// CooldownHint is set for CircuitOpen and RateLimited failures.
	CooldownHint time.Duration `json:"cooldown_hint,omitempty"`
}

func ok(result []byte, hash string, cost float64, d time.Duration, cacheHit bool, effects []EffectIntent) Outcome {
	return Outcome{Ok: &OkOutcome{
		Result:     result,
		ResultHash: hash,
		Cost:       cost,
		Duration:   d,
		CacheHit:   cacheHit,
		Effects:    effects,
	}}
}

func failed(kind core.FailureKind, msg string, retryable bool, attempt int) Outcome {
	return Outcome{Failed: &FailedOutcome{
		Kind:      kind,
		Message:   msg,
		Retryable: retryable,
		Attempt:   attempt,
	}}
}
