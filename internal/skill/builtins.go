package skill

import (
	"context"

	"github.com/aocs/core/internal/core"
)

// RegisterBuiltins wires the skills every deployment carries. Real
// skill bodies register from their own packages; echo exists for smoke
// tests, replay verification, and recovery drills.
func RegisterBuiltins(r *Registry) {
	_ = r.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(_ context.Context, inv Invocation) (*Result, *core.Failure) {
			return &Result{Payload: inv.CanonicalParams, Cost: 0}, nil
		}),
	})
}
