package outbox

import (
	"context"
	"log/slog"
)

// BuiltinAdapters maps the outbox targets every deployment ships with.
// Both the server and the admin CLI drain with this same set, so an
// entry deliverable by one is deliverable by the other; provider
// adapters register alongside it at process start.
func BuiltinAdapters() map[string]DeliveryAdapter {
	return map[string]DeliveryAdapter{
		"log": DeliveryAdapterFunc(func(_ context.Context, e *Entry) error {
			slog.Info("outbox delivery",
				"run_id", e.RunID, "op_index", e.OpIndex,
				"idempotency_key", e.IdempotencyKey, "payload_bytes", len(e.Payload))
			return nil
		}),
	}
}
