package correlation

import (
	"context"

	"github.com/google/uuid"
)

// IDs are propagated unchanged through every external call and log line.
type IDs struct {
	AlertID       string
	TransactionID string
	PlanID        string
}

type idsKey struct{}

func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, idsKey{}, ids)
}

// WithPlanID sets the plan id, keeping the other ids already on ctx.
func WithPlanID(ctx context.Context, planID string) context.Context {
	ids := FromContext(ctx)
	ids.PlanID = planID
	return WithIDs(ctx, ids)
}

func FromContext(ctx context.Context) IDs {
	ids, _ := ctx.Value(idsKey{}).(IDs)
	return ids
}

// NewTransactionID returns a globally unique transaction id.
func NewTransactionID() string {
	return "tx-" + uuid.NewString()
}

// Headers renders ids as outbound HTTP/NATS headers.
func (ids IDs) Headers() map[string]string {
	h := make(map[string]string, 3)
	if ids.AlertID != "" {
		h["X-Fixline-Alert-Id"] = ids.AlertID
	}
	if ids.TransactionID != "" {
		h["X-Fixline-Transaction-Id"] = ids.TransactionID
	}
	if ids.PlanID != "" {
		h["X-Fixline-Plan-Id"] = ids.PlanID
	}
	return h
}
