package logging

import (
	"context"

	"go.uber.org/zap"

	"fixline/internal/correlation"
)

// ContextFields extracts correlation ids from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	ids := correlation.FromContext(ctx)
	fields := make([]zap.Field, 0, 3)
	if ids.AlertID != "" {
		fields = append(fields, zap.String("alert_id", ids.AlertID))
	}
	if ids.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", ids.TransactionID))
	}
	if ids.PlanID != "" {
		fields = append(fields, zap.String("plan_id", ids.PlanID))
	}
	return fields
}
