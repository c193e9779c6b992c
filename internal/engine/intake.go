package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"fixline/internal/audit"
	"fixline/internal/correlation"
	"fixline/internal/domain"
	"fixline/internal/repo"
)

// IntakeResult reports where an alert was routed.
type IntakeResult struct {
	Transaction domain.Transaction `json:"transaction"`
	Merged      bool               `json:"merged"`
	Duplicate   bool               `json:"duplicate"`
}

// ValidateAlert enforces the intake contract. A missing resource id is allowed
// and leads to degraded context later.
func ValidateAlert(a domain.Alert) error {
	required := map[string]string{"alert_id": a.AlertID, "severity": a.Severity, "message": a.Message, "fired_at": a.FiredAt}
	for _, field := range []string{"alert_id", "severity", "message", "fired_at"} {
		if strings.TrimSpace(required[field]) == "" {
			return domain.NewError(domain.CodeBadRequest, false, "%s is required", field).With("field", field)
		}
	}
	if _, err := time.Parse(time.RFC3339, a.FiredAt); err != nil {
		return domain.NewError(domain.CodeBadRequest, false, "fired_at must be RFC3339").With("field", "fired_at")
	}
	return nil
}

// Intake routes an alert: a repeated alert id returns its transaction, an alert
// for a resource with an active transaction merges into it, anything else
// starts a new transaction in Received.
func (e *Engine) Intake(ctx context.Context, a domain.Alert) (IntakeResult, error) {
	if err := ValidateAlert(a); err != nil {
		return IntakeResult{}, err
	}
	a.AlertID = strings.TrimSpace(a.AlertID)
	a.ResourceID = a.Resource()
	a.ValidatorID = ""

	if res, ok, err := e.duplicate(ctx, a.AlertID); err != nil || ok {
		return res, err
	}
	if a.ResourceID != "" && e.Coalescer != nil {
		active, ok, err := e.Coalescer.Active(ctx, a.ResourceID)
		if err != nil {
			return IntakeResult{}, err
		}
		if ok {
			return e.merge(ctx, a, active)
		}
	}

	now := domain.Timestamp(e.now())
	t := domain.Transaction{
		ID:         correlation.NewTransactionID(),
		AlertID:    a.AlertID,
		ResourceID: a.ResourceID,
		State:      domain.StateReceived,
		Revision:   1,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if e.Schemas != nil {
		t.AllowlistVersion = e.Schemas.Current().Version()
	}
	ctx = withIDs(ctx, t)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.UpsertTransactionTx(ctx, tx, t); err != nil {
			return err
		}
		if err := e.Repo.InsertAlertTx(ctx, tx, a, t.ID, false, now); err != nil {
			return err
		}
		_, err := e.Audit.Append(ctx, tx, audit.Entry{
			TransactionID: t.ID, Type: audit.AlertReceived, AllowlistVersion: t.AllowlistVersion,
			Payload: audit.Payload{"alert": a},
		})
		return err
	})
	switch {
	case errors.Is(err, repo.ErrActiveResource):
		// lost the race to another alert for the same resource, or its transaction predates the window
		active, ok, ferr := e.Repo.FindActiveByResource(ctx, a.ResourceID, "")
		if ferr != nil {
			return IntakeResult{}, ferr
		}
		if !ok {
			return IntakeResult{}, domain.NewError(domain.CodeConflict, true, "resource %s is busy; retry", a.ResourceID)
		}
		return e.merge(ctx, a, active)
	case errors.Is(err, repo.ErrConflict):
		if res, ok, derr := e.duplicate(ctx, a.AlertID); derr != nil || ok {
			return res, derr
		}
		return IntakeResult{}, err
	case err != nil:
		return IntakeResult{}, err
	}
	if e.Coalescer != nil {
		e.Coalescer.Remember(a.AlertID, t.ID)
	}
	e.Metrics.Alert("new")
	e.Metrics.Transition("", string(t.State))
	if e.Events != nil {
		e.Events.Transitioned(ctx, t, "")
	}
	e.logger().Info(ctx, "alert received")
	e.Kick(t.ID)
	return IntakeResult{Transaction: t}, nil
}

func (e *Engine) duplicate(ctx context.Context, alertID string) (IntakeResult, bool, error) {
	t, ok, err := e.cachedRoute(ctx, alertID)
	if err != nil {
		return IntakeResult{}, false, err
	}
	if !ok {
		id, err := e.Repo.AlertTransactionID(ctx, alertID)
		if errors.Is(err, repo.ErrNotFound) {
			return IntakeResult{}, false, nil
		}
		if err != nil {
			return IntakeResult{}, false, err
		}
		t, err = e.Repo.GetTransaction(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return IntakeResult{}, false, nil
		}
		if err != nil {
			return IntakeResult{}, false, err
		}
	}
	if e.Coalescer != nil {
		e.Coalescer.Remember(alertID, t.ID)
	}
	e.Metrics.Alert("duplicate")
	return IntakeResult{Transaction: t, Duplicate: true, Merged: t.AlertID != alertID}, true, nil
}

// cachedRoute resolves an alert id through the coalescer cache. Entries whose
// transaction no longer exists are evicted.
func (e *Engine) cachedRoute(ctx context.Context, alertID string) (domain.Transaction, bool, error) {
	if e.Coalescer == nil {
		return domain.Transaction{}, false, nil
	}
	id, ok := e.Coalescer.Seen(alertID)
	if !ok || id == "" {
		return domain.Transaction{}, false, nil
	}
	t, err := e.Repo.GetTransaction(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		e.Coalescer.Forget(alertID)
		return domain.Transaction{}, false, nil
	}
	if err != nil {
		return domain.Transaction{}, false, err
	}
	return t, true, nil
}

func (e *Engine) merge(ctx context.Context, a domain.Alert, active domain.Transaction) (IntakeResult, error) {
	ctx = withIDs(ctx, active)
	now := domain.Timestamp(e.now())
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAlertTx(ctx, tx, a, active.ID, true, now); err != nil {
			return err
		}
		_, err := e.Audit.Append(ctx, tx, audit.Entry{
			TransactionID: active.ID, Type: audit.AlertCoalesced,
			Payload: audit.Payload{"alert": a, "state": string(active.State)},
		})
		return err
	})
	if errors.Is(err, repo.ErrConflict) {
		if res, ok, derr := e.duplicate(ctx, a.AlertID); derr != nil || ok {
			return res, derr
		}
	}
	if err != nil {
		return IntakeResult{}, err
	}
	if e.Coalescer != nil {
		e.Coalescer.Remember(a.AlertID, active.ID)
	}
	e.Metrics.Alert("merged")
	e.logger().Info(ctx, "alert coalesced into active transaction")
	return IntakeResult{Transaction: active, Merged: true}, nil
}
