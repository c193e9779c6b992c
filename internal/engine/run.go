package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fixline/internal/audit"
	"fixline/internal/correlation"
	"fixline/internal/domain"
	"fixline/internal/enrich"
	"fixline/internal/executor"
	"fixline/internal/planner"
	"fixline/internal/repo"
	"fixline/internal/schema"
)

const maxConflictRetries = 5

// Advance drives a transaction forward until it is terminal or waiting for an
// approver. Concurrent calls for the same id share one run.
func (e *Engine) Advance(ctx context.Context, id string) error {
	_, err, _ := e.flights.Do(id, func() (any, error) {
		return nil, e.advance(ctx, id)
	})
	return err
}

func (e *Engine) advance(ctx context.Context, id string) error {
	conflicts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := e.Repo.GetTransaction(ctx, id)
		if err != nil {
			return notFound(err, "transaction", id)
		}
		if t.State.Terminal() || t.State == domain.StateAwaitingApproval {
			return nil
		}
		err = e.step(withIDs(ctx, t), t)
		if errors.Is(err, repo.ErrConflict) && conflicts < maxConflictRetries {
			// another writer moved the transaction; reload and continue from its state
			conflicts++
			continue
		}
		if err != nil {
			return err
		}
		conflicts = 0
	}
}

func (e *Engine) step(ctx context.Context, t domain.Transaction) error {
	var err error
	switch t.State {
	case domain.StateReceived:
		_, err = e.transition(ctx, t, change{to: domain.StateEnriching, mutate: func(n *domain.Transaction) {
			n.LogsURI = "/v1/transactions/" + n.ID + "/audit"
		}})
	case domain.StateEnriching:
		err = e.enrich(ctx, t)
	case domain.StateReasoning:
		err = e.reason(ctx, t)
	case domain.StateApproved:
		_, err = e.transition(ctx, t, change{to: domain.StateExecuting})
	case domain.StateExecuting:
		err = e.execute(ctx, t)
	default:
		err = fmt.Errorf("no step for state %s", t.State)
	}
	return err
}

func (e *Engine) primaryAlert(ctx context.Context, t domain.Transaction) (domain.Alert, int, error) {
	alerts, err := e.Repo.ListAlerts(ctx, t.ID)
	if err != nil {
		return domain.Alert{}, 0, err
	}
	var primary domain.Alert
	for _, a := range alerts {
		if a.AlertID == t.AlertID {
			primary = a
		}
	}
	if primary.AlertID == "" {
		primary = domain.Alert{AlertID: t.AlertID, ResourceID: t.ResourceID}
	}
	return primary, len(alerts) - 1, nil
}

// enrich never fails the transaction: errors degrade the context instead.
func (e *Engine) enrich(ctx context.Context, t domain.Transaction) error {
	alert, merged, err := e.primaryAlert(ctx, t)
	if err != nil {
		return err
	}
	var ec domain.EnrichedContext
	var cause error
	if e.Enricher == nil {
		ec = enrich.Fallback(alert, nil)
	} else {
		ec, cause = e.Enricher.Enrich(ctx, alert)
		if cause != nil && ec.Alert.AlertID == "" {
			ec = enrich.Fallback(alert, cause)
		}
	}
	if merged > 0 {
		ec.Notes = append(ec.Notes, fmt.Sprintf("%d further alert(s) for this resource were coalesced", merged))
	}
	if cause != nil {
		e.logger().Warn(ctx, "context degraded", zap.Error(cause))
	}
	payload := audit.Payload{
		"context_quality":  string(ec.Quality),
		"runbook_snippets": len(ec.RunbookSnippets),
		"notes":            ec.Notes,
	}
	if len(ec.LiveMetrics) > 0 {
		keys := make([]string, 0, len(ec.LiveMetrics))
		for k := range ec.LiveMetrics {
			keys = append(keys, k)
		}
		payload["live_metrics"] = keys
	}
	if cause != nil {
		payload["error"] = audit.ErrorPayload(cause)
	}
	_, err = e.transition(ctx, t, change{
		to:     domain.StateReasoning,
		mutate: func(n *domain.Transaction) { n.Context = &ec },
		audits: []audit.Entry{{Type: audit.ContextEnriched, Payload: payload}},
	})
	return err
}

// reason asks the planner for a plan, re-prompting with a corrective nudge while
// validation fails, up to NudgeCeiling extra attempts.
func (e *Engine) reason(ctx context.Context, t domain.Transaction) error {
	reg := e.Schemas.Current()
	var ec domain.EnrichedContext
	if t.Context != nil {
		ec = *t.Context
	}
	gen := e.Planner
	if gen == nil {
		gen = planner.Unconfigured{}
	}
	nudge := ""
	var lastErr error
	for attempt := 0; attempt <= e.NudgeCeiling; attempt++ {
		plan, err := gen.Propose(ctx, planner.Request{Context: ec, Tools: reg.Definitions(), Nudge: nudge, Attempt: attempt})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			e.record(ctx, t.ID, audit.ModelFailed, reg.Version(), audit.Payload{"attempt": attempt, "error": audit.ErrorPayload(err)})
			_, ferr := e.fail(ctx, t, "model error: "+domain.AsError(err).Message, err)
			return ferr
		}
		planID := correlation.PlanID(plan.ToolCalls)
		e.record(ctx, t.ID, audit.PlanProposed, reg.Version(), audit.Payload{
			"attempt": attempt, "plan_id": planID, "model_version": plan.ModelVersion,
			"summary": plan.Summary, "risk_level": string(plan.RiskLevel), "tool_calls": e.maskCalls(plan.ToolCalls),
		})
		if err := schema.ValidatePlan(plan, reg); err != nil {
			lastErr = err
			e.Metrics.PlanAttempt("invalid")
			e.record(ctx, t.ID, audit.PlanInvalid, reg.Version(), audit.Payload{"attempt": attempt, "plan_id": planID, "error": audit.ErrorPayload(err)})
			e.logger().Warn(correlation.WithPlanID(ctx, planID), "plan rejected by validator", zap.Error(err), zap.Int("attempt", attempt))
			nudge = planner.Nudge(err)
			continue
		}
		e.Metrics.PlanAttempt("valid")
		ctx = correlation.WithPlanID(ctx, planID)
		version := reg.Version()
		_, err = e.transition(ctx, t, change{
			to: domain.StateAwaitingApproval,
			mutate: func(n *domain.Transaction) {
				n.Plan = &plan
				n.PlanID = planID
				n.PlanVersion = t.PlanVersion + 1
				n.AllowlistVersion = version
				n.StepsDone = 0
			},
			within: func(tx *sql.Tx, next domain.Transaction) error {
				_, _, err := e.Approvals.RequestTx(ctx, tx, next.ID, planID, version)
				return err
			},
			audits: []audit.Entry{{Type: audit.PlanValidated, AllowlistVersion: version, Payload: audit.Payload{
				"plan_id": planID, "plan_version": t.PlanVersion + 1, "risk_level": string(plan.RiskLevel),
				"model_version": plan.ModelVersion, "steps": len(plan.ToolCalls),
			}}},
		})
		return err
	}
	_, err := e.fail(ctx, t, "unresolvable plan", lastErr)
	return err
}

func (e *Engine) maskCalls(calls []domain.ToolCall) []domain.ToolCall {
	out := make([]domain.ToolCall, len(calls))
	for i, c := range calls {
		c.Params = e.Masker.MaskParams(c.Params)
		out[i] = c
	}
	return out
}

// execute runs the remaining tool calls in order, persisting progress after
// each one. The first failure fails the transaction; nothing is rolled back.
func (e *Engine) execute(ctx context.Context, t domain.Transaction) error {
	if t.Plan == nil {
		_, err := e.fail(ctx, t, "approved transaction has no plan", nil)
		return err
	}
	auth := &executor.Authorization{ApprovedBy: t.ApprovedBy, PlanID: t.PlanID}
	if ap, err := e.Repo.LatestApproval(ctx, t.ID); err == nil {
		auth.AllowDestructive = ap.Decision == domain.DecisionApproved && ap.AllowDestructive && ap.PlanID == t.PlanID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	calls := t.Plan.ToolCalls
	for i := t.StepsDone; i < len(calls); i++ {
		call := calls[i]
		_, err := e.Executor.Execute(ctx, executor.Step{
			TransactionID: t.ID, PlanID: t.PlanID, PlanVersion: t.PlanVersion, Index: i, Auth: auth,
		}, call)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			detail := fmt.Sprintf("step %d of %d (%s) failed after %d completed: %s", i+1, len(calls), call.Name, i, domain.AsError(err).Message)
			_, ferr := e.fail(ctx, t, detail, err)
			return ferr
		}
		t, err = e.transition(ctx, t, change{mutate: func(n *domain.Transaction) { n.StepsDone = i + 1 }})
		if err != nil {
			return err
		}
	}
	_, err := e.transition(ctx, t, change{to: domain.StateCompleted, detail: fmt.Sprintf("completed %d step(s)", len(calls))})
	return err
}
