package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fixline/internal/approval"
	"fixline/internal/audit"
	"fixline/internal/domain"
	"fixline/internal/repo"
)

// DecisionResult is what an approver gets back for a decision.
type DecisionResult struct {
	Outcome     approval.Outcome       `json:"outcome"`
	Approval    domain.ApprovalRequest `json:"approval"`
	Transaction domain.Transaction     `json:"transaction"`
	Message     string                 `json:"message"`
}

type pending struct {
	cur, next domain.Transaction
	ch        change
}

// Decide records an approver decision and moves the transaction with it in a
// single database transaction. Non-ok outcomes are returned as structured
// errors alongside the result.
func (e *Engine) Decide(ctx context.Context, in approval.Input) (DecisionResult, error) {
	var out DecisionResult
	var moved *pending
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		res, err := e.Approvals.DecideTx(ctx, tx, in)
		if err != nil {
			return notFound(err, "approval for", firstNonEmpty(in.RequestID, in.TransactionID))
		}
		out.Outcome, out.Approval = res.Outcome, res.Request
		t, err := e.Repo.GetTransactionTx(ctx, tx, res.Request.TransactionID)
		if err != nil {
			return notFound(err, "transaction", res.Request.TransactionID)
		}
		out.Transaction = t
		var ch change
		switch {
		case res.Outcome == approval.OutcomeOK && res.Request.Decision == domain.DecisionApproved:
			ch = change{to: domain.StateApproved, actor: in.ActorID, detail: "approved by " + in.ActorID,
				mutate: func(n *domain.Transaction) { n.ApprovedBy = in.ActorID }}
		case res.Outcome == approval.OutcomeOK:
			ch = change{to: domain.StateRejected, actor: in.ActorID, detail: "rejected by " + in.ActorID}
		case res.Outcome == approval.OutcomeExpired:
			ch = change{to: domain.StateTimedOut, detail: "approval expired"}
		default:
			return nil
		}
		if t.State != domain.StateAwaitingApproval {
			return nil
		}
		next, applied, err := e.transitionTx(withIDs(ctx, t), tx, t, ch)
		if err != nil {
			return err
		}
		out.Transaction = next
		if applied {
			moved = &pending{cur: t, next: next, ch: ch}
		}
		return nil
	})
	if err != nil {
		return DecisionResult{}, err
	}
	if moved != nil {
		e.committed(ctx, moved.cur, moved.next, moved.ch)
	}
	label := string(out.Outcome)
	if out.Outcome == approval.OutcomeOK {
		label = string(out.Approval.Decision)
	}
	e.Metrics.Approval(label)
	out.Message = decisionMessage(out)
	if out.Transaction.State == domain.StateApproved {
		e.Kick(out.Transaction.ID)
	}
	return out, approval.Result{Outcome: out.Outcome, Request: out.Approval}.Err()
}

func decisionMessage(r DecisionResult) string {
	switch r.Outcome {
	case approval.OutcomeOK:
		return fmt.Sprintf("transaction %s %s", r.Transaction.ID, r.Approval.Decision)
	case approval.OutcomeAlreadyDecided:
		return fmt.Sprintf("already %s", r.Approval.Decision)
	case approval.OutcomeExpired:
		return "approval expired; transaction timed out"
	case approval.OutcomeUnauthorized:
		return "actor is not an approver"
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Sweep expires every overdue pending approval and times out its transaction.
// It is safe to run concurrently: each request expires at most once.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	overdue, err := e.Repo.ListOverdueApprovals(ctx, domain.Timestamp(e.now()), 100)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range overdue {
		ok, err := e.expire(ctx, req)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (e *Engine) expire(ctx context.Context, req domain.ApprovalRequest) (bool, error) {
	var moved *pending
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Approvals.ExpireTx(ctx, tx, req)
		if err != nil || !ok {
			return err
		}
		t, err := e.Repo.GetTransactionTx(ctx, tx, req.TransactionID)
		if err != nil {
			return err
		}
		if t.State != domain.StateAwaitingApproval {
			return nil
		}
		ch := change{to: domain.StateTimedOut, detail: "approval expired"}
		next, applied, err := e.transitionTx(withIDs(ctx, t), tx, t, ch)
		if err != nil {
			return err
		}
		if applied {
			moved = &pending{cur: t, next: next, ch: ch}
		}
		return nil
	})
	if err != nil || moved == nil {
		return false, err
	}
	e.committed(ctx, moved.cur, moved.next, moved.ch)
	e.Metrics.Approval(string(domain.DecisionExpired))
	e.logger().Warn(withIDs(ctx, moved.next), "approval expired", zap.String("request_id", req.ID))
	return true, nil
}

// Cancel moves a non-terminal transaction to Failed on an operator's request.
// A pending approval is expired in the same database transaction.
func (e *Engine) Cancel(ctx context.Context, id, actor, reason string) (domain.Transaction, error) {
	if reason == "" {
		reason = "canceled by operator"
	}
	var moved *pending
	var out domain.Transaction
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTransactionTx(ctx, tx, id)
		if err != nil {
			return notFound(err, "transaction", id)
		}
		ctx := withIDs(ctx, t)
		ch := change{to: domain.StateFailed, actor: actor, detail: reason, auditType: audit.TransactionCanceled,
			within: func(tx *sql.Tx, _ domain.Transaction) error {
				req, err := e.Repo.PendingApprovalTx(ctx, tx, id)
				if errors.Is(err, repo.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				_, err = e.Approvals.ExpireTx(ctx, tx, req)
				return err
			}}
		next, applied, err := e.transitionTx(ctx, tx, t, ch)
		if err != nil {
			return err
		}
		out = next
		if applied {
			moved = &pending{cur: t, next: next, ch: ch}
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if moved != nil {
		e.committed(ctx, moved.cur, moved.next, moved.ch)
	}
	return out, nil
}

// Redrive sends a Failed, TimedOut or Rejected transaction back to Received.
// The previous plan is cleared; a new one is proposed from fresh context.
func (e *Engine) Redrive(ctx context.Context, id, actor, reason string) (domain.Transaction, error) {
	t, err := e.Repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, notFound(err, "transaction", id)
	}
	if reason == "" {
		reason = "re-driven by operator"
	}
	ch := change{
		to: domain.StateReceived, redrive: true, actor: actor, detail: reason, auditType: audit.TransactionRedriven,
		mutate: func(n *domain.Transaction) {
			n.RedriveCount++
			n.Plan = nil
			n.PlanID = ""
			n.Context = nil
			n.ApprovedBy = ""
			n.StepsDone = 0
			n.CompletedAt = ""
		},
	}
	next, err := e.transition(withIDs(ctx, t), t, ch)
	if err != nil {
		if errors.Is(err, repo.ErrActiveResource) {
			return domain.Transaction{}, domain.NewError(domain.CodeConflict, false,
				"resource %s already has an active transaction", t.ResourceID).With("resource_id", t.ResourceID)
		}
		return domain.Transaction{}, err
	}
	e.Kick(next.ID)
	return next, nil
}
