package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fixline/internal/audit"
	"fixline/internal/domain"
	"fixline/internal/repo"
)

// Approvers decides who may approve or reject plans.
type Approvers interface {
	CanApprove(actorID string) bool
}

// StaticApprovers is a fixed allowlist of actor ids.
type StaticApprovers map[string]bool

func NewStaticApprovers(ids ...string) StaticApprovers {
	s := StaticApprovers{}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s[id] = true
		}
	}
	return s
}

func (s StaticApprovers) CanApprove(actorID string) bool { return s[actorID] }

type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeAlreadyDecided Outcome = "already_decided"
	OutcomeUnauthorized   Outcome = "unauthorized"
	OutcomeExpired        Outcome = "expired"
)

// Input is one approver decision. RequestID wins over TransactionID when both are set.
type Input struct {
	RequestID        string
	TransactionID    string
	ActorID          string
	Decision         domain.Decision
	AllowDestructive bool
}

type Result struct {
	Outcome Outcome
	Request domain.ApprovalRequest
}

// Err maps a non-ok outcome to the structured error returned to callers.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeAlreadyDecided:
		return domain.NewError(domain.CodeAlreadyDecided, false, "approval %s already %s", r.Request.ID, r.Request.Decision).
			With("decision", string(r.Request.Decision))
	case OutcomeUnauthorized:
		return domain.NewError(domain.CodeUnauthorized, false, "actor is not an approver")
	case OutcomeExpired:
		return domain.NewError(domain.CodeApprovalExpired, false, "approval %s expired at %s", r.Request.ID, r.Request.ExpiresAt)
	}
	return nil
}

// Gateway owns approval requests. The Tx methods write inside the caller's
// transaction so a decision and the state transition it causes commit together.
type Gateway struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Approvers Approvers
	TTL       time.Duration
	Now       func() time.Time
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// RequestTx creates a pending request for planID, or returns the one that is
// already pending for the transaction.
func (g *Gateway) RequestTx(ctx context.Context, tx *sql.Tx, transactionID, planID, allowlistVersion string) (domain.ApprovalRequest, bool, error) {
	existing, err := g.Repo.PendingApprovalTx(ctx, tx, transactionID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ApprovalRequest{}, false, err
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := g.now()
	req := domain.ApprovalRequest{
		ID:            "ap-" + uuid.NewString(),
		TransactionID: transactionID,
		PlanID:        planID,
		IssuedAt:      domain.Timestamp(now),
		ExpiresAt:     domain.Timestamp(now.Add(ttl)),
		Decision:      domain.DecisionPending,
	}
	if err := g.Repo.InsertApprovalTx(ctx, tx, req); err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	if _, err := g.Audit.Append(ctx, tx, audit.Entry{
		TransactionID: transactionID, Type: audit.ApprovalRequested, AllowlistVersion: allowlistVersion,
		Payload: audit.Payload{"request_id": req.ID, "plan_id": planID, "expires_at": req.ExpiresAt},
	}); err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	return req, true, nil
}

func (g *Gateway) lookupTx(ctx context.Context, tx *sql.Tx, in Input) (domain.ApprovalRequest, error) {
	if in.RequestID != "" {
		return g.Repo.GetApprovalTx(ctx, tx, in.RequestID)
	}
	if in.TransactionID == "" {
		return domain.ApprovalRequest{}, domain.NewError(domain.CodeBadRequest, false, "request_id or transaction_id is required")
	}
	return g.Repo.LatestApprovalTx(ctx, tx, in.TransactionID)
}

// DecideTx applies an approver decision. Every outcome is audited inside tx;
// the returned error is reserved for lookups and storage failures.
func (g *Gateway) DecideTx(ctx context.Context, tx *sql.Tx, in Input) (Result, error) {
	if in.Decision != domain.DecisionApproved && in.Decision != domain.DecisionRejected {
		return Result{}, domain.NewError(domain.CodeBadRequest, false, "decision must be approved or rejected")
	}
	req, err := g.lookupTx(ctx, tx, in)
	if err != nil {
		return Result{}, err
	}
	if in.TransactionID != "" && in.TransactionID != req.TransactionID {
		return Result{}, domain.NewError(domain.CodeBadRequest, false, "approval %s does not belong to transaction %s", req.ID, in.TransactionID)
	}
	payload := audit.Payload{"request_id": req.ID, "plan_id": req.PlanID, "decision": string(in.Decision)}
	record := func(typ string, actor string) error {
		_, err := g.Audit.Append(ctx, tx, audit.Entry{TransactionID: req.TransactionID, Type: typ, ActorID: actor, Payload: payload})
		return err
	}

	if g.Approvers == nil || !g.Approvers.CanApprove(in.ActorID) {
		payload["claimed_actor"] = in.ActorID
		return Result{Outcome: OutcomeUnauthorized, Request: req}, record(audit.ApprovalUnauthorized, "")
	}
	if req.Terminal() {
		payload["current"] = string(req.Decision)
		return Result{Outcome: OutcomeAlreadyDecided, Request: req}, record(audit.ApprovalAlreadyDecided, in.ActorID)
	}
	now := g.now()
	if expires, err := domain.ParseTimestamp(req.ExpiresAt); err == nil && !now.Before(expires) {
		if _, err := g.ExpireTx(ctx, tx, req); err != nil {
			return Result{}, err
		}
		req.Decision = domain.DecisionExpired
		return Result{Outcome: OutcomeExpired, Request: req}, nil
	}
	at := domain.Timestamp(now)
	ok, err := g.Repo.DecideApprovalTx(ctx, tx, req.ID, in.Decision, in.ActorID, at, in.AllowDestructive)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		current, err := g.Repo.GetApprovalTx(ctx, tx, req.ID)
		if err != nil {
			return Result{}, err
		}
		payload["current"] = string(current.Decision)
		return Result{Outcome: OutcomeAlreadyDecided, Request: current}, record(audit.ApprovalAlreadyDecided, in.ActorID)
	}
	req.Decision = in.Decision
	req.DecidedBy = in.ActorID
	req.DecisionAt = at
	req.AllowDestructive = in.AllowDestructive && in.Decision == domain.DecisionApproved
	payload["allow_destructive"] = req.AllowDestructive
	return Result{Outcome: OutcomeOK, Request: req}, record(audit.ApprovalDecided, in.ActorID)
}

// ExpireTx marks a pending request expired. It reports false when the request
// was already decided, so concurrent expiry happens at most once.
func (g *Gateway) ExpireTx(ctx context.Context, tx *sql.Tx, req domain.ApprovalRequest) (bool, error) {
	ok, err := g.Repo.DecideApprovalTx(ctx, tx, req.ID, domain.DecisionExpired, "", domain.Timestamp(g.now()), false)
	if err != nil || !ok {
		return false, err
	}
	_, err = g.Audit.Append(ctx, tx, audit.Entry{
		TransactionID: req.TransactionID, Type: audit.ApprovalExpired,
		Payload: audit.Payload{"request_id": req.ID, "plan_id": req.PlanID, "expires_at": req.ExpiresAt},
	})
	return err == nil, err
}

// Decide runs DecideTx in its own transaction.
func (g *Gateway) Decide(ctx context.Context, in Input) (Result, error) {
	var res Result
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = g.DecideTx(ctx, tx, in)
		return err
	})
	return res, err
}

// Request runs RequestTx in its own transaction.
func (g *Gateway) Request(ctx context.Context, transactionID, planID string) (domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, _, err = g.RequestTx(ctx, tx, transactionID, planID, "")
		return err
	})
	return req, err
}

func (g *Gateway) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if g.DB == nil {
		return fmt.Errorf("approval gateway has no database")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
