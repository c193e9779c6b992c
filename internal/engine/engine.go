package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"fixline/internal/approval"
	"fixline/internal/audit"
	"fixline/internal/correlation"
	"fixline/internal/domain"
	"fixline/internal/enrich"
	"fixline/internal/executor"
	"fixline/internal/logging"
	"fixline/internal/metrics"
	"fixline/internal/planner"
	"fixline/internal/repo"
	"fixline/internal/schema"
	"fixline/internal/secrets"
)

// Events receives committed transitions and escalations.
type Events interface {
	Transitioned(ctx context.Context, t domain.Transaction, from domain.State)
	Escalated(ctx context.Context, t domain.Transaction, cause error)
}

// Engine is the orchestrator. Each transaction is driven by at most one control
// flow at a time; flows share nothing but the store.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Audit        audit.Writer
	Masker       secrets.Masker
	Coalescer    *correlation.Coalescer
	Schemas      *schema.Store
	Enricher     enrich.Enricher
	Planner      planner.Generator
	Approvals    *approval.Gateway
	Executor     *executor.Executor
	Events       Events
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
	NudgeCeiling int
	Workers      int
	Now          func() time.Time

	flights singleflight.Group
	swapMu  sync.Mutex
	mu      sync.Mutex
	base    context.Context
	sem     chan struct{}
	wg      sync.WaitGroup
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *logging.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Nop()
}

func withIDs(ctx context.Context, t domain.Transaction) context.Context {
	return correlation.WithIDs(ctx, correlation.IDs{AlertID: t.AlertID, TransactionID: t.ID, PlanID: t.PlanID})
}

// change describes one persisted step of a transaction. An empty to keeps the
// current state and only bumps the revision.
type change struct {
	to        domain.State
	redrive   bool
	actor     string
	detail    string
	cause     error
	escalate  bool
	auditType string
	mutate    func(*domain.Transaction)
	within    func(tx *sql.Tx, next domain.Transaction) error
	audits    []audit.Entry
}

// transitionTx writes the next revision of cur inside tx, together with its
// audit records. applied=false means the revision was already stored.
func (e *Engine) transitionTx(ctx context.Context, tx *sql.Tx, cur domain.Transaction, ch change) (domain.Transaction, bool, error) {
	to := ch.to
	if to == "" {
		to = cur.State
	}
	if to != cur.State || ch.redrive || cur.State.Terminal() {
		if err := domain.EnsureTransition(cur.State, to, ch.redrive); err != nil {
			return cur, false, err
		}
	}
	now := domain.Timestamp(e.now())
	next := cur
	next.State = to
	next.Revision = cur.Revision + 1
	next.UpdatedAt = now
	if ch.detail != "" {
		next.StatusDetail = ch.detail
	}
	if ch.mutate != nil {
		ch.mutate(&next)
	}
	if to.Terminal() && next.CompletedAt == "" {
		next.CompletedAt = now
	}
	applied, err := e.Repo.UpsertTransactionTx(ctx, tx, next)
	if err != nil {
		return cur, false, err
	}
	if !applied {
		stored, err := e.Repo.GetTransactionTx(ctx, tx, cur.ID)
		return stored, false, err
	}
	if ch.within != nil {
		if err := ch.within(tx, next); err != nil {
			return cur, false, err
		}
	}
	version := next.AllowlistVersion
	if e.Schemas != nil {
		version = e.Schemas.Current().Version()
	}
	if to != cur.State {
		typ := audit.TransactionTransition
		if ch.auditType != "" {
			typ = ch.auditType
		}
		payload := audit.Payload{"from": string(cur.State), "to": string(to), "revision": next.Revision}
		if next.StatusDetail != "" {
			payload["status_detail"] = next.StatusDetail
		}
		if ch.cause != nil {
			payload["error"] = audit.ErrorPayload(ch.cause)
		}
		if _, err := e.Audit.Append(ctx, tx, audit.Entry{
			TransactionID: next.ID, Type: typ, ActorID: ch.actor, AllowlistVersion: version, Payload: payload,
		}); err != nil {
			return cur, false, err
		}
	}
	for _, a := range ch.audits {
		a.TransactionID = next.ID
		if a.AllowlistVersion == "" {
			a.AllowlistVersion = version
		}
		if _, err := e.Audit.Append(ctx, tx, a); err != nil {
			return cur, false, err
		}
	}
	return next, true, nil
}

// transition runs transitionTx in its own database transaction and publishes
// the result once committed.
func (e *Engine) transition(ctx context.Context, cur domain.Transaction, ch change) (domain.Transaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cur, err
	}
	defer tx.Rollback()
	next, applied, err := e.transitionTx(ctx, tx, cur, ch)
	if err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	if applied {
		e.committed(ctx, cur, next, ch)
	}
	return next, nil
}

func (e *Engine) committed(ctx context.Context, cur, next domain.Transaction, ch change) {
	if cur.State == next.State {
		return
	}
	ctx = withIDs(ctx, next)
	e.Metrics.Transition(string(cur.State), string(next.State))
	if e.Events != nil {
		e.Events.Transitioned(ctx, next, cur.State)
	}
	e.logger().Info(ctx, "transaction transitioned",
		zap.String("from", string(cur.State)), zap.String("to", string(next.State)), zap.Int("revision", next.Revision))
	if ch.escalate {
		e.Metrics.Escalation()
		if e.Events != nil {
			e.Events.Escalated(ctx, next, ch.cause)
		}
		e.logger().Error(ctx, "transaction escalated to operator", zap.String("status_detail", next.StatusDetail), zap.Error(ch.cause))
	}
}

// fail moves t to Failed and pages an operator.
func (e *Engine) fail(ctx context.Context, t domain.Transaction, detail string, cause error) (domain.Transaction, error) {
	return e.transition(ctx, t, change{to: domain.StateFailed, detail: detail, cause: cause, escalate: true,
		audits: []audit.Entry{{Type: audit.TransactionEscalated, Payload: audit.Payload{"status_detail": detail}}}})
}

// record appends an audit record outside of any transition.
func (e *Engine) record(ctx context.Context, transactionID, typ, version string, p audit.Payload) {
	if _, err := e.Audit.AppendDB(ctx, e.DB, audit.Entry{TransactionID: transactionID, Type: typ, AllowlistVersion: version, Payload: p}); err != nil {
		e.logger().Error(ctx, "append audit record", zap.String("type", typ), zap.Error(err))
	}
}

func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NewError(domain.CodeNotFound, false, "%s %s not found", what, id)
	}
	return err
}
