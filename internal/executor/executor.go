package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fixline/internal/audit"
	"fixline/internal/domain"
	"fixline/internal/logging"
	"fixline/internal/metrics"
	"fixline/internal/repo"
	"fixline/internal/schema"
	"fixline/internal/secrets"
	"fixline/internal/tools"
)

// Authorization is the approval linked to the plan being executed.
type Authorization struct {
	ApprovedBy       string
	PlanID           string
	AllowDestructive bool
}

// Step identifies one tool call of one plan version.
type Step struct {
	TransactionID string
	PlanID        string
	PlanVersion   int
	Index         int
	Auth          *Authorization
}

// IdempotencyKey derives the execution key for a step.
func IdempotencyKey(transactionID, tool string, planVersion, index int) string {
	return fmt.Sprintf("%s:%s:%d.%d", transactionID, tool, planVersion, index)
}

type Executor struct {
	DB          *sql.DB
	Repo        repo.Repo
	Schemas     *schema.Store
	Tools       *tools.Registry
	Audit       audit.Writer
	Masker      secrets.Masker
	BlastRadius int
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) logger() *logging.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Nop()
}

// Execute runs one validated call exactly once per idempotency key. A repeated
// call with the same key returns the recorded outcome without touching the tool.
func (e *Executor) Execute(ctx context.Context, step Step, call domain.ToolCall) (domain.ExecutionResult, error) {
	reg := e.Schemas.Current()
	key := IdempotencyKey(step.TransactionID, call.Name, step.PlanVersion, step.Index)
	res := domain.ExecutionResult{Tool: call.Name, IdempotencyKey: key}
	masked := e.Masker.MaskParams(call.Params)

	if err := schema.Validate(call, reg); err != nil {
		e.audit(ctx, step, audit.ExecutionBlocked, reg.Version(), audit.Payload{"tool": call.Name, "key": key, "params": masked, "error": audit.ErrorPayload(err)})
		return res, err
	}
	adapter, ok := e.Tools.Get(call.Name)
	if !ok {
		err := domain.UnknownTool(call.Name)
		e.audit(ctx, step, audit.ExecutionBlocked, reg.Version(), audit.Payload{"tool": call.Name, "key": key, "error": audit.ErrorPayload(err)})
		return res, err
	}

	prior, err := e.Repo.GetExecution(ctx, key)
	switch {
	case err == nil:
		if out, done, err := e.replay(ctx, step, reg.Version(), adapter, prior, res); done {
			return out, err
		}
	case err != repo.ErrNotFound:
		return res, err
	}

	var effect *domain.Effect
	if pv, ok := adapter.(tools.Previewer); ok {
		eff, err := pv.Plan(ctx, call.Params)
		if err != nil {
			xerr := domain.ExecutionError(call.Name, err)
			e.audit(ctx, step, audit.ExecutionFailed, reg.Version(), audit.Payload{"tool": call.Name, "key": key, "phase": "plan", "error": audit.ErrorPayload(xerr)})
			return res, xerr
		}
		effect = &eff
		res.Effect = effect
		e.audit(ctx, step, audit.ExecutionPlanned, reg.Version(), audit.Payload{"tool": call.Name, "key": key, "params": masked, "effect": eff})
		if err := e.guard(call.Name, eff, step.Auth); err != nil {
			e.audit(ctx, step, audit.ExecutionBlocked, reg.Version(), audit.Payload{"tool": call.Name, "key": key, "effect": eff, "error": audit.ErrorPayload(err)})
			e.logger().Warn(ctx, "execution blocked", zap.String("tool", call.Name), zap.Int("affected", eff.AffectedCount), zap.Bool("destructive", eff.Destructive))
			return res, err
		}
	}

	if prior.Key == "" {
		claim := repo.Execution{
			Key: key, TransactionID: step.TransactionID, Step: step.Index, Tool: call.Name,
			ParamsJSON: mustJSON(masked), EffectJSON: mustJSON(effect), StartedAt: domain.Timestamp(e.now()),
		}
		stored, claimed, err := e.Repo.ClaimExecution(ctx, claim)
		if err != nil {
			return res, err
		}
		if !claimed {
			if out, done, err := e.replay(ctx, step, reg.Version(), adapter, stored, res); done {
				return out, err
			}
		}
	}

	started := e.now()
	applied, err := adapter.Apply(ctx, call.Params)
	took := e.now().Sub(started)
	finished := domain.Timestamp(e.now())
	if err != nil {
		xerr := domain.ExecutionError(call.Name, errors.New(e.Masker.Scrub(err.Error())))
		errJSON := mustJSON(audit.ErrorPayload(xerr))
		if ferr := e.Repo.FinishExecution(ctx, key, repo.ExecFailed, "", errJSON, finished); ferr != nil {
			e.logger().Error(ctx, "record execution failure", zap.String("key", key), zap.Error(ferr))
		}
		e.audit(ctx, step, audit.ExecutionFailed, reg.Version(), audit.Payload{"tool": call.Name, "key": key, "params": masked, "error": audit.ErrorPayload(xerr)})
		e.Metrics.Execution(call.Name, repo.ExecFailed, took)
		res.Status = repo.ExecFailed
		return res, xerr
	}
	applied.Logs = e.scrubLogs(applied.Logs)
	res.Status = applied.Status
	res.Logs = applied.Logs
	if err := e.Repo.FinishExecution(ctx, key, repo.ExecSucceeded, mustJSON(res), "", finished); err != nil {
		return res, fmt.Errorf("record execution result: %w", err)
	}
	e.audit(ctx, step, audit.ExecutionApplied, reg.Version(), audit.Payload{"tool": call.Name, "key": key, "params": masked, "effect": effect, "status": res.Status, "logs": res.Logs})
	e.Metrics.Execution(call.Name, repo.ExecSucceeded, took)
	e.logger().Info(ctx, "execution applied", zap.String("tool", call.Name), zap.String("key", key), zap.Duration("took", took))
	return res, nil
}

// replay resolves an existing execution record. done=false means the caller
// should apply again, which only happens for reentrant adapters left in-doubt.
func (e *Executor) replay(ctx context.Context, step Step, version string, adapter tools.Adapter, prior repo.Execution, res domain.ExecutionResult) (domain.ExecutionResult, bool, error) {
	switch prior.Status {
	case repo.ExecSucceeded:
		var stored domain.ExecutionResult
		if err := json.Unmarshal([]byte(prior.ResultJSON), &stored); err != nil {
			return res, true, fmt.Errorf("decode stored result: %w", err)
		}
		stored.Replayed = true
		e.audit(ctx, step, audit.ExecutionReplayed, version, audit.Payload{"tool": prior.Tool, "key": prior.Key, "status": stored.Status})
		return stored, true, nil
	case repo.ExecFailed:
		var p audit.Payload
		_ = json.Unmarshal([]byte(prior.ErrorJSON), &p)
		msg, _ := p["message"].(string)
		res.Status = repo.ExecFailed
		return res, true, domain.NewError(domain.CodeExecutionError, false, "%s", msg).With("tool", prior.Tool).With("replayed", true)
	default:
		if tools.IsReentrant(adapter) {
			return res, false, nil
		}
		res.Status = repo.ExecStarted
		return res, true, domain.NewError(domain.CodeExecutionError, false, "%s: outcome of a previous attempt is unknown", prior.Tool).
			With("tool", prior.Tool).With("in_doubt", true)
	}
}

// guard blocks destructive effects without a linked authorization, and any
// effect over the blast-radius ceiling unless it was authorized and non-destructive.
func (e *Executor) guard(tool string, eff domain.Effect, auth *Authorization) error {
	authorized := auth != nil && auth.AllowDestructive
	over := e.BlastRadius > 0 && eff.AffectedCount > e.BlastRadius
	blocked := func(reason string) error {
		return domain.NewError(domain.CodeDestructiveChangeBlocked, false, "%s: %s", tool, reason).
			With("tool", tool).With("affected_count", eff.AffectedCount).With("ceiling", e.BlastRadius)
	}
	switch {
	case eff.Destructive && !authorized:
		return blocked("destructive change requires explicit authorization")
	case eff.Destructive && over:
		return blocked("destructive change exceeds blast-radius ceiling")
	case over && !authorized:
		return blocked("change exceeds blast-radius ceiling")
	}
	return nil
}

func (e *Executor) scrubLogs(logs []string) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = e.Masker.Scrub(l)
	}
	return out
}

func (e *Executor) audit(ctx context.Context, step Step, typ, version string, p audit.Payload) {
	if step.PlanID != "" {
		p["plan_id"] = step.PlanID
	}
	p["step"] = step.Index
	actor := ""
	if step.Auth != nil {
		actor = step.Auth.ApprovedBy
	}
	if _, err := e.Audit.AppendDB(ctx, e.DB, audit.Entry{
		TransactionID: step.TransactionID, Type: typ, ActorID: actor, AllowlistVersion: version, Payload: p,
	}); err != nil {
		e.logger().Error(ctx, "append audit record", zap.String("type", typ), zap.Error(err))
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return ""
	}
	return string(data)
}
