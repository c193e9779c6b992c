package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/approval"
	"fixline/internal/audit"
	"fixline/internal/correlation"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/enrich"
	"fixline/internal/executor"
	"fixline/internal/metrics"
	"fixline/internal/migrate"
	"fixline/internal/planner"
	"fixline/internal/repo"
	"fixline/internal/schema"
	"fixline/internal/secrets"
	"fixline/internal/tools"
)

type metricSource struct {
	mu      sync.Mutex
	queries []string
	windows []time.Duration
}

func (m *metricSource) QueryRange(_ context.Context, query string, start, end time.Time, _ time.Duration) (string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	m.windows = append(m.windows, end.Sub(start))
	return `[{"metric":{"__name__":"uptime"},"values":[[1709294400,"1"]]}]`, nil, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type restartTool struct {
	mu      sync.Mutex
	effect  domain.Effect
	applies int
	failOn  string
}

func (r *restartTool) Definition() schema.Definition {
	return schema.Definition{Name: "restart_service", Schema: json.RawMessage(`{
	  "type": "object",
	  "properties": {"service": {"type": "string", "minLength": 1}},
	  "required": ["service"],
	  "additionalProperties": false
	}`)}
}

func (r *restartTool) Plan(context.Context, map[string]any) (domain.Effect, error) {
	return r.effect, nil
}

func (r *restartTool) Apply(_ context.Context, params map[string]any) (domain.ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies++
	if params["service"] == r.failOn {
		return domain.ApplyResult{}, errors.New("service did not come back")
	}
	return domain.ApplyResult{Status: "success", Logs: []string{"restarted " + fmt.Sprint(params["service"])}}, nil
}

func (r *restartTool) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applies
}

// script replays canned planner answers in order, repeating the last plan.
type script struct {
	mu    sync.Mutex
	plans []domain.Plan
	errs  []error
	reqs  []planner.Request
}

func (s *script) Propose(_ context.Context, req planner.Request) (domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return domain.Plan{}, s.errs[i]
	}
	if i < len(s.plans) {
		return s.plans[i], nil
	}
	return s.plans[len(s.plans)-1], nil
}

type testEnv struct {
	eng   *engine.Engine
	clock *clock
	tool  *restartTool
	gen   *script
}

func newTestEnv(t *testing.T, gen *script, extra ...tools.Adapter) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := repo.Repo{DB: conn}
	aw := audit.Writer{Now: clk.Now}
	m := metrics.New()
	tool := &restartTool{effect: domain.Effect{ProposedEffect: "restart", AffectedCount: 1}}
	reg := tools.NewRegistry(append([]tools.Adapter{tool}, extra...)...)
	defs, err := tools.Schemas(reg, "")
	require.NoError(t, err)
	store := schema.NewStore(defs)
	co, err := correlation.NewCoalescer(r, 10*time.Minute, 64)
	require.NoError(t, err)
	co.Now = clk.Now

	eng := &engine.Engine{
		DB:        conn,
		Repo:      r,
		Audit:     aw,
		Masker:    secrets.NewMasker(),
		Coalescer: co,
		Schemas:   store,
		Enricher:  enrich.Sources{Now: clk.Now},
		Planner:   gen,
		Approvals: &approval.Gateway{
			DB: conn, Repo: r, Audit: aw, Approvers: approval.NewStaticApprovers("alice"),
			TTL: 15 * time.Minute, Now: clk.Now,
		},
		Executor: &executor.Executor{
			DB: conn, Repo: r, Schemas: store, Tools: reg, Audit: aw, Masker: secrets.NewMasker(),
			BlastRadius: 5, Metrics: m, Now: clk.Now,
		},
		Metrics:      m,
		NudgeCeiling: 1,
		Now:          clk.Now,
	}
	return testEnv{eng: eng, clock: clk, tool: tool, gen: gen}
}

func alert(id, resource string) domain.Alert {
	return domain.Alert{AlertID: id, ResourceID: resource, Severity: "critical", Message: "validator missed 5 slots", FiredAt: "2024-03-01T11:59:00Z"}
}

func restartPlan(services ...string) domain.Plan {
	if len(services) == 0 {
		services = []string{"api"}
	}
	p := domain.Plan{Summary: "restart the stuck service", RiskLevel: domain.RiskLow, ModelVersion: "test-model"}
	for _, s := range services {
		p.ToolCalls = append(p.ToolCalls, domain.ToolCall{Name: "restart_service", Reason: "process is wedged", Params: map[string]any{"service": s}})
	}
	return p
}

func (env testEnv) get(t *testing.T, id string) domain.Transaction {
	t.Helper()
	txn, err := env.eng.Repo.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (env testEnv) auditTypes(t *testing.T, id string) []string {
	t.Helper()
	recs, err := env.eng.Repo.ListAudit(context.Background(), id)
	require.NoError(t, err)
	require.True(t, audit.Verify(recs).OK)
	types := make([]string, 0, len(recs))
	for _, r := range recs {
		types = append(types, r.Type)
	}
	return types
}

func countOf(items []string, want string) int {
	n := 0
	for _, it := range items {
		if it == want {
			n++
		}
	}
	return n
}

// toApproval ingests an alert and drives it to AwaitingApproval.
func (env testEnv) toApproval(t *testing.T, alertID, resource string) domain.Transaction {
	t.Helper()
	ctx := context.Background()
	res, err := env.eng.Intake(ctx, alert(alertID, resource))
	require.NoError(t, err)
	require.NoError(t, env.eng.Advance(ctx, res.Transaction.ID))
	txn := env.get(t, res.Transaction.ID)
	require.Equal(t, domain.StateAwaitingApproval, txn.State)
	return txn
}

func TestAlertIsRemediatedAfterApproval(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	ctx := context.Background()

	txn := env.toApproval(t, "al-1", "validator-7")
	assert.Equal(t, 1, txn.PlanVersion)
	assert.Equal(t, correlation.PlanID(restartPlan().ToolCalls), txn.PlanID)
	assert.Equal(t, env.eng.Schemas.Current().Version(), txn.AllowlistVersion)
	require.NotNil(t, txn.Context)
	assert.Equal(t, domain.ContextDegraded, txn.Context.Quality)
	assert.Equal(t, 0, env.tool.count())

	out, err := env.eng.Decide(ctx, approval.Input{TransactionID: txn.ID, ActorID: "alice", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, approval.OutcomeOK, out.Outcome)
	assert.Equal(t, domain.StateApproved, out.Transaction.State)

	require.NoError(t, env.eng.Advance(ctx, txn.ID))
	txn = env.get(t, txn.ID)
	assert.Equal(t, domain.StateCompleted, txn.State)
	assert.Equal(t, "alice", txn.ApprovedBy)
	assert.Equal(t, 1, txn.StepsDone)
	assert.Equal(t, "completed 1 step(s)", txn.StatusDetail)
	assert.NotEmpty(t, txn.CompletedAt)
	assert.Equal(t, 1, env.tool.count())

	types := env.auditTypes(t, txn.ID)
	for _, want := range []string{audit.AlertReceived, audit.ContextEnriched, audit.PlanProposed, audit.PlanValidated,
		audit.ApprovalRequested, audit.ApprovalDecided, audit.ExecutionPlanned, audit.ExecutionApplied} {
		assert.Contains(t, types, want)
	}
	assert.Equal(t, 6, countOf(types, audit.TransactionTransition))

	// a second decision on the same request is refused
	_, err = env.eng.Decide(ctx, approval.Input{TransactionID: txn.ID, ActorID: "alice", Decision: domain.DecisionRejected})
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
	assert.Equal(t, domain.StateCompleted, env.get(t, txn.ID).State)
}

func TestRejectionEndsTransaction(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	txn := env.toApproval(t, "al-1", "validator-7")

	out, err := env.eng.Decide(context.Background(), approval.Input{TransactionID: txn.ID, ActorID: "alice", Decision: domain.DecisionRejected})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, out.Transaction.State)
	assert.Equal(t, "rejected by alice", out.Transaction.StatusDetail)
	assert.Equal(t, 0, env.tool.count())
}

func TestUnauthorizedDecisionLeavesTransactionPending(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	txn := env.toApproval(t, "al-1", "validator-7")

	out, err := env.eng.Decide(context.Background(), approval.Input{TransactionID: txn.ID, ActorID: "mallory", Decision: domain.DecisionApproved})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, approval.OutcomeUnauthorized, out.Outcome)
	assert.Equal(t, domain.StateAwaitingApproval, env.get(t, txn.ID).State)
	assert.Contains(t, env.auditTypes(t, txn.ID), audit.ApprovalUnauthorized)
}

func TestInvalidPlanIsNudgedThenFails(t *testing.T) {
	bad := domain.Plan{Summary: "wipe it", RiskLevel: domain.RiskHigh, ToolCalls: []domain.ToolCall{{Name: "drop_database", Reason: "start over"}}}
	gen := &script{plans: []domain.Plan{bad}}
	env := newTestEnv(t, gen)
	ctx := context.Background()

	res, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	require.NoError(t, env.eng.Advance(ctx, res.Transaction.ID))

	txn := env.get(t, res.Transaction.ID)
	assert.Equal(t, domain.StateFailed, txn.State)
	assert.Equal(t, "unresolvable plan", txn.StatusDetail)
	require.Len(t, gen.reqs, 2)
	assert.Empty(t, gen.reqs[0].Nudge)
	assert.NotEmpty(t, gen.reqs[1].Nudge)

	types := env.auditTypes(t, txn.ID)
	assert.Equal(t, 2, countOf(types, audit.PlanInvalid))
	assert.Equal(t, 1, countOf(types, audit.TransactionEscalated))
	assert.NotContains(t, types, audit.ApprovalRequested)
	_, err = env.eng.Repo.LatestApproval(ctx, txn.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestNudgedPlanIsAccepted(t *testing.T) {
	bad := restartPlan()
	bad.ToolCalls[0].Params = map[string]any{"service": "api", "shell": "rm -rf /"}
	gen := &script{plans: []domain.Plan{bad, restartPlan()}}
	env := newTestEnv(t, gen)

	txn := env.toApproval(t, "al-1", "validator-7")
	assert.Len(t, gen.reqs, 2)
	assert.Equal(t, 1, txn.PlanVersion)
	assert.Equal(t, 1, countOf(env.auditTypes(t, txn.ID), audit.PlanInvalid))
}

func TestModelErrorFailsAndEscalates(t *testing.T) {
	gen := &script{errs: []error{domain.ModelError(false, "upstream timeout")}, plans: []domain.Plan{restartPlan()}}
	env := newTestEnv(t, gen)
	ctx := context.Background()

	res, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	require.NoError(t, env.eng.Advance(ctx, res.Transaction.ID))
	txn := env.get(t, res.Transaction.ID)
	assert.Equal(t, domain.StateFailed, txn.State)
	assert.Equal(t, "model error: upstream timeout", txn.StatusDetail)
	assert.Contains(t, env.auditTypes(t, txn.ID), audit.ModelFailed)
}

func TestWatchdogTimesOutExactlyOnce(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	txn := env.toApproval(t, "al-1", "validator-7")
	env.clock.Add(16 * time.Minute)

	var wg sync.WaitGroup
	counts := make([]int, 8)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := env.eng.Sweep(context.Background())
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 1, total)
	got := env.get(t, txn.ID)
	assert.Equal(t, domain.StateTimedOut, got.State)
	assert.Equal(t, "approval expired", got.StatusDetail)

	types := env.auditTypes(t, txn.ID)
	assert.Equal(t, 1, countOf(types, audit.ApprovalExpired))

	revs, err := env.eng.Repo.ListRevisions(context.Background(), txn.ID)
	require.NoError(t, err)
	timedOut := 0
	for _, r := range revs {
		if r.State == domain.StateTimedOut {
			timedOut++
		}
	}
	assert.Equal(t, 1, timedOut)
}

func TestLateDecisionExpiresLazily(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	txn := env.toApproval(t, "al-1", "validator-7")
	env.clock.Add(15 * time.Minute)

	out, err := env.eng.Decide(context.Background(), approval.Input{TransactionID: txn.ID, ActorID: "alice", Decision: domain.DecisionApproved})
	assert.ErrorIs(t, err, domain.ErrApprovalExpired)
	assert.Equal(t, approval.OutcomeExpired, out.Outcome)
	assert.Equal(t, domain.StateTimedOut, env.get(t, txn.ID).State)
	assert.Equal(t, 0, env.tool.count())
}

func TestAlertsForOneResourceCoalesce(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	ctx := context.Background()

	first, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	second, err := env.eng.Intake(ctx, alert("al-2", "validator-7"))
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	again, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)

	other, err := env.eng.Intake(ctx, alert("al-3", "validator-8"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Transaction.ID, other.Transaction.ID)

	alerts, err := env.eng.Repo.ListAlerts(ctx, first.Transaction.ID)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
	assert.Contains(t, env.auditTypes(t, first.Transaction.ID), audit.AlertCoalesced)
}

func TestConcurrentIntakeYieldsOneActiveTransaction(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.eng.Intake(context.Background(), alert(fmt.Sprintf("al-%d", i), "validator-7"))
			if assert.NoError(t, err) {
				ids[i] = res.Transaction.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	alerts, err := env.eng.Repo.ListAlerts(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Len(t, alerts, len(ids))
}

func TestIntakeRejectsIncompleteAlerts(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	a := alert("al-1", "validator-7")
	a.FiredAt = "yesterday"
	_, err := env.eng.Intake(context.Background(), a)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.CodeBadRequest, derr.Code)
	assert.Equal(t, "fired_at", derr.Details["field"])

	_, err = env.eng.Intake(context.Background(), domain.Alert{AlertID: "x"})
	assert.Error(t, err)
}

func TestMissingResourceDegradesContext(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	txn := env.toApproval(t, "al-1", "")
	require.NotNil(t, txn.Context)
	assert.Equal(t, domain.ContextDegraded, txn.Context.Quality)
	assert.NotEmpty(t, txn.Context.Notes)
}

func TestCancelAndRedrive(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	ctx := context.Background()
	txn := env.toApproval(t, "al-1", "validator-7")

	canceled, err := env.eng.Cancel(ctx, txn.ID, "bob", "false alarm")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, canceled.State)
	assert.Equal(t, "false alarm", canceled.StatusDetail)
	ap, err := env.eng.Repo.LatestApproval(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionExpired, ap.Decision)

	_, err = env.eng.Cancel(ctx, txn.ID, "bob", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	redriven, err := env.eng.Redrive(ctx, txn.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReceived, redriven.State)
	assert.Equal(t, 1, redriven.RedriveCount)
	assert.Empty(t, redriven.PlanID)
	assert.Empty(t, redriven.CompletedAt)

	require.NoError(t, env.eng.Advance(ctx, txn.ID))
	again := env.get(t, txn.ID)
	assert.Equal(t, domain.StateAwaitingApproval, again.State)
	assert.Equal(t, 2, again.PlanVersion)

	types := env.auditTypes(t, txn.ID)
	assert.Equal(t, 1, countOf(types, audit.TransactionCanceled))
	assert.Equal(t, 1, countOf(types, audit.TransactionRedriven))
	assert.Equal(t, 0, countOf(types, audit.TransactionEscalated))

	_, err = env.eng.Redrive(ctx, txn.ID, "bob", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDestructiveStepNeedsExplicitAuthorization(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	env.tool.effect = domain.Effect{ProposedEffect: "recreate node", Destructive: true, AffectedCount: 1}
	ctx := context.Background()

	blocked := env.toApproval(t, "al-1", "validator-7")
	_, err := env.eng.Decide(ctx, approval.Input{TransactionID: blocked.ID, ActorID: "alice", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	require.NoError(t, env.eng.Advance(ctx, blocked.ID))
	got := env.get(t, blocked.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Contains(t, got.StatusDetail, "step 1 of 1 (restart_service) failed after 0 completed")
	assert.Contains(t, env.auditTypes(t, blocked.ID), audit.ExecutionBlocked)
	assert.Equal(t, 0, env.tool.count())

	allowed := env.toApproval(t, "al-2", "validator-8")
	_, err = env.eng.Decide(ctx, approval.Input{TransactionID: allowed.ID, ActorID: "alice", Decision: domain.DecisionApproved, AllowDestructive: true})
	require.NoError(t, err)
	require.NoError(t, env.eng.Advance(ctx, allowed.ID))
	assert.Equal(t, domain.StateCompleted, env.get(t, allowed.ID).State)
	assert.Equal(t, 1, env.tool.count())
}

func TestPartialExecutionRecordsProgress(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan("api", "worker")}})
	env.tool.failOn = "worker"
	ctx := context.Background()

	txn := env.toApproval(t, "al-1", "validator-7")
	_, err := env.eng.Decide(ctx, approval.Input{TransactionID: txn.ID, ActorID: "alice", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	require.NoError(t, env.eng.Advance(ctx, txn.ID))

	got := env.get(t, txn.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, 1, got.StepsDone)
	assert.Contains(t, got.StatusDetail, "step 2 of 2 (restart_service) failed after 1 completed")
	assert.Equal(t, 2, env.tool.count())

	execs, err := env.eng.Repo.ListExecutions(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, repo.ExecSucceeded, execs[0].Status)
	assert.Equal(t, repo.ExecFailed, execs[1].Status)
}

func TestResumeRehydratesInFlightTransactions(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	ctx := context.Background()

	// intake without a started runner leaves the transaction in Received, as after a crash
	res, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateReceived, env.get(t, res.Transaction.ID).State)

	n, err := env.eng.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StateAwaitingApproval, env.get(t, res.Transaction.ID).State)

	// parked transactions are not resumed
	n, err = env.eng.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStartedRunnerAdvancesInBackground(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.eng.Start(ctx)

	res, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	env.eng.Wait()
	assert.Equal(t, domain.StateAwaitingApproval, env.get(t, res.Transaction.ID).State)

	_, err = env.eng.Decide(ctx, approval.Input{TransactionID: res.Transaction.ID, ActorID: "alice", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	env.eng.Wait()
	assert.Equal(t, domain.StateCompleted, env.get(t, res.Transaction.ID).State)
}

func TestMetricsQueryIsRemediatedEndToEnd(t *testing.T) {
	src := &metricSource{}
	plan := domain.Plan{Summary: "check uptime before acting", RiskLevel: domain.RiskLow, ToolCalls: []domain.ToolCall{
		{Name: tools.QueryMetricsName, Reason: "confirm the validator is down", Params: map[string]any{"query": "uptime", "timeRangeMinutes": 60}},
	}}
	env := newTestEnv(t, &script{plans: []domain.Plan{plan}}, tools.QueryMetrics{Source: src})
	ctx := context.Background()

	txn := env.toApproval(t, "al-1", "validator-7")
	_, err := env.eng.Decide(ctx, approval.Input{TransactionID: txn.ID, ActorID: "alice", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	require.NoError(t, env.eng.Advance(ctx, txn.ID))

	txn = env.get(t, txn.ID)
	assert.Equal(t, domain.StateCompleted, txn.State)
	assert.Equal(t, []string{"uptime"}, src.queries)
	assert.Equal(t, []time.Duration{time.Hour}, src.windows)

	execs, err := env.eng.Repo.ListExecutions(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, repo.ExecSucceeded, execs[0].Status)
	var result domain.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(execs[0].ResultJSON), &result))
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, executor.IdempotencyKey(txn.ID, tools.QueryMetricsName, 1, 0), result.IdempotencyKey)
	assert.Equal(t, 0, env.tool.count())
}

func TestAllowlistSwapRefusesApprovedPlan(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	ctx := context.Background()
	txn := env.toApproval(t, "al-1", "validator-7")
	oldVersion := env.eng.Schemas.Current().Version()

	next, err := schema.NewRegistry(nil)
	require.NoError(t, err)
	swap, err := env.eng.SwapAllowlist(ctx, next, "ops")
	require.NoError(t, err)
	assert.True(t, swap.Changed)
	assert.Equal(t, oldVersion, swap.OldVersion)
	assert.Equal(t, next.Version(), swap.NewVersion)
	assert.Same(t, next, env.eng.Schemas.Current())

	_, err = env.eng.Decide(ctx, approval.Input{TransactionID: txn.ID, ActorID: "alice", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	require.NoError(t, env.eng.Advance(ctx, txn.ID))

	txn = env.get(t, txn.ID)
	assert.Equal(t, domain.StateFailed, txn.State)
	assert.Contains(t, txn.StatusDetail, "not in the allowlist")
	assert.Equal(t, 0, env.tool.count())
	assert.Contains(t, env.auditTypes(t, txn.ID), audit.ExecutionBlocked)

	shared, err := env.eng.Repo.ListAudit(ctx, "")
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, audit.AllowlistSwapped, shared[0].Type)
	assert.Equal(t, "ops", shared[0].ActorID)
	assert.Contains(t, shared[0].Payload, oldVersion)

	// the same registry again changes nothing and records nothing
	again, err := env.eng.SwapAllowlist(ctx, next, "ops")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	shared, err = env.eng.Repo.ListAudit(ctx, "")
	require.NoError(t, err)
	assert.Len(t, shared, 1)
}

func TestAlertIdIsReusableAfterPruning(t *testing.T) {
	env := newTestEnv(t, &script{plans: []domain.Plan{restartPlan()}})
	ctx := context.Background()

	first, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	_, err = env.eng.Cancel(ctx, first.Transaction.ID, "bob", "")
	require.NoError(t, err)

	env.clock.Add(48 * time.Hour)
	stats, err := env.eng.Repo.PruneTerminal(ctx, domain.Timestamp(env.clock.Now().Add(-24*time.Hour)))
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Transactions)

	again, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.False(t, again.Merged)
	assert.NotEqual(t, first.Transaction.ID, again.Transaction.ID)
	assert.Equal(t, domain.StateReceived, env.get(t, again.Transaction.ID).State)

	// the new route is cached again
	dup, err := env.eng.Intake(ctx, alert("al-1", "validator-7"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, again.Transaction.ID, dup.Transaction.ID)
}
