package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/migrate"
	"fixline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func upsert(t *testing.T, r repo.Repo, txn domain.Transaction) (bool, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	applied, err := r.UpsertTransactionTx(ctx, tx, txn)
	if err != nil {
		return false, err
	}
	require.NoError(t, tx.Commit())
	return applied, nil
}

func baseTransaction(id, resource string) domain.Transaction {
	return domain.Transaction{
		ID:         id,
		AlertID:    "a-" + id,
		ResourceID: resource,
		State:      domain.StateReceived,
		Revision:   1,
		StartedAt:  "2024-01-01T00:00:00Z",
		UpdatedAt:  "2024-01-01T00:00:00Z",
	}
}

func TestUpsertTransactionIsIdempotentPerRevision(t *testing.T) {
	r := newRepo(t)
	txn := baseTransaction("tx-1", "v-1")
	applied, err := upsert(t, r, txn)
	require.NoError(t, err)
	assert.True(t, applied)

	// replay after a crash
	applied, err = upsert(t, r, txn)
	require.NoError(t, err)
	assert.False(t, applied)

	txn.State = domain.StateEnriching
	txn.Revision = 2
	applied, err = upsert(t, r, txn)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := r.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnriching, got.State)
	assert.Equal(t, 2, got.Revision)

	revs, err := r.ListRevisions(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, domain.StateReceived, revs[0].State)
}

func TestUpsertTransactionRejectsStaleRevision(t *testing.T) {
	r := newRepo(t)
	txn := baseTransaction("tx-1", "v-1")
	_, err := upsert(t, r, txn)
	require.NoError(t, err)

	skip := txn
	skip.State = domain.StateReasoning
	skip.Revision = 3
	_, err = upsert(t, r, skip)
	assert.ErrorIs(t, err, repo.ErrConflict)

	a := txn
	a.State, a.Revision = domain.StateEnriching, 2
	_, err = upsert(t, r, a)
	require.NoError(t, err)
	b := txn
	b.State, b.Revision = domain.StateFailed, 2
	_, err = upsert(t, r, b)
	assert.ErrorIs(t, err, repo.ErrConflict)
}

func TestOneActiveTransactionPerResource(t *testing.T) {
	r := newRepo(t)
	_, err := upsert(t, r, baseTransaction("tx-1", "v-1"))
	require.NoError(t, err)
	_, err = upsert(t, r, baseTransaction("tx-2", "v-1"))
	assert.True(t, errors.Is(err, repo.ErrActiveResource))

	// unrelated resources and resource-less transactions are unconstrained
	_, err = upsert(t, r, baseTransaction("tx-3", "v-2"))
	require.NoError(t, err)
	_, err = upsert(t, r, baseTransaction("tx-4", ""))
	require.NoError(t, err)
	_, err = upsert(t, r, baseTransaction("tx-5", ""))
	require.NoError(t, err)

	done := baseTransaction("tx-1", "v-1")
	done.State, done.Revision, done.CompletedAt = domain.StateFailed, 2, "2024-01-01T00:01:00Z"
	_, err = upsert(t, r, done)
	require.NoError(t, err)
	_, err = upsert(t, r, baseTransaction("tx-2", "v-1"))
	require.NoError(t, err)

	got, ok, err := r.FindActiveByResource(context.Background(), "v-1", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tx-2", got.ID)
	_, ok, err = r.FindActiveByResource(context.Background(), "v-1", "2025-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecideApprovalOnlyOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	req := domain.ApprovalRequest{ID: "ap-1", TransactionID: "tx-1", PlanID: "p", IssuedAt: "2024-01-01T00:00:00Z", ExpiresAt: "2024-01-01T01:00:00Z", Decision: domain.DecisionPending}
	require.NoError(t, r.InsertApprovalTx(ctx, tx, req))
	dup := req
	dup.ID = "ap-2"
	assert.ErrorIs(t, r.InsertApprovalTx(ctx, tx, dup), repo.ErrConflict)

	ok, err := r.DecideApprovalTx(ctx, tx, "ap-1", domain.DecisionApproved, "alice", "2024-01-01T00:10:00Z", true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.DecideApprovalTx(ctx, tx, "ap-1", domain.DecisionRejected, "bob", "2024-01-01T00:11:00Z", false)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tx.Commit())

	got, err := r.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApproved, got.Decision)
	assert.Equal(t, "alice", got.DecidedBy)
	assert.Equal(t, "2024-01-01T00:10:00Z", got.DecisionAt)
	assert.True(t, got.AllowDestructive)
}

func TestClaimExecution(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	e := repo.Execution{Key: "k", TransactionID: "tx-1", Step: 0, Tool: "query_metrics", StartedAt: "2024-01-01T00:00:00Z"}
	got, claimed, err := r.ClaimExecution(ctx, e)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, repo.ExecStarted, got.Status)

	require.NoError(t, r.FinishExecution(ctx, "k", repo.ExecSucceeded, `{"status":"success"}`, "", "2024-01-01T00:00:01Z"))
	assert.ErrorIs(t, r.FinishExecution(ctx, "k", repo.ExecFailed, "", "{}", "2024-01-01T00:00:02Z"), repo.ErrConflict)

	got, claimed, err = r.ClaimExecution(ctx, e)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, repo.ExecSucceeded, got.Status)
	assert.JSONEq(t, `{"status":"success"}`, got.ResultJSON)
}

func TestPruneTerminalKeepsLiveTransactions(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	old := baseTransaction("tx-old", "v-1")
	_, err := upsert(t, r, old)
	require.NoError(t, err)
	old.State, old.Revision, old.CompletedAt = domain.StateCompleted, 2, "2024-01-01T00:05:00Z"
	_, err = upsert(t, r, old)
	require.NoError(t, err)
	_, err = upsert(t, r, baseTransaction("tx-live", "v-2"))
	require.NoError(t, err)

	stats, err := r.PruneTerminal(ctx, "2024-02-01T00:00:00Z")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Transactions)
	_, err = r.GetTransaction(ctx, "tx-old")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.GetTransaction(ctx, "tx-live")
	assert.NoError(t, err)
}
