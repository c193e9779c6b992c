package approval

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/audit"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/migrate"
	"fixline/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newGateway(t *testing.T) (*Gateway, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return &Gateway{
		DB: conn, Repo: repo.Repo{DB: conn}, Audit: audit.Writer{Now: c.Now},
		Approvers: NewStaticApprovers("alice", "bob"), TTL: 10 * time.Minute, Now: c.Now,
	}, c
}

func auditTypes(t *testing.T, g *Gateway, txID string) []string {
	t.Helper()
	recs, err := g.Repo.ListAudit(context.Background(), txID)
	require.NoError(t, err)
	var out []string
	for _, r := range recs {
		out = append(out, r.Type)
	}
	return out
}

func TestRequestIsIdempotent(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	first, err := g.Request(ctx, "tx-1", "plan-a")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:10:00Z", first.ExpiresAt)
	second, err := g.Request(ctx, "tx-1", "plan-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{audit.ApprovalRequested}, auditTypes(t, g, "tx-1"))
}

func TestDecideOnce(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	req, err := g.Request(ctx, "tx-1", "plan-a")
	require.NoError(t, err)

	res, err := g.Decide(ctx, Input{TransactionID: "tx-1", ActorID: "alice", Decision: domain.DecisionApproved, AllowDestructive: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.True(t, res.Request.AllowDestructive)
	assert.NoError(t, res.Err())

	res, err = g.Decide(ctx, Input{RequestID: req.ID, ActorID: "bob", Decision: domain.DecisionRejected})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDecided, res.Outcome)
	assert.Equal(t, domain.DecisionApproved, res.Request.Decision)
	assert.ErrorIs(t, res.Err(), domain.ErrAlreadyDecided)

	stored, err := g.Repo.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.DecidedBy)
	assert.Equal(t, []string{audit.ApprovalRequested, audit.ApprovalDecided, audit.ApprovalAlreadyDecided}, auditTypes(t, g, "tx-1"))
}

func TestDecideUnauthorizedLeavesRequestPending(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	req, err := g.Request(ctx, "tx-1", "plan-a")
	require.NoError(t, err)
	res, err := g.Decide(ctx, Input{TransactionID: "tx-1", ActorID: "mallory", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, res.Outcome)
	assert.ErrorIs(t, res.Err(), domain.ErrUnauthorized)

	stored, err := g.Repo.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionPending, stored.Decision)
	recs, err := g.Repo.ListAudit(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, audit.ApprovalUnauthorized, recs[1].Type)
	assert.Equal(t, "system", recs[1].ActorID)
	assert.Contains(t, recs[1].Payload, "mallory")
}

func TestDecideAfterDeadlineExpires(t *testing.T) {
	g, c := newGateway(t)
	ctx := context.Background()
	_, err := g.Request(ctx, "tx-1", "plan-a")
	require.NoError(t, err)
	c.Advance(11 * time.Minute)
	res, err := g.Decide(ctx, Input{TransactionID: "tx-1", ActorID: "alice", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, res.Outcome)
	assert.ErrorIs(t, res.Err(), domain.ErrApprovalExpired)

	res, err = g.Decide(ctx, Input{TransactionID: "tx-1", ActorID: "alice", Decision: domain.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDecided, res.Outcome)
}

func TestConcurrentExpiryHappensOnce(t *testing.T) {
	g, c := newGateway(t)
	ctx := context.Background()
	req, err := g.Request(ctx, "tx-1", "plan-a")
	require.NoError(t, err)
	c.Advance(time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	expired := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.withTx(ctx, func(tx *sql.Tx) error {
				ok, err := g.ExpireTx(ctx, tx, req)
				if ok {
					mu.Lock()
					expired++
					mu.Unlock()
				}
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{audit.ApprovalRequested, audit.ApprovalExpired}, auditTypes(t, g, "tx-1"))
}

func TestDecideRejectsInvalidInput(t *testing.T) {
	g, _ := newGateway(t)
	_, err := g.Decide(context.Background(), Input{TransactionID: "tx-1", ActorID: "alice", Decision: domain.DecisionExpired})
	assert.Error(t, err)
	_, err = g.Decide(context.Background(), Input{TransactionID: "tx-none", ActorID: "alice", Decision: domain.DecisionApproved})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCallbackSignature(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v := Verifier{Secret: secret, MaxSkew: time.Minute, Now: func() time.Time { return now }}
	body := []byte(`{"transaction_id":"tx-1","actor_id":"alice","decision":"approved"}`)

	ts, sig, err := Sign(secret, now, body)
	require.NoError(t, err)
	cb, err := v.Verify(ts, sig, body)
	require.NoError(t, err)
	assert.Equal(t, Input{TransactionID: "tx-1", ActorID: "alice", Decision: domain.DecisionApproved}, cb.Input())

	_, err = v.Verify(ts, sig, []byte(`{"transaction_id":"tx-1","actor_id":"mallory","decision":"approved"}`))
	assert.Equal(t, ReasonSignature, Reason(err))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = v.Verify("", "", body)
	assert.Equal(t, ReasonMissing, Reason(err))

	oldTS, oldSig, err := Sign(secret, now.Add(-2*time.Minute), body)
	require.NoError(t, err)
	_, err = v.Verify(oldTS, oldSig, body)
	assert.Equal(t, ReasonStale, Reason(err))

	_, forged, err := Sign([]byte("other"), now, body)
	require.NoError(t, err)
	_, err = v.Verify(ts, forged, body)
	assert.Equal(t, ReasonSignature, Reason(err))

	bad := []byte(`{"decision":"approved"}`)
	ts, sig, err = Sign(secret, now, bad)
	require.NoError(t, err)
	_, err = v.Verify(ts, sig, bad)
	assert.Equal(t, ReasonMalformed, Reason(err))
}
