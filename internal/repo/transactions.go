package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fixline/internal/domain"
)

const transactionColumns = `id,alert_id,resource_id,state,revision,plan_json,plan_id,plan_version,allowlist_version,context_json,approved_by,status_detail,steps_done,redrive_count,logs_uri,started_at,updated_at,completed_at`

func scanTransaction(s rowScanner) (domain.Transaction, error) {
	var t domain.Transaction
	var state string
	var planJSON, planID, allowlist, contextJSON, approvedBy, detail, logsURI, completedAt sql.NullString
	err := s.Scan(&t.ID, &t.AlertID, &t.ResourceID, &state, &t.Revision, &planJSON, &planID, &t.PlanVersion,
		&allowlist, &contextJSON, &approvedBy, &detail, &t.StepsDone, &t.RedriveCount, &logsURI,
		&t.StartedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.State = domain.State(state)
	t.PlanID = fromNull(planID)
	t.AllowlistVersion = fromNull(allowlist)
	t.ApprovedBy = fromNull(approvedBy)
	t.StatusDetail = fromNull(detail)
	t.LogsURI = fromNull(logsURI)
	t.CompletedAt = fromNull(completedAt)
	if planJSON.Valid && planJSON.String != "" {
		var p domain.Plan
		if err := json.Unmarshal([]byte(planJSON.String), &p); err != nil {
			return t, fmt.Errorf("decode plan for %s: %w", t.ID, err)
		}
		t.Plan = &p
	}
	if contextJSON.Valid && contextJSON.String != "" {
		var c domain.EnrichedContext
		if err := json.Unmarshal([]byte(contextJSON.String), &c); err != nil {
			return t, fmt.Errorf("decode context for %s: %w", t.ID, err)
		}
		t.Context = &c
	}
	return t, nil
}

// UpsertTransactionTx persists t at t.Revision. It is idempotent on
// (transaction_id, state, revision): replaying an already stored revision is a
// no-op and reports applied=false. Writing revision N requires the stored row to
// be at N-1, otherwise ErrConflict.
func (r Repo) UpsertTransactionTx(ctx context.Context, tx *sql.Tx, t domain.Transaction) (bool, error) {
	if t.ID == "" || t.Revision < 1 {
		return false, fmt.Errorf("invalid transaction %q revision %d", t.ID, t.Revision)
	}
	snapshot, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO transaction_revisions(transaction_id,state,revision,snapshot_json,ts) VALUES (?,?,?,?,?)
ON CONFLICT(transaction_id,state,revision) DO NOTHING`, t.ID, string(t.State), t.Revision, string(snapshot), t.UpdatedAt)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	var planJSON, contextJSON string
	if t.Plan != nil {
		b, err := json.Marshal(t.Plan)
		if err != nil {
			return false, err
		}
		planJSON = string(b)
	}
	if t.Context != nil {
		b, err := json.Marshal(t.Context)
		if err != nil {
			return false, err
		}
		contextJSON = string(b)
	}
	res, err = tx.ExecContext(ctx, `INSERT INTO transactions(`+transactionColumns+`,terminal)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  state=excluded.state, revision=excluded.revision, plan_json=excluded.plan_json, plan_id=excluded.plan_id,
  plan_version=excluded.plan_version, allowlist_version=excluded.allowlist_version, context_json=excluded.context_json,
  approved_by=excluded.approved_by, status_detail=excluded.status_detail, steps_done=excluded.steps_done,
  redrive_count=excluded.redrive_count, updated_at=excluded.updated_at, completed_at=excluded.completed_at,
  terminal=excluded.terminal
WHERE transactions.revision = excluded.revision - 1`,
		t.ID, t.AlertID, t.ResourceID, string(t.State), t.Revision, nullable(planJSON), nullable(t.PlanID), t.PlanVersion,
		nullable(t.AllowlistVersion), nullable(contextJSON), nullable(t.ApprovedBy), nullable(t.StatusDetail),
		t.StepsDone, t.RedriveCount, nullable(t.LogsURI), t.StartedAt, t.UpdatedAt, nullable(t.CompletedAt),
		boolInt(t.State.Terminal()))
	if err != nil {
		if isUniqueViolation(err, "transactions.resource_id") {
			return false, ErrActiveResource
		}
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrConflict
	}
	return true, nil
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return scanTransaction(r.DB.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
}

func (r Repo) GetTransactionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Transaction, error) {
	return scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
}

// FindActiveByResource returns the non-terminal transaction for resourceID started at or after since.
func (r Repo) FindActiveByResource(ctx context.Context, resourceID, since string) (domain.Transaction, bool, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE resource_id=? AND terminal=0`
	args := []any{resourceID}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}
	t, err := scanTransaction(r.DB.QueryRowContext(ctx, query+` LIMIT 1`, args...))
	if err == ErrNotFound {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	return t, true, nil
}

type TransactionFilters struct {
	State           string
	ResourceID      string
	AlertID         string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) ListTransactions(ctx context.Context, f TransactionFilters) ([]domain.Transaction, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.AlertID != "" {
		clauses = append(clauses, "id IN (SELECT transaction_id FROM alerts WHERE alert_id=?)")
		args = append(args, f.AlertID)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListResumable returns ids of non-terminal transactions that are not parked on approval.
func (r Repo) ListResumable(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM transactions WHERE terminal=0 AND state<>? ORDER BY started_at ASC`,
		string(domain.StateAwaitingApproval))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type Revision struct {
	TransactionID string       `json:"transaction_id"`
	State         domain.State `json:"state"`
	Revision      int          `json:"revision"`
	TS            string       `json:"ts"`
}

func (r Repo) ListRevisions(ctx context.Context, transactionID string) ([]Revision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT transaction_id,state,revision,ts FROM transaction_revisions WHERE transaction_id=? ORDER BY revision ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Revision
	for rows.Next() {
		var rev Revision
		var state string
		if err := rows.Scan(&rev.TransactionID, &state, &rev.Revision, &rev.TS); err != nil {
			return nil, err
		}
		rev.State = domain.State(state)
		res = append(res, rev)
	}
	return res, rows.Err()
}

// CountByState returns transaction counts keyed by state.
func (r Repo) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM transactions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
