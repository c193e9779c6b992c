package repo

import (
	"context"
	"database/sql"

	"fixline/internal/domain"
)

const approvalColumns = `id,transaction_id,plan_id,issued_at,expires_at,decision,decided_by,decision_at,allow_destructive`

func scanApproval(s rowScanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var decision string
	var decidedBy, decisionAt sql.NullString
	var allow int
	err := s.Scan(&a.ID, &a.TransactionID, &a.PlanID, &a.IssuedAt, &a.ExpiresAt, &decision, &decidedBy, &decisionAt, &allow)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Decision = domain.Decision(decision)
	a.DecidedBy = fromNull(decidedBy)
	a.DecisionAt = fromNull(decisionAt)
	a.AllowDestructive = allow == 1
	return a, nil
}

// InsertApprovalTx stores a pending request. A second pending request for the
// same transaction yields ErrConflict.
func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TransactionID, a.PlanID, a.IssuedAt, a.ExpiresAt, string(a.Decision), nullable(a.DecidedBy), nullable(a.DecisionAt), boolInt(a.AllowDestructive))
	if isUniqueViolation(err, "approvals.transaction_id") {
		return ErrConflict
	}
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

func (r Repo) PendingApprovalTx(ctx context.Context, tx *sql.Tx, transactionID string) (domain.ApprovalRequest, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE transaction_id=? AND decision='pending'`, transactionID))
}

// LatestApprovalTx returns the most recently issued request for a transaction.
func (r Repo) LatestApprovalTx(ctx context.Context, tx *sql.Tx, transactionID string) (domain.ApprovalRequest, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE transaction_id=? ORDER BY issued_at DESC, rowid DESC LIMIT 1`, transactionID))
}

func (r Repo) LatestApproval(ctx context.Context, transactionID string) (domain.ApprovalRequest, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE transaction_id=? ORDER BY issued_at DESC, rowid DESC LIMIT 1`, transactionID))
}

// DecideApprovalTx records a decision only while the request is pending.
// It reports whether this call was the one that decided it.
func (r Repo) DecideApprovalTx(ctx context.Context, tx *sql.Tx, id string, decision domain.Decision, actor, at string, allowDestructive bool) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET decision=?, decided_by=?, decision_at=?, allow_destructive=? WHERE id=? AND decision='pending'`,
		string(decision), nullable(actor), at, boolInt(allowDestructive && decision == domain.DecisionApproved), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListOverdueApprovals returns pending requests whose deadline is before now.
func (r Repo) ListOverdueApprovals(ctx context.Context, now string, limit int) ([]domain.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE decision='pending' AND expires_at < ? ORDER BY expires_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
