package repo

import (
	"context"
	"database/sql"
	"strings"

	"fixline/internal/domain"
)

const auditColumns = `id,transaction_id,seq,ts,type,actor_id,allowlist_version,payload_json,prev_hash,hash`

func scanAudit(s rowScanner) (domain.AuditRecord, error) {
	var a domain.AuditRecord
	var allowlist sql.NullString
	if err := s.Scan(&a.ID, &a.TransactionID, &a.Seq, &a.TS, &a.Type, &a.ActorID, &allowlist, &a.Payload, &a.PrevHash, &a.Hash); err != nil {
		return a, err
	}
	a.AllowlistVersion = fromNull(allowlist)
	return a, nil
}

func collectAudit(rows *sql.Rows) ([]domain.AuditRecord, error) {
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListAudit returns a transaction's audit trail in chain order.
func (r Repo) ListAudit(ctx context.Context, transactionID string) ([]domain.AuditRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE transaction_id=? ORDER BY seq ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

// AuditAfter returns records with id greater than afterID, oldest first.
func (r Repo) AuditAfter(ctx context.Context, afterID int64, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_records`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// LatestAudit returns the newest n records, optionally filtered by type prefix.
func (r Repo) LatestAudit(ctx context.Context, n int, typePrefix string) ([]domain.AuditRecord, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT ` + auditColumns + ` FROM audit_records`
	var args []any
	if typePrefix = strings.TrimSpace(typePrefix); typePrefix != "" {
		query += ` WHERE type LIKE ?`
		args = append(args, typePrefix+"%")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

type PruneStats struct {
	Transactions int64 `json:"transactions"`
	AuditRecords int64 `json:"audit_records"`
}

// PruneTerminal deletes everything belonging to terminal transactions completed
// before cutoff. Chains of live transactions are never touched.
func (r Repo) PruneTerminal(ctx context.Context, cutoff string) (PruneStats, error) {
	var stats PruneStats
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()
	const victims = `SELECT id FROM transactions WHERE terminal=1 AND completed_at IS NOT NULL AND completed_at < ?`
	res, err := tx.ExecContext(ctx, `DELETE FROM audit_records WHERE transaction_id IN (`+victims+`)`, cutoff)
	if err != nil {
		return stats, err
	}
	stats.AuditRecords, _ = res.RowsAffected()
	for _, table := range []string{"transaction_revisions", "executions", "approvals", "alerts"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE transaction_id IN (`+victims+`)`, cutoff); err != nil {
			return stats, err
		}
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM transactions WHERE terminal=1 AND completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return stats, err
	}
	stats.Transactions, _ = res.RowsAffected()
	return stats, tx.Commit()
}
