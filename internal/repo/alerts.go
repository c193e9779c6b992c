package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"fixline/internal/domain"
)

// InsertAlertTx records an alert and the transaction it was routed to.
// A duplicate alert_id yields ErrConflict.
func (r Repo) InsertAlertTx(ctx context.Context, tx *sql.Tx, a domain.Alert, transactionID string, merged bool, receivedAt string) error {
	labels, err := json.Marshal(a.Labels)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO alerts(alert_id,transaction_id,resource_id,severity,message,fired_at,labels_json,merged,received_at)
VALUES (?,?,?,?,?,?,?,?,?)`, a.AlertID, transactionID, a.Resource(), a.Severity, a.Message, a.FiredAt, string(labels), boolInt(merged), receivedAt)
	if isUniqueViolation(err, "alerts.alert_id") {
		return ErrConflict
	}
	return err
}

// AlertTransactionID returns the transaction an alert was routed to.
func (r Repo) AlertTransactionID(ctx context.Context, alertID string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT transaction_id FROM alerts WHERE alert_id=?`, alertID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func (r Repo) ListAlerts(ctx context.Context, transactionID string) ([]domain.Alert, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT alert_id,resource_id,severity,message,fired_at,labels_json FROM alerts WHERE transaction_id=? ORDER BY received_at ASC, alert_id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var labels sql.NullString
		if err := rows.Scan(&a.AlertID, &a.ResourceID, &a.Severity, &a.Message, &a.FiredAt, &labels); err != nil {
			return nil, err
		}
		if labels.Valid && labels.String != "" && labels.String != "null" {
			_ = json.Unmarshal([]byte(labels.String), &a.Labels)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
