package repo

import (
	"context"
	"database/sql"
)

const (
	ExecStarted   = "started"
	ExecSucceeded = "succeeded"
	ExecFailed    = "failed"
)

// Execution is the idempotency record for one tool call of one plan version.
type Execution struct {
	Key           string `json:"idempotency_key"`
	TransactionID string `json:"transaction_id"`
	Step          int    `json:"step"`
	Tool          string `json:"tool"`
	Status        string `json:"status"`
	ParamsJSON    string `json:"params_json,omitempty"`
	EffectJSON    string `json:"effect_json,omitempty"`
	ResultJSON    string `json:"result_json,omitempty"`
	ErrorJSON     string `json:"error_json,omitempty"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at,omitempty"`
}

const executionColumns = `idempotency_key,transaction_id,step,tool,status,params_json,effect_json,result_json,error_json,started_at,finished_at`

func scanExecution(s rowScanner) (Execution, error) {
	var e Execution
	var params, effect, result, errJSON, finished sql.NullString
	err := s.Scan(&e.Key, &e.TransactionID, &e.Step, &e.Tool, &e.Status, &params, &effect, &result, &errJSON, &e.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ParamsJSON = fromNull(params)
	e.EffectJSON = fromNull(effect)
	e.ResultJSON = fromNull(result)
	e.ErrorJSON = fromNull(errJSON)
	e.FinishedAt = fromNull(finished)
	return e, nil
}

// ClaimExecution inserts a started record for e.Key. When the key already
// exists the stored record is returned with claimed=false.
func (r Repo) ClaimExecution(ctx context.Context, e Execution) (Execution, bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(idempotency_key) DO NOTHING`,
		e.Key, e.TransactionID, e.Step, e.Tool, ExecStarted, nullable(e.ParamsJSON), nullable(e.EffectJSON), nil, nil, e.StartedAt, nil)
	if err != nil {
		return Execution{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		e.Status = ExecStarted
		return e, true, nil
	}
	existing, err := r.GetExecution(ctx, e.Key)
	return existing, false, err
}

func (r Repo) FinishExecution(ctx context.Context, key, status, resultJSON, errorJSON, finishedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE executions SET status=?, result_json=?, error_json=?, finished_at=? WHERE idempotency_key=? AND status=?`,
		status, nullable(resultJSON), nullable(errorJSON), finishedAt, key, ExecStarted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, key string) (Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE idempotency_key=?`, key))
}

func (r Repo) ListExecutions(ctx context.Context, transactionID string) ([]Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE transaction_id=? ORDER BY started_at ASC, step ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
