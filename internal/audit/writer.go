package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"fixline/internal/domain"
)

const (
	AlertReceived          = "alert.received"
	AlertCoalesced         = "alert.coalesced"
	TransactionTransition  = "transaction.transitioned"
	TransactionCanceled    = "transaction.canceled"
	TransactionRedriven    = "transaction.redriven"
	TransactionEscalated   = "transaction.escalated"
	ContextEnriched        = "context.enriched"
	PlanProposed           = "plan.proposed"
	PlanInvalid            = "plan.invalid"
	PlanValidated          = "plan.validated"
	ModelFailed            = "model.error"
	ApprovalRequested      = "approval.requested"
	ApprovalDecided        = "approval.decided"
	ApprovalAlreadyDecided = "approval.already_decided"
	ApprovalUnauthorized   = "approval.unauthorized"
	ApprovalExpired        = "approval.expired"
	CallbackRejected       = "approval.callback_rejected"
	ExecutionPlanned       = "execution.planned"
	ExecutionBlocked       = "execution.blocked"
	ExecutionApplied       = "execution.applied"
	ExecutionFailed        = "execution.failed"
	ExecutionReplayed      = "execution.replayed"
	AllowlistSwapped       = "allowlist.swapped"
)

type Payload map[string]any

type Entry struct {
	TransactionID    string
	Type             string
	ActorID          string
	AllowlistVersion string
	Payload          Payload
}

// Writer appends hash-chained records. Each transaction has its own chain;
// records without a transaction share the empty-id chain.
type Writer struct {
	Now func() time.Time
}

// Append writes e inside tx, chaining it to the transaction's previous record.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.AuditRecord, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	var lastSeq int64
	var lastHash string
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_records WHERE transaction_id=? ORDER BY seq DESC LIMIT 1`, e.TransactionID).
		Scan(&lastSeq, &lastHash)
	if err != nil && err != sql.ErrNoRows {
		return domain.AuditRecord{}, err
	}
	rec := domain.AuditRecord{
		TransactionID:    e.TransactionID,
		Seq:              lastSeq + 1,
		TS:               domain.Timestamp(now()),
		Type:             e.Type,
		ActorID:          e.ActorID,
		AllowlistVersion: e.AllowlistVersion,
		Payload:          string(data),
		PrevHash:         lastHash,
	}
	rec.Hash = Hash(rec)
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_records(transaction_id,seq,ts,type,actor_id,allowlist_version,payload_json,prev_hash,hash)
VALUES (?,?,?,?,?,?,?,?,?)`, rec.TransactionID, rec.Seq, rec.TS, rec.Type, rec.ActorID, nullable(rec.AllowlistVersion), rec.Payload, rec.PrevHash, rec.Hash)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

// AppendDB appends e in its own transaction.
func (w Writer) AppendDB(ctx context.Context, db *sql.DB, e Entry) (domain.AuditRecord, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	defer tx.Rollback()
	rec, err := w.Append(ctx, tx, e)
	if err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

// Hash covers every field except ID and Hash itself.
func Hash(rec domain.AuditRecord) string {
	h := sha256.New()
	for _, part := range []string{
		rec.PrevHash, rec.TransactionID, strconv.FormatInt(rec.Seq, 10), rec.TS,
		rec.Type, rec.ActorID, rec.AllowlistVersion, rec.Payload,
	} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ErrorPayload renders a structured error for an audit record.
func ErrorPayload(err error) Payload {
	e := domain.AsError(err)
	if e == nil {
		return nil
	}
	p := Payload{"code": string(e.Code), "message": e.Message, "retryable": e.Retryable}
	if len(e.Details) > 0 {
		p["details"] = e.Details
	}
	return p
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
