package server

import (
	"encoding/json"

	"fixline/internal/audit"
	"fixline/internal/domain"
	"fixline/internal/schema"
	"fixline/internal/tools"
)

// Request payloads

type TransitionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecisionRequest struct {
	Decision         string `json:"decision" enum:"approved,rejected"`
	AllowDestructive bool   `json:"allow_destructive,omitempty"`
}

// Response payloads

type TransactionPage struct {
	Items      []domain.Transaction `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type TransactionDetail struct {
	domain.Transaction
	Alerts   []domain.Alert          `json:"alerts"`
	Approval *domain.ApprovalRequest `json:"approval,omitempty"`
}

type AuditRecordResponse struct {
	ID               int64          `json:"id"`
	TransactionID    string         `json:"transaction_id,omitempty"`
	Seq              int64          `json:"seq"`
	TS               string         `json:"ts" format:"date-time"`
	Type             string         `json:"type"`
	ActorID          string         `json:"actor_id"`
	AllowlistVersion string         `json:"allowlist_version,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	PrevHash         string         `json:"prev_hash"`
	Hash             string         `json:"hash"`
}

type AuditResponse struct {
	TransactionID string                `json:"transaction_id"`
	Items         []AuditRecordResponse `json:"items"`
}

type VerifyResponse struct {
	TransactionID string `json:"transaction_id"`
	audit.VerifyResult
}

type ExecutionResponse struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Step           int            `json:"step"`
	Tool           string         `json:"tool"`
	Status         string         `json:"status"`
	Params         map[string]any `json:"params,omitempty"`
	Effect         map[string]any `json:"effect,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
	StartedAt      string         `json:"started_at"`
	FinishedAt     string         `json:"finished_at,omitempty"`
}

type ToolResponse struct {
	schema.Definition
	Reentrant bool `json:"reentrant"`
	Previews  bool `json:"previews"`
}

type ToolsResponse struct {
	AllowlistVersion string         `json:"allowlist_version"`
	Tools            []ToolResponse `json:"tools"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	AllowlistVersion string `json:"allowlist_version,omitempty"`
}

func auditResponse(rec domain.AuditRecord) AuditRecordResponse {
	return AuditRecordResponse{
		ID:               rec.ID,
		TransactionID:    rec.TransactionID,
		Seq:              rec.Seq,
		TS:               rec.TS,
		Type:             rec.Type,
		ActorID:          rec.ActorID,
		AllowlistVersion: rec.AllowlistVersion,
		Payload:          decodeJSONMap(rec.Payload),
		PrevHash:         rec.PrevHash,
		Hash:             rec.Hash,
	}
}

func toolResponses(reg *tools.Registry, schemas *schema.Registry) []ToolResponse {
	out := []ToolResponse{}
	for _, def := range schemas.Definitions() {
		res := ToolResponse{Definition: def}
		if a, ok := reg.Get(def.Name); ok {
			res.Reentrant = tools.IsReentrant(a)
			_, res.Previews = a.(tools.Previewer)
		}
		out = append(out, res)
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
