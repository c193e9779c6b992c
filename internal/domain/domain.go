package domain

import "strings"

type State string

const (
	StateReceived         State = "received"
	StateEnriching        State = "enriching"
	StateReasoning        State = "reasoning"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateRejected         State = "rejected"
	StateTimedOut         State = "timed_out"
	StateFailed           State = "failed"
)

// Terminal reports whether no further forward transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateTimedOut, StateFailed:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateReceived, StateEnriching, StateReasoning, StateAwaitingApproval, StateApproved,
		StateExecuting, StateCompleted, StateRejected, StateTimedOut, StateFailed:
		return true
	}
	return false
}

// Alert is immutable once received. ValidatorID is accepted as an alias of ResourceID.
type Alert struct {
	AlertID     string            `json:"alert_id"`
	ResourceID  string            `json:"resource_id,omitempty"`
	ValidatorID string            `json:"validator_id,omitempty"`
	Severity    string            `json:"severity"`
	Message     string            `json:"message"`
	FiredAt     string            `json:"fired_at" format:"date-time"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Resource returns the correlation key used for coalescing.
func (a Alert) Resource() string {
	if r := strings.TrimSpace(a.ResourceID); r != "" {
		return r
	}
	return strings.TrimSpace(a.ValidatorID)
}

type Transaction struct {
	ID               string           `json:"transaction_id"`
	AlertID          string           `json:"alert_id"`
	ResourceID       string           `json:"resource_id,omitempty"`
	State            State            `json:"state"`
	Revision         int              `json:"revision"`
	Plan             *Plan            `json:"plan,omitempty"`
	PlanID           string           `json:"plan_id,omitempty"`
	PlanVersion      int              `json:"plan_version"`
	AllowlistVersion string           `json:"allowlist_version,omitempty"`
	Context          *EnrichedContext `json:"context,omitempty"`
	ApprovedBy       string           `json:"approved_by,omitempty"`
	StatusDetail     string           `json:"status_detail,omitempty"`
	StepsDone        int              `json:"steps_done"`
	RedriveCount     int              `json:"redrive_count"`
	LogsURI          string           `json:"logs_uri,omitempty"`
	StartedAt        string           `json:"started_at" format:"date-time"`
	UpdatedAt        string           `json:"updated_at" format:"date-time"`
	CompletedAt      string           `json:"completed_at,omitempty" format:"date-time"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

type Plan struct {
	Summary      string     `json:"summary"`
	RiskLevel    RiskLevel  `json:"risk_level" enum:"low,medium,high,critical"`
	ToolCalls    []ToolCall `json:"tool_calls"`
	ModelVersion string     `json:"model_version,omitempty"`
}

type ToolCall struct {
	Name         string         `json:"name"`
	Reason       string         `json:"reason"`
	Params       map[string]any `json:"params"`
	Rollback     string         `json:"rollback,omitempty"`
	Verification string         `json:"verification,omitempty"`
}

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

type ApprovalRequest struct {
	ID            string   `json:"id"`
	TransactionID string   `json:"transaction_id"`
	PlanID        string   `json:"plan_id"`
	IssuedAt      string   `json:"issued_at" format:"date-time"`
	ExpiresAt     string   `json:"expires_at" format:"date-time"`
	Decision      Decision `json:"decision" enum:"pending,approved,rejected,expired"`
	DecidedBy     string   `json:"decided_by,omitempty"`
	DecisionAt    string   `json:"decision_at,omitempty" format:"date-time"`
	// AllowDestructive is set by an approver to authorize destructive effects of this plan.
	AllowDestructive bool `json:"allow_destructive,omitempty"`
}

func (a ApprovalRequest) Terminal() bool {
	return a.Decision != DecisionPending
}

// AuditRecord is never mutated after append. Hash chains each record to its predecessor
// within the same transaction.
type AuditRecord struct {
	ID               int64  `json:"id"`
	TransactionID    string `json:"transaction_id,omitempty"`
	Seq              int64  `json:"seq"`
	TS               string `json:"ts" format:"date-time"`
	Type             string `json:"type"`
	ActorID          string `json:"actor_id"`
	AllowlistVersion string `json:"allowlist_version,omitempty"`
	Payload          string `json:"payload_json"`
	PrevHash         string `json:"prev_hash"`
	Hash             string `json:"hash"`
}

type ContextQuality string

const (
	ContextFull     ContextQuality = "full"
	ContextDegraded ContextQuality = "degraded"
)

type EnrichedContext struct {
	Alert           Alert             `json:"alert"`
	RunbookSnippets []string          `json:"runbook_snippets,omitempty"`
	LiveMetrics     map[string]string `json:"live_metrics,omitempty"`
	Quality         ContextQuality    `json:"context_quality"`
	Notes           []string          `json:"notes,omitempty"`
}

// Effect is an adapter's preview of what apply would change.
type Effect struct {
	ProposedEffect string `json:"proposed_effect"`
	Destructive    bool   `json:"destructive"`
	AffectedCount  int    `json:"affected_count"`
}

type ApplyResult struct {
	Status string   `json:"status"`
	Logs   []string `json:"logs,omitempty"`
}

type ExecutionResult struct {
	Tool           string   `json:"tool"`
	IdempotencyKey string   `json:"idempotency_key"`
	Effect         *Effect  `json:"effect,omitempty"`
	Status         string   `json:"status"`
	Logs           []string `json:"logs,omitempty"`
	Replayed       bool     `json:"replayed,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
