package fixlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fixline/internal/approval"
	"fixline/internal/domain"
)

// Client is a minimal Fixline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Alert is the intake payload.
type Alert struct {
	AlertID    string            `json:"alert_id"`
	ResourceID string            `json:"resource_id,omitempty"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	FiredAt    string            `json:"fired_at"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Transaction represents the API transaction model (partial).
type Transaction struct {
	ID           string `json:"transaction_id"`
	AlertID      string `json:"alert_id"`
	ResourceID   string `json:"resource_id"`
	State        string `json:"state"`
	PlanID       string `json:"plan_id"`
	PlanVersion  int    `json:"plan_version"`
	StatusDetail string `json:"status_detail"`
	StepsDone    int    `json:"steps_done"`
	ApprovedBy   string `json:"approved_by"`
	StartedAt    string `json:"started_at"`
	UpdatedAt    string `json:"updated_at"`
	CompletedAt  string `json:"completed_at"`
}

type IntakeResult struct {
	Transaction Transaction `json:"transaction"`
	Merged      bool        `json:"merged"`
	Duplicate   bool        `json:"duplicate"`
}

type Approval struct {
	ID               string `json:"id"`
	TransactionID    string `json:"transaction_id"`
	PlanID           string `json:"plan_id"`
	ExpiresAt        string `json:"expires_at"`
	Decision         string `json:"decision"`
	DecidedBy        string `json:"decided_by"`
	AllowDestructive bool   `json:"allow_destructive"`
}

type DecisionResult struct {
	Outcome     string      `json:"outcome"`
	Approval    Approval    `json:"approval"`
	Transaction Transaction `json:"transaction"`
	Message     string      `json:"message"`
}

// CallbackReply is the answer to a signed approval callback.
type CallbackReply struct {
	Outcome       string `json:"outcome"`
	TransactionID string `json:"transaction_id"`
	State         string `json:"state"`
	Message       string `json:"message"`
	Replayed      bool   `json:"replayed"`
}

type AuditRecord struct {
	ID      int64          `json:"id"`
	Seq     int64          `json:"seq"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
	Hash    string         `json:"hash"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TransactionPage wraps list responses with cursors.
type TransactionPage struct {
	Items      []Transaction `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// SubmitAlert posts an alert; the result says whether it started, joined or repeated a transaction.
func (c *Client) SubmitAlert(ctx context.Context, a Alert) (IntakeResult, error) {
	var resp IntakeResult
	err := c.do(ctx, http.MethodPost, "alerts", a, nil, &resp)
	return resp, err
}

// Transaction fetches one transaction.
func (c *Client) Transaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, "transactions/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// Transactions returns a page of transactions, optionally filtered by state.
func (c *Client) Transactions(ctx context.Context, state string, limit int, cursor string) (TransactionPage, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "transactions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp TransactionPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// Audit returns the audit trail of a transaction.
func (c *Client) Audit(ctx context.Context, id string) ([]AuditRecord, error) {
	var resp struct {
		Items []AuditRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "transactions/"+url.PathEscape(id)+"/audit", nil, nil, &resp)
	return resp.Items, err
}

// Decide approves or rejects an approval request as the authenticated actor.
func (c *Client) Decide(ctx context.Context, requestID, decision string, allowDestructive bool) (DecisionResult, error) {
	body := map[string]any{"decision": decision, "allow_destructive": allowDestructive}
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(requestID)+"/decision", body, nil, &resp)
	return resp, err
}

// Cancel moves a transaction to failed.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "transactions/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason}, nil, &resp)
	return resp, err
}

// Redrive restarts a terminal transaction.
func (c *Client) Redrive(ctx context.Context, id, reason string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "transactions/"+url.PathEscape(id)+"/redrive", map[string]string{"reason": reason}, nil, &resp)
	return resp, err
}

// Callback posts a decision on behalf of an approval channel, signed with the
// shared callback secret. It needs no operator credentials.
func (c *Client) Callback(ctx context.Context, secret []byte, transactionID, actorID, decision string) (CallbackReply, error) {
	body, err := json.Marshal(approval.Callback{TransactionID: transactionID, ActorID: actorID, Decision: domain.Decision(decision)})
	if err != nil {
		return CallbackReply{}, err
	}
	ts, sig, err := approval.Sign(secret, time.Now(), body)
	if err != nil {
		return CallbackReply{}, err
	}
	var resp CallbackReply
	err = c.do(ctx, http.MethodPost, "callbacks/approval", json.RawMessage(body),
		map[string]string{approval.TimestampHeader: ts, approval.SignatureHeader: sig}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
