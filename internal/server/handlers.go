package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"fixline/internal/approval"
	"fixline/internal/audit"
	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/repo"
)

type transactionPath struct {
	ID string `path:"id"`
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		res := HealthResponse{Status: "ok"}
		if cfg.Schemas != nil {
			res.AllowlistVersion = cfg.Schemas.Current().Version()
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAlerts(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "submit-alert",
		Method:        http.MethodPost,
		Path:          "/alerts",
		Summary:       "Submit an alert",
		Description:   "Starts a remediation transaction, or merges the alert into the active transaction for its resource.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body domain.Alert `json:"body"`
	}) (*struct {
		Body engine.IntakeResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.Intake(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IntakeResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerTransactions(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List transactions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State      string `query:"state"`
		ResourceID string `query:"resource_id"`
		AlertID    string `query:"alert_id"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body TransactionPage `json:"body"`
	}, error) {
		if input.State != "" && !domain.State(input.State).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown state "+input.State, nil)
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListTransactions(ctx, repo.TransactionFilters{
			State:           input.State,
			ResourceID:      input.ResourceID,
			AlertID:         input.AlertID,
			Limit:           limit + 1,
			CursorStartedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := TransactionPage{Items: items}
		if len(items) > limit {
			page.Items = items[:limit]
			last := page.Items[limit-1]
			page.NextCursor = composeCursor(last.StartedAt, last.ID)
		}
		page.Items = nonNilSlice(page.Items)
		return &struct {
			Body TransactionPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}",
		Summary:     "Get a transaction with its alerts and latest approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *transactionPath) (*struct {
		Body TransactionDetail `json:"body"`
	}, error) {
		t, err := e.Repo.GetTransaction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		alerts, err := e.Repo.ListAlerts(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := TransactionDetail{Transaction: t, Alerts: nonNilSlice(alerts)}
		ap, err := e.Repo.LatestApproval(ctx, t.ID)
		switch {
		case err == nil:
			detail.Approval = &ap
		case !errors.Is(err, repo.ErrNotFound):
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction-audit",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}/audit",
		Summary:     "Audit trail of a transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *transactionPath) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTransaction(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		records, err := e.Repo.ListAudit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]AuditRecordResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, auditResponse(rec))
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: AuditResponse{TransactionID: input.ID, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-transaction-audit",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}/audit/verify",
		Summary:     "Verify the audit hash chain of a transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *transactionPath) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		records, err := e.Repo.ListAudit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: VerifyResponse{TransactionID: input.ID, VerifyResult: audit.Verify(records)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}/executions",
		Summary:     "Tool executions of a transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *transactionPath) (*struct {
		Body []ExecutionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTransaction(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		execs, err := e.Repo.ListExecutions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ExecutionResponse, 0, len(execs))
		for _, x := range execs {
			out = append(out, ExecutionResponse{
				IdempotencyKey: x.Key,
				Step:           x.Step,
				Tool:           x.Tool,
				Status:         x.Status,
				Params:         decodeJSONMap(x.ParamsJSON),
				Effect:         decodeJSONMap(x.EffectJSON),
				Result:         decodeJSONMap(x.ResultJSON),
				Error:          decodeJSONMap(x.ErrorJSON),
				StartedAt:      x.StartedAt,
				FinishedAt:     x.FinishedAt,
			})
		}
		return &struct {
			Body []ExecutionResponse `json:"body"`
		}{Body: out}, nil
	})

	type transitionInput struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "cancel-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{id}/cancel",
		Summary:     "Cancel a transaction",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *transitionInput) (*struct {
		Body domain.Transaction `json:"body"`
	}, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		t, err := e.Cancel(ctx, input.ID, actor, strings.TrimSpace(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transaction `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redrive-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{id}/redrive",
		Summary:     "Re-drive a terminal transaction from Received",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *transitionInput) (*struct {
		Body domain.Transaction `json:"body"`
	}, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		t, err := e.Redrive(ctx, input.ID, actor, strings.TrimSpace(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transaction `json:"body"`
		}{Body: t}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get an approval request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *transactionPath) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		ap, err := e.Repo.GetApproval(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: ap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/decision",
		Summary:     "Approve or reject a plan",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body engine.DecisionResult `json:"body"`
	}, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		decision := domain.Decision(input.Body.Decision)
		if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision must be approved or rejected", nil)
		}
		res, err := e.Decide(ctx, approval.Input{
			RequestID:        input.ID,
			ActorID:          actor,
			Decision:         decision,
			AllowDestructive: input.Body.AllowDestructive,
		})
		// a repeated decision is answered with the standing outcome
		if err != nil && !errors.Is(err, domain.ErrAlreadyDecided) {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCallbacks(api huma.API, cfg Config) {
	if cfg.Callbacks == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "approval-callback",
		Method:      http.MethodPost,
		Path:        "/callbacks/approval",
		Summary:     "Signed approval decision from a chat or paging channel",
		Description: "The body is authenticated with an HMAC-SHA256 over \"<timestamp>.<body>\". Replays of a decided request are answered with an informational reply.",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		Timestamp string `header:"X-Fixline-Timestamp"`
		Signature string `header:"X-Fixline-Signature"`
	}) (*struct {
		Body engine.CallbackReply `json:"body"`
	}, error) {
		reply, err := cfg.Callbacks.Handle(ctx, input.Timestamp, input.Signature, bodyBytes(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CallbackReply `json:"body"`
		}{Body: reply}, nil
	})
}

func registerTools(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "Allowlisted tools and their parameter schemas",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ToolsResponse `json:"body"`
	}, error) {
		res := ToolsResponse{Tools: []ToolResponse{}}
		if cfg.Schemas != nil && cfg.Tools != nil {
			current := cfg.Schemas.Current()
			res.AllowlistVersion = current.Version()
			res.Tools = toolResponses(cfg.Tools, current)
		}
		return &struct {
			Body ToolsResponse `json:"body"`
		}{Body: res}, nil
	})
	if cfg.ReloadTools == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "reload-tools",
		Method:      http.MethodPost,
		Path:        "/tools/reload",
		Summary:     "Rebuild the tool allowlist and swap it in",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.AllowlistSwap `json:"body"`
	}, error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		swap, err := cfg.ReloadTools(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AllowlistSwap `json:"body"`
		}{Body: swap}, nil
	})
}
