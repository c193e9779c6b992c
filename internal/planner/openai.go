package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"fixline/internal/domain"
)

const systemPrompt = `You are a remediation planner for validator infrastructure.
Reply with a single JSON object and nothing else:
{"summary": string, "risk_level": "low"|"medium"|"high"|"critical",
 "tool_calls": [{"name": string, "reason": string, "params": object, "rollback": string, "verification": string}]}
Use only the tools listed by the user, with params that satisfy each tool's JSON schema.
Every tool call needs a human-readable reason plus rollback and verification notes.`

// ChatClient is the subset of the OpenAI client the generator uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI proposes plans through an OpenAI-compatible chat completion API.
type OpenAI struct {
	Client  ChatClient
	Model   string
	Limiter *rate.Limiter
}

// NewOpenAI builds a generator. baseURL may point at any compatible endpoint.
func NewOpenAI(apiKey, baseURL, model string, perSecond float64) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	var limiter *rate.Limiter
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &OpenAI{Client: openai.NewClientWithConfig(cfg), Model: model, Limiter: limiter}
}

type promptInput struct {
	Context any    `json:"context"`
	Tools   any    `json:"tools"`
	Nudge   string `json:"correction,omitempty"`
}

func (o *OpenAI) Propose(ctx context.Context, req Request) (domain.Plan, error) {
	if o.Limiter != nil {
		if err := o.Limiter.Wait(ctx); err != nil {
			return domain.Plan{}, domain.ModelError(false, "rate limit wait: %v", err)
		}
	}
	user, err := json.Marshal(promptInput{Context: req.Context, Tools: req.Tools, Nudge: req.Nudge})
	if err != nil {
		return domain.Plan{}, domain.ModelError(false, "encode prompt: %v", err)
	}
	resp, err := o.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(user)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return domain.Plan{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return domain.Plan{}, domain.ModelError(true, "model returned no choices")
	}
	plan, err := DecodePlan(resp.Choices[0].Message.Content)
	if err != nil {
		return domain.Plan{}, err
	}
	plan.ModelVersion = resp.Model
	return plan, nil
}

// DecodePlan parses model output into a Plan. Code fences around the JSON are tolerated.
func DecodePlan(content string) (domain.Plan, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()
	var plan domain.Plan
	if err := dec.Decode(&plan); err != nil {
		return domain.Plan{}, domain.ModelError(true, "malformed plan: %v", err)
	}
	return plan, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return domain.ModelError(false, "%v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ModelError(true, "model call timed out: %v", err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return domain.ModelError(retryableStatus(apiErr.HTTPStatusCode), "model api: %s", apiErr.Message).
			With("status", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return domain.ModelError(retryableStatus(reqErr.HTTPStatusCode), "model request: %v", reqErr.Err).
			With("status", reqErr.HTTPStatusCode)
	}
	return domain.ModelError(true, "%v", err)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500 || code == 0
}

// Nudge renders the corrective note sent after a plan fails validation.
func Nudge(err error) string {
	e := domain.AsError(err)
	msg := fmt.Sprintf("The previous plan was rejected (%s): %s.", e.Code, e.Message)
	if e.Code == domain.CodeUnknownTool {
		msg += " Use only the listed tools."
	} else {
		msg += " Fix the params so they satisfy the tool schema exactly; do not add undeclared fields."
	}
	return msg
}
