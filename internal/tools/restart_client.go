package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"fixline/internal/domain"
	"fixline/internal/schema"
)

const RestartClientName = "restart_client"

const restartClientSchema = `{
  "type": "object",
  "properties": {
    "client": {"type": "string", "pattern": "^[A-Za-z0-9._-]{1,128}$"},
    "graceful": {"type": "boolean"}
  },
  "required": ["client"],
  "additionalProperties": false
}`

// Requester sends a request and waits for one reply.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// RestartClient asks the node agent owning a client to restart it over request/reply.
type RestartClient struct {
	Requester Requester
	Subject   string
}

func (r RestartClient) Definition() schema.Definition {
	return schema.Definition{
		Name:        RestartClientName,
		Description: "Restart a validator client process through its node agent.",
		Schema:      json.RawMessage(restartClientSchema),
	}
}

func (r RestartClient) Plan(_ context.Context, params map[string]any) (domain.Effect, error) {
	client, _ := params["client"].(string)
	mode := "hard"
	if g, _ := params["graceful"].(bool); g {
		mode = "graceful"
	}
	return domain.Effect{ProposedEffect: fmt.Sprintf("%s restart of client %s", mode, client), AffectedCount: 1}, nil
}

type restartReply struct {
	Status string   `json:"status"`
	Logs   []string `json:"logs"`
	Error  string   `json:"error"`
}

func (r RestartClient) Apply(ctx context.Context, params map[string]any) (domain.ApplyResult, error) {
	if r.Requester == nil {
		return domain.ApplyResult{}, fmt.Errorf("command transport not configured")
	}
	body, err := json.Marshal(params)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	subject := r.Subject
	if subject == "" {
		subject = "fixline.commands.restart_client"
	}
	data, err := r.Requester.Request(ctx, subject, body)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	var reply restartReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return domain.ApplyResult{}, fmt.Errorf("decode restart reply: %w", err)
	}
	if reply.Error != "" {
		return domain.ApplyResult{}, fmt.Errorf("agent: %s", reply.Error)
	}
	if reply.Status == "" {
		reply.Status = "success"
	}
	return domain.ApplyResult{Status: reply.Status, Logs: reply.Logs}, nil
}
