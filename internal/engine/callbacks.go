package engine

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"fixline/internal/approval"
	"fixline/internal/audit"
	"fixline/internal/domain"
)

// CallbackReply is returned to approval channels. Replays of a decided request
// are informational, not errors.
type CallbackReply struct {
	Outcome       approval.Outcome `json:"outcome"`
	TransactionID string           `json:"transaction_id,omitempty"`
	State         domain.State     `json:"state,omitempty"`
	Message       string           `json:"message"`
	Replayed      bool             `json:"replayed,omitempty"`
}

// Callbacks authenticates signed approval decisions before handing them to the
// engine. Unauthenticated callbacks are dropped and audited on the shared chain,
// never on the transaction they claim.
type Callbacks struct {
	Engine   *Engine
	Verifier approval.Verifier

	seen *lru.Cache[string, CallbackReply]
}

func NewCallbacks(e *Engine, v approval.Verifier, replayCache int) (*Callbacks, error) {
	if replayCache <= 0 {
		replayCache = 1024
	}
	seen, err := lru.New[string, CallbackReply](replayCache)
	if err != nil {
		return nil, err
	}
	return &Callbacks{Engine: e, Verifier: v, seen: seen}, nil
}

// Handle verifies and applies one callback.
func (c *Callbacks) Handle(ctx context.Context, timestamp, signature string, body []byte) (CallbackReply, error) {
	e := c.Engine
	if prior, ok := c.seen.Get(signature); ok && signature != "" {
		prior.Replayed = true
		return prior, nil
	}
	cb, err := c.Verifier.Verify(timestamp, signature, body)
	if err != nil {
		reason := approval.Reason(err)
		e.Metrics.CallbackRejected(reason)
		e.record(ctx, "", audit.CallbackRejected, "", audit.Payload{"reason": reason, "error": audit.ErrorPayload(err)})
		e.logger().Warn(ctx, "approval callback rejected", zap.String("reason", reason))
		return CallbackReply{}, err
	}
	res, err := e.Decide(ctx, cb.Input())
	reply := CallbackReply{Outcome: res.Outcome, TransactionID: res.Transaction.ID, State: res.Transaction.State, Message: res.Message}
	if err != nil && !errors.Is(err, domain.ErrAlreadyDecided) {
		return reply, err
	}
	if err != nil {
		reply.Replayed = true
	}
	c.seen.Add(signature, reply)
	return reply, nil
}

// Reply adapts Handle to the bus subscription, which answers with a body only.
func (c *Callbacks) Reply(ctx context.Context, timestamp, signature string, body []byte) any {
	reply, err := c.Handle(ctx, timestamp, signature, body)
	if err != nil {
		de := domain.AsError(err)
		return map[string]any{"error": map[string]any{"code": de.Code, "message": de.Message, "details": de.Details}}
	}
	return reply
}
