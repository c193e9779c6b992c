package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"fixline/internal/correlation"
	"fixline/internal/domain"
	"fixline/internal/logging"
)

const DefaultPrefix = "fixline"

// TransitionEvent is published after every committed state change.
type TransitionEvent struct {
	TransactionID string       `json:"transaction_id"`
	AlertID       string       `json:"alert_id"`
	ResourceID    string       `json:"resource_id,omitempty"`
	PlanID        string       `json:"plan_id,omitempty"`
	From          domain.State `json:"from"`
	To            domain.State `json:"to"`
	Revision      int          `json:"revision"`
	StatusDetail  string       `json:"status_detail,omitempty"`
	At            string       `json:"at"`
}

// Escalation pages an operator about a transaction that needs a human.
type Escalation struct {
	TransactionID string        `json:"transaction_id"`
	AlertID       string        `json:"alert_id"`
	ResourceID    string        `json:"resource_id,omitempty"`
	State         domain.State  `json:"state"`
	StatusDetail  string        `json:"status_detail"`
	Error         *domain.Error `json:"error,omitempty"`
	At            string        `json:"at"`
}

// Bus publishes orchestrator events on NATS and carries command request/reply.
type Bus struct {
	Conn   *nats.Conn
	Prefix string
	Logger *logging.Logger
}

func Connect(url, prefix string, logger *logging.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("fixline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return New(nc, prefix, logger), nil
}

func New(nc *nats.Conn, prefix string, logger *logging.Logger) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{Conn: nc, Prefix: prefix, Logger: logger}
}

func (b *Bus) Subject(parts ...string) string {
	s := b.Prefix
	for _, p := range parts {
		s += "." + p
	}
	return s
}

func (b *Bus) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range correlation.FromContext(ctx).Headers() {
		msg.Header.Set(k, v)
	}
	return b.Conn.PublishMsg(msg)
}

// Transitioned publishes on <prefix>.transactions.<state>.
func (b *Bus) Transitioned(ctx context.Context, t domain.Transaction, from domain.State) {
	ev := TransitionEvent{
		TransactionID: t.ID, AlertID: t.AlertID, ResourceID: t.ResourceID, PlanID: t.PlanID,
		From: from, To: t.State, Revision: t.Revision, StatusDetail: t.StatusDetail, At: t.UpdatedAt,
	}
	if err := b.publish(ctx, b.Subject("transactions", string(t.State)), ev); err != nil {
		b.Logger.Warn(ctx, "publish transition", zap.Error(err))
	}
}

// Escalated publishes on <prefix>.escalations.
func (b *Bus) Escalated(ctx context.Context, t domain.Transaction, cause error) {
	ev := Escalation{
		TransactionID: t.ID, AlertID: t.AlertID, ResourceID: t.ResourceID, State: t.State,
		StatusDetail: t.StatusDetail, Error: domain.AsError(cause), At: t.UpdatedAt,
	}
	if err := b.publish(ctx, b.Subject("escalations"), ev); err != nil {
		b.Logger.Error(ctx, "publish escalation", zap.Error(err))
	}
}

// Request implements the command transport used by the restart_client tool.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range correlation.FromContext(ctx).Headers() {
		msg.Header.Set(k, v)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	reply, err := b.Conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// DecisionHandler processes one signed approval decision and returns the reply body.
type DecisionHandler func(ctx context.Context, timestamp, signature string, body []byte) any

// SubscribeDecisions consumes signed decisions from <prefix>.approvals.decisions.
// Messages carry the same signature headers as the HTTP callback.
func (b *Bus) SubscribeDecisions(ctx context.Context, timestampHeader, signatureHeader string, handle DecisionHandler) (*nats.Subscription, error) {
	return b.Conn.Subscribe(b.Subject("approvals", "decisions"), func(msg *nats.Msg) {
		var ts, sig string
		if msg.Header != nil {
			ts, sig = msg.Header.Get(timestampHeader), msg.Header.Get(signatureHeader)
		}
		out := handle(ctx, ts, sig, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(out)
		if err != nil {
			b.Logger.Warn(ctx, "encode decision reply", zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			b.Logger.Warn(ctx, "respond to decision", zap.Error(err))
		}
	})
}

func (b *Bus) Close() {
	if b.Conn != nil {
		_ = b.Conn.Drain()
	}
}

// Noop discards events; used when no NATS url is configured.
type Noop struct{}

func (Noop) Transitioned(context.Context, domain.Transaction, domain.State) {}
func (Noop) Escalated(context.Context, domain.Transaction, error)           {}
