package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fixline/internal/approval"
	"fixline/internal/config"
	"fixline/internal/domain"
	"fixline/internal/logging"
	"fixline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Webhook delivery headers. The signature uses the same scheme as approval callbacks.
const (
	EventHeader    = "X-Fixline-Event"
	DeliveryHeader = "X-Fixline-Delivery"
)

type webhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *logging.Logger
	now      func() time.Time
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks delivers new audit records to the configured subscribers until
// ctx is done. Records written before start are not delivered.
func StartWebhooks(ctx context.Context, r repo.Repo, hooks []config.WebhookConfig, logger *logging.Logger) {
	d := newWebhookDispatcher(r, hooks, logger)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *logging.Logger) *webhookDispatcher {
	var enabled []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		enabled = append(enabled, hook)
	}
	if len(enabled) == 0 {
		return nil
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &webhookDispatcher{
		repo:     r,
		webhooks: enabled,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.Named("webhooks"),
		now:      time.Now,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	records, err := d.repo.AuditAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Warn(ctx, "fetch audit records failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, rec := range records {
		if !filter.match(rec.Type) {
			d.setCursor(idx, rec.ID)
			continue
		}
		if err := d.post(ctx, hook, rec); err != nil {
			d.logger.Warn(ctx, "webhook delivery failed",
				zap.String("url", hook.URL), zap.Int64("record_id", rec.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, rec.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestAuditID(ctx)
	if err != nil {
		d.logger.Warn(ctx, "init webhook cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookRecord struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Seq           int64           `json:"seq"`
	ActorID       string          `json:"actor_id"`
	TS            string          `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
	Hash          string          `json:"hash"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, rec domain.AuditRecord) error {
	payload := json.RawMessage("{}")
	if rec.Payload != "" && json.Valid([]byte(rec.Payload)) {
		payload = json.RawMessage(rec.Payload)
	}
	data, err := json.Marshal(webhookRecord{
		ID:            rec.ID,
		Type:          rec.Type,
		TransactionID: rec.TransactionID,
		Seq:           rec.Seq,
		ActorID:       rec.ActorID,
		TS:            rec.TS,
		Payload:       payload,
		Hash:          rec.Hash,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, rec.Type)
	req.Header.Set(DeliveryHeader, fmt.Sprintf("%d", rec.ID))
	if secret := config.Secret(hook.SecretEnv); secret != "" {
		ts, sig, err := approval.Sign([]byte(secret), d.now(), data)
		if err != nil {
			return err
		}
		req.Header.Set(approval.TimestampHeader, ts)
		req.Header.Set(approval.SignatureHeader, sig)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

// newEventFilter matches exact record types, or a prefix when an entry ends in ".*".
func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	f := eventFilter{set: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
