package promql

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
)

// Source runs range queries and returns a printable result.
type Source interface {
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (string, []string, error)
}

// Prometheus queries a Prometheus-compatible HTTP API.
type Prometheus struct {
	API promv1.API
}

func NewPrometheus(address string) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &Prometheus{API: promv1.NewAPI(client)}, nil
}

func (p *Prometheus) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (string, []string, error) {
	if step <= 0 {
		step = time.Minute
	}
	val, warnings, err := p.API.QueryRange(ctx, query, promv1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return "", nil, err
	}
	return val.String(), []string(warnings), nil
}
