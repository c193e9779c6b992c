package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fixline/internal/domain"
	"fixline/internal/promql"
	"fixline/internal/schema"
)

const QueryMetricsName = "query_metrics"

const queryMetricsSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "maxLength": 2048},
    "timeRangeMinutes": {"type": "integer", "minimum": 1, "maximum": 1440},
    "stepSeconds": {"type": "integer", "minimum": 1, "maximum": 3600}
  },
  "required": ["query", "timeRangeMinutes"],
  "additionalProperties": false
}`

// QueryMetrics is read-only, so it has no preview and may be re-run freely.
type QueryMetrics struct {
	Source promql.Source
	Now    func() time.Time
}

func (q QueryMetrics) Definition() schema.Definition {
	return schema.Definition{
		Name:        QueryMetricsName,
		Description: "Run a PromQL range query over the trailing window.",
		Schema:      json.RawMessage(queryMetricsSchema),
	}
}

func (q QueryMetrics) Reentrant() bool { return true }

func (q QueryMetrics) Apply(ctx context.Context, params map[string]any) (domain.ApplyResult, error) {
	if q.Source == nil {
		return domain.ApplyResult{}, fmt.Errorf("metrics source not configured")
	}
	query, _ := params["query"].(string)
	minutes := intParam(params, "timeRangeMinutes", 60)
	step := time.Duration(intParam(params, "stepSeconds", 60)) * time.Second
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	end := now()
	out, warnings, err := q.Source.QueryRange(ctx, query, end.Add(-time.Duration(minutes)*time.Minute), end, step)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	logs := append([]string{out}, warnings...)
	return domain.ApplyResult{Status: "success", Logs: logs}, nil
}

// intParam reads an integer param that may arrive as int, float64 or json.Number.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
