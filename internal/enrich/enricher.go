package enrich

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"fixline/internal/domain"
	"fixline/internal/logging"
	"fixline/internal/promql"
)

// Enricher assembles context for the planner. It never blocks the loop:
// failures come back as degraded context.
type Enricher interface {
	Enrich(ctx context.Context, alert domain.Alert) (domain.EnrichedContext, error)
}

const resourcePlaceholder = "$resource"

// Sources enriches from runbooks and live metric queries.
type Sources struct {
	Runbooks []Runbook
	Metrics  promql.Source
	// Queries are evaluated for every alert with a resource, in addition to matched runbook queries.
	Queries  map[string]string
	Lookback time.Duration
	Timeout  time.Duration
	Logger   *logging.Logger
	Now      func() time.Time
}

func (s Sources) Enrich(ctx context.Context, alert domain.Alert) (domain.EnrichedContext, error) {
	out := domain.EnrichedContext{Alert: alert, Quality: domain.ContextFull}
	var problems []string
	degrade := func(note string) {
		out.Quality = domain.ContextDegraded
		out.Notes = append(out.Notes, note)
	}

	resource := alert.Resource()
	queries := map[string]string{}
	matched := 0
	for _, rb := range s.Runbooks {
		if resource == "" && !rb.Generic {
			continue
		}
		if resource != "" && !rb.Match.matches(alert) {
			continue
		}
		matched++
		out.RunbookSnippets = append(out.RunbookSnippets, rb.Snippets...)
		for k, v := range rb.Metrics {
			queries[k] = v
		}
	}
	if resource == "" {
		degrade("alert has no resource id; using generic fallback")
	} else if matched == 0 {
		degrade("no runbook matched; no historical context")
	}

	if resource != "" {
		for k, v := range s.Queries {
			if _, ok := queries[k]; !ok {
				queries[k] = v
			}
		}
		if len(queries) > 0 {
			metrics, errs := s.live(ctx, resource, queries)
			if len(metrics) > 0 {
				out.LiveMetrics = metrics
			}
			if len(errs) > 0 {
				problems = append(problems, errs...)
				degrade(fmt.Sprintf("%d live metric quer%s failed", len(errs), plural(len(errs))))
			}
		}
	}
	if len(problems) > 0 {
		return out, domain.NewError(domain.CodeEnrichmentDegraded, false, "%s", strings.Join(problems, "; "))
	}
	return out, nil
}

func (s Sources) live(ctx context.Context, resource string, queries map[string]string) (map[string]string, []string) {
	if s.Metrics == nil {
		return nil, []string{"metrics source not configured"}
	}
	lookback := s.Lookback
	if lookback <= 0 {
		lookback = 15 * time.Minute
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)

	end := now()
	out := map[string]string{}
	var errs []string
	for _, name := range names {
		q := strings.ReplaceAll(queries[name], resourcePlaceholder, resource)
		qctx, cancel := context.WithTimeout(ctx, timeout)
		val, _, err := s.Metrics.QueryRange(qctx, q, end.Add(-lookback), end, time.Minute)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			if s.Logger != nil {
				s.Logger.Warn(ctx, "live metric query failed", zap.String("metric", name), zap.Error(err))
			}
			continue
		}
		out[name] = val
	}
	return out, errs
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// Fallback is the context used when enrichment itself fails.
func Fallback(alert domain.Alert, cause error) domain.EnrichedContext {
	note := "enrichment unavailable"
	if cause != nil {
		note = "enrichment unavailable: " + cause.Error()
	}
	return domain.EnrichedContext{Alert: alert, Quality: domain.ContextDegraded, Notes: []string{note}}
}
