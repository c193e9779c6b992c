package enrich

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/domain"
)

const runbookYAML = `
runbooks:
  - name: missed-proposal
    match:
      severity: critical
      message_contains: proposal
      resource_prefix: v-
    snippets:
      - Check beacon node sync before restarting the validator client.
    metrics:
      uptime: 'avg_over_time(up{validator="$resource"}[5m])'
  - name: generic
    generic: true
    snippets:
      - Identify the affected resource from alert labels.
`

type stubSource struct {
	queries []string
	fail    map[string]bool
}

func (s *stubSource) QueryRange(_ context.Context, q string, _, _ time.Time, _ time.Duration) (string, []string, error) {
	s.queries = append(s.queries, q)
	if s.fail[q] {
		return "", nil, errors.New("timeout")
	}
	return "1", nil, nil
}

func loadTestRunbooks(t *testing.T) []Runbook {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "validators.yml"), []byte(runbookYAML), 0o644))
	rbs, err := LoadRunbooks(dir)
	require.NoError(t, err)
	require.Len(t, rbs, 2)
	return rbs
}

func TestEnrichFullContext(t *testing.T) {
	src := &stubSource{}
	s := Sources{Runbooks: loadTestRunbooks(t), Metrics: src}
	out, err := s.Enrich(context.Background(), domain.Alert{AlertID: "a1", ResourceID: "v-1", Severity: "critical", Message: "missed proposal"})
	require.NoError(t, err)
	assert.Equal(t, domain.ContextFull, out.Quality)
	assert.Len(t, out.RunbookSnippets, 1)
	assert.Equal(t, map[string]string{"uptime": "1"}, out.LiveMetrics)
	assert.Equal(t, []string{`avg_over_time(up{validator="v-1"}[5m])`}, src.queries)
}

func TestEnrichWithoutResourceIsDegraded(t *testing.T) {
	src := &stubSource{}
	s := Sources{Runbooks: loadTestRunbooks(t), Metrics: src}
	out, err := s.Enrich(context.Background(), domain.Alert{AlertID: "a1", Severity: "critical", Message: "missed proposal"})
	require.NoError(t, err)
	assert.Equal(t, domain.ContextDegraded, out.Quality)
	assert.Equal(t, []string{"Identify the affected resource from alert labels."}, out.RunbookSnippets)
	assert.Empty(t, src.queries)
}

func TestEnrichNoHistoryIsDegraded(t *testing.T) {
	s := Sources{}
	out, err := s.Enrich(context.Background(), domain.Alert{AlertID: "a1", ResourceID: "v-1", Severity: "critical", Message: "missed proposal"})
	require.NoError(t, err)
	assert.Equal(t, domain.ContextDegraded, out.Quality)
	assert.Contains(t, out.Notes[0], "no runbook matched")
}

func TestEnrichMetricFailureDegradesButReturnsContext(t *testing.T) {
	src := &stubSource{fail: map[string]bool{`rate(missed{validator="v-1"}[1h])`: true}}
	s := Sources{Runbooks: loadTestRunbooks(t), Metrics: src, Queries: map[string]string{"missed": `rate(missed{validator="$resource"}[1h])`}}
	out, err := s.Enrich(context.Background(), domain.Alert{AlertID: "a1", ResourceID: "v-1", Severity: "critical", Message: "missed proposal"})
	assert.ErrorIs(t, err, domain.ErrEnrichmentDegraded)
	assert.Equal(t, domain.ContextDegraded, out.Quality)
	assert.Equal(t, "1", out.LiveMetrics["uptime"])
	assert.NotEmpty(t, out.RunbookSnippets)
}

func TestLoadRunbooksMissingDir(t *testing.T) {
	rbs, err := LoadRunbooks(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, rbs)
}
