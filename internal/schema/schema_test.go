package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/domain"
)

const querySchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "timeRangeMinutes": {"type": "integer", "minimum": 1, "maximum": 1440}
  },
  "required": ["query", "timeRangeMinutes"],
  "additionalProperties": false
}`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry([]Definition{{Name: "query_metrics", Schema: json.RawMessage(querySchema)}})
	require.NoError(t, err)
	return reg
}

func violation(t *testing.T, err error) *domain.Error {
	t.Helper()
	require.Error(t, err)
	var e *domain.Error
	require.True(t, errors.As(err, &e), "unexpected error type %T", err)
	return e
}

func TestValidateAcceptsConformingParams(t *testing.T) {
	reg := testRegistry(t)
	err := Validate(domain.ToolCall{Name: "query_metrics", Params: map[string]any{"query": "uptime", "timeRangeMinutes": 60}}, reg)
	assert.NoError(t, err)
	err = Validate(domain.ToolCall{Name: "query_metrics", Params: map[string]any{"query": "uptime", "timeRangeMinutes": float64(15)}}, reg)
	assert.NoError(t, err)
}

func TestValidateUnknownTool(t *testing.T) {
	e := violation(t, Validate(domain.ToolCall{Name: "drop_database"}, testRegistry(t)))
	assert.Equal(t, domain.CodeUnknownTool, e.Code)
}

func TestValidateMissingRequiredField(t *testing.T) {
	e := violation(t, Validate(domain.ToolCall{Name: "query_metrics", Params: map[string]any{"timeRangeMinutes": 5}}, testRegistry(t)))
	assert.Equal(t, domain.CodeSchemaViolation, e.Code)
	assert.Equal(t, "/query", e.Details["field"])
	assert.Equal(t, "required", e.Details["constraint"])
}

func TestValidateUndeclaredField(t *testing.T) {
	e := violation(t, Validate(domain.ToolCall{Name: "query_metrics", Params: map[string]any{
		"query": "uptime", "timeRangeMinutes": 5, "shell": "rm -rf /",
	}}, testRegistry(t)))
	assert.Equal(t, "/shell", e.Details["field"])
	assert.Equal(t, "additionalProperties", e.Details["constraint"])
}

func TestValidateRangeAndType(t *testing.T) {
	reg := testRegistry(t)
	e := violation(t, Validate(domain.ToolCall{Name: "query_metrics", Params: map[string]any{"query": "uptime", "timeRangeMinutes": 5000}}, reg))
	assert.Equal(t, "/timeRangeMinutes", e.Details["field"])
	assert.Equal(t, "maximum", e.Details["constraint"])

	e = violation(t, Validate(domain.ToolCall{Name: "query_metrics", Params: map[string]any{"query": "uptime", "timeRangeMinutes": "60"}}, reg))
	assert.Equal(t, "type", e.Details["constraint"])

	e = violation(t, Validate(domain.ToolCall{Name: "query_metrics", Params: map[string]any{"query": "uptime", "timeRangeMinutes": 1.5}}, reg))
	assert.Equal(t, "type", e.Details["constraint"])
}

func TestValidatePlan(t *testing.T) {
	reg := testRegistry(t)
	good := domain.Plan{Summary: "check", RiskLevel: domain.RiskLow, ToolCalls: []domain.ToolCall{
		{Name: "query_metrics", Reason: "look", Params: map[string]any{"query": "uptime", "timeRangeMinutes": 60}},
	}}
	assert.NoError(t, ValidatePlan(good, reg))

	noReason := good
	noReason.ToolCalls = []domain.ToolCall{{Name: "query_metrics", Params: good.ToolCalls[0].Params}}
	e := violation(t, ValidatePlan(noReason, reg))
	assert.Equal(t, "/tool_calls/0/reason", e.Details["field"])

	badRisk := good
	badRisk.RiskLevel = "extreme"
	assert.Error(t, ValidatePlan(badRisk, reg))

	unknown := good
	unknown.ToolCalls = []domain.ToolCall{good.ToolCalls[0], {Name: "nope", Reason: "x"}}
	e = violation(t, ValidatePlan(unknown, reg))
	assert.Equal(t, domain.CodeUnknownTool, e.Code)
	assert.Equal(t, 1, e.Details["index"])
}

func TestRegistryVersionTracksContent(t *testing.T) {
	a := testRegistry(t)
	b := testRegistry(t)
	assert.Equal(t, a.Version(), b.Version())
	c, err := NewRegistry([]Definition{{Name: "query_metrics", Schema: json.RawMessage(`{"type":"object"}`)}})
	require.NoError(t, err)
	assert.NotEqual(t, a.Version(), c.Version())

	_, err = NewRegistry([]Definition{{Name: "x", Schema: json.RawMessage(`{"type": 5}`)}})
	assert.Error(t, err)
}

func TestStoreSwapIsAtomic(t *testing.T) {
	first := testRegistry(t)
	second, err := NewRegistry(nil)
	require.NoError(t, err)
	store := NewStore(first)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg := store.Current()
				v := reg.Version()
				assert.True(t, v == first.Version() || v == second.Version())
			}
		}()
	}
	old := store.Swap(second)
	wg.Wait()
	assert.Same(t, first, old)
	assert.Same(t, second, store.Current())
}

func TestLoadDirAndMerge(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "restart_client.json"), []byte(`{"schema":{"type":"object"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0o644))
	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "restart_client", defs[0].Name)

	base := []Definition{{Name: "query_metrics", Schema: json.RawMessage(querySchema)}, {Name: "restart_client", Schema: json.RawMessage(`{}`)}}
	merged := Merge(base, defs, nil)
	require.Len(t, merged, 2)
	assert.JSONEq(t, `{"type":"object"}`, string(merged[1].Schema))

	onlyQuery := Merge(base, defs, []string{"query_metrics"})
	require.Len(t, onlyQuery, 1)
	assert.Equal(t, "query_metrics", onlyQuery[0].Name)
}
