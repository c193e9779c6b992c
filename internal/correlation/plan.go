package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"fixline/internal/domain"
)

type normalizedCall struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

// PlanID hashes the normalized tool call sequence. Calls are sorted by name and
// then by their canonical params, string values are whitespace-trimmed, and
// reasons and notes are excluded, so semantically identical plans collide.
func PlanID(calls []domain.ToolCall) string {
	norm := make([]normalizedCall, 0, len(calls))
	for _, c := range calls {
		params, _ := json.Marshal(normalizeValue(c.Params))
		norm = append(norm, normalizedCall{Name: strings.TrimSpace(c.Name), Params: params})
	}
	sort.SliceStable(norm, func(i, j int) bool {
		if norm[i].Name != norm[j].Name {
			return norm[i].Name < norm[j].Name
		}
		return string(norm[i].Params) < string(norm[j].Params)
	})
	data, _ := json.Marshal(norm)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeValue trims strings recursively. encoding/json already emits map keys sorted.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.TrimSpace(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case nil:
		return map[string]any{}
	default:
		return t
	}
}
