package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"fixline/internal/domain"
)

var quotedName = regexp.MustCompile(`'([^']+)'`)

// Validate checks call against the allowlist in reg. It is pure: it never
// contacts the tool.
func Validate(call domain.ToolCall, reg *Registry) error {
	tool, ok := reg.Lookup(call.Name)
	if !ok {
		return domain.UnknownTool(call.Name)
	}
	doc, err := toJSONValue(call.Params)
	if err != nil {
		return domain.SchemaViolation(call.Name, "/", "json").With("message", err.Error())
	}
	err = tool.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return domain.SchemaViolation(call.Name, "/", "schema").With("message", err.Error())
	}
	leaf := deepest(ve)
	field, constraint := describe(leaf)
	return domain.SchemaViolation(call.Name, field, constraint).With("message", leaf.Message)
}

// ValidatePlan checks plan structure and every tool call, returning the first failure.
func ValidatePlan(plan domain.Plan, reg *Registry) error {
	if strings.TrimSpace(plan.Summary) == "" {
		return domain.SchemaViolation("plan", "/summary", "required")
	}
	if !plan.RiskLevel.Valid() {
		return domain.SchemaViolation("plan", "/risk_level", "enum")
	}
	if len(plan.ToolCalls) == 0 {
		return domain.SchemaViolation("plan", "/tool_calls", "minItems")
	}
	for i, call := range plan.ToolCalls {
		if strings.TrimSpace(call.Reason) == "" {
			if _, ok := reg.Lookup(call.Name); !ok {
				return domain.UnknownTool(call.Name).With("index", i)
			}
			return domain.SchemaViolation(call.Name, fmt.Sprintf("/tool_calls/%d/reason", i), "required").With("index", i)
		}
		if err := Validate(call, reg); err != nil {
			return domain.AsError(err).With("index", i)
		}
	}
	return nil
}

// toJSONValue converts Go values to the decoded-JSON shape the validator expects.
func toJSONValue(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func deepest(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// describe maps a leaf error to (field, constraint). Required and
// additionalProperties errors sit on the parent object, so the offending
// property name is recovered from the message.
func describe(ve *jsonschema.ValidationError) (string, string) {
	constraint := ve.KeywordLocation
	if i := strings.LastIndex(constraint, "/"); i >= 0 {
		constraint = constraint[i+1:]
	}
	field := ve.InstanceLocation
	switch constraint {
	case "required", "additionalProperties":
		if m := quotedName.FindStringSubmatch(ve.Message); m != nil {
			field = strings.TrimSuffix(field, "/") + "/" + m[1]
		}
	}
	if field == "" {
		field = "/"
	}
	return field, constraint
}
