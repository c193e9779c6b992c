package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"fixline/internal/domain"
	"fixline/internal/schema"
)

const IaCApplyName = "iac_apply"

const iacApplySchema = `{
  "type": "object",
  "properties": {
    "workspace": {"type": "string", "pattern": "^[a-z0-9_-]{1,64}$"},
    "targets": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[A-Za-z0-9_.\\[\\]\"-]{1,256}$"},
      "maxItems": 32
    },
    "variables": {
      "type": "object",
      "additionalProperties": {"type": "string", "maxLength": 1024}
    }
  },
  "required": ["workspace"],
  "additionalProperties": false
}`

// Runner executes an infrastructure-as-code binary inside dir.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// ExecRunner runs a local binary.
type ExecRunner struct {
	Bin string
}

func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	bin := r.Bin
	if bin == "" {
		bin = "terraform"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// IaCApply previews and applies a terraform workspace under Root. Apply uses the
// saved plan file from Plan so that what was previewed is what gets applied.
type IaCApply struct {
	Runner Runner
	Root   string
}

func (a IaCApply) Definition() schema.Definition {
	return schema.Definition{
		Name:        IaCApplyName,
		Description: "Plan and apply an infrastructure-as-code workspace.",
		Schema:      json.RawMessage(iacApplySchema),
	}
}

type iacParams struct {
	Workspace string
	Targets   []string
	Variables map[string]string
}

func parseIaCParams(params map[string]any) iacParams {
	p := iacParams{Variables: map[string]string{}}
	p.Workspace, _ = params["workspace"].(string)
	if targets, ok := params["targets"].([]any); ok {
		for _, t := range targets {
			if s, ok := t.(string); ok {
				p.Targets = append(p.Targets, s)
			}
		}
	}
	if vars, ok := params["variables"].(map[string]any); ok {
		for k, v := range vars {
			if s, ok := v.(string); ok {
				p.Variables[k] = s
			}
		}
	}
	return p
}

func (p iacParams) digest() string {
	keys := make([]string, 0, len(p.Variables))
	for k := range p.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	targets := append([]string(nil), p.Targets...)
	sort.Strings(targets)
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", p.Workspace, strings.Join(targets, ","))
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, p.Variables[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (p iacParams) planArgs(out string) []string {
	args := []string{"plan", "-input=false", "-no-color", "-out=" + out}
	for _, t := range p.Targets {
		args = append(args, "-target="+t)
	}
	keys := make([]string, 0, len(p.Variables))
	for k := range p.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-var", k+"="+p.Variables[k])
	}
	return args
}

func (a IaCApply) dir(p iacParams) (string, error) {
	if a.Root == "" {
		return "", fmt.Errorf("iac root not configured")
	}
	dir := filepath.Join(a.Root, p.Workspace)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("workspace %q not found", p.Workspace)
	}
	return dir, nil
}

func planFile(p iacParams) string {
	return ".fixline-" + p.digest() + ".tfplan"
}

type tfPlan struct {
	ResourceChanges []struct {
		Address string `json:"address"`
		Change  struct {
			Actions []string `json:"actions"`
		} `json:"change"`
	} `json:"resource_changes"`
}

// Plan saves a plan file and summarizes it. Any delete action, including
// replacements, marks the effect destructive.
func (a IaCApply) Plan(ctx context.Context, params map[string]any) (domain.Effect, error) {
	if a.Runner == nil {
		return domain.Effect{}, fmt.Errorf("iac runner not configured")
	}
	p := parseIaCParams(params)
	dir, err := a.dir(p)
	if err != nil {
		return domain.Effect{}, err
	}
	file := planFile(p)
	if _, err := a.Runner.Run(ctx, dir, p.planArgs(file)...); err != nil {
		return domain.Effect{}, err
	}
	out, err := a.Runner.Run(ctx, dir, "show", "-json", file)
	if err != nil {
		return domain.Effect{}, err
	}
	return summarizePlan(out)
}

func summarizePlan(data []byte) (domain.Effect, error) {
	var plan tfPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return domain.Effect{}, fmt.Errorf("decode plan: %w", err)
	}
	var eff domain.Effect
	counts := map[string]int{}
	for _, rc := range plan.ResourceChanges {
		actions := rc.Change.Actions
		if len(actions) == 0 || (len(actions) == 1 && (actions[0] == "no-op" || actions[0] == "read")) {
			continue
		}
		eff.AffectedCount++
		key := strings.Join(actions, "/")
		counts[key]++
		for _, act := range actions {
			if act == "delete" {
				eff.Destructive = true
			}
		}
	}
	if eff.AffectedCount == 0 {
		eff.ProposedEffect = "no changes"
		return eff, nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	eff.ProposedEffect = strings.Join(parts, ", ")
	return eff, nil
}

func (a IaCApply) Apply(ctx context.Context, params map[string]any) (domain.ApplyResult, error) {
	if a.Runner == nil {
		return domain.ApplyResult{}, fmt.Errorf("iac runner not configured")
	}
	p := parseIaCParams(params)
	dir, err := a.dir(p)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	file := planFile(p)
	if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
		return domain.ApplyResult{}, fmt.Errorf("no saved plan for workspace %q; preview first", p.Workspace)
	}
	out, err := a.Runner.Run(ctx, dir, "apply", "-input=false", "-no-color", "-auto-approve", file)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	_ = os.Remove(filepath.Join(dir, file))
	return domain.ApplyResult{Status: "success", Logs: splitLogs(string(out))}, nil
}

func splitLogs(out string) []string {
	var logs []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			logs = append(logs, line)
		}
	}
	return logs
}
