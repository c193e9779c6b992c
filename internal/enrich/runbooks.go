package enrich

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"fixline/internal/domain"
)

// Runbook is a curated remediation note matched against incoming alerts.
type Runbook struct {
	Name     string            `yaml:"name"`
	Match    Match             `yaml:"match"`
	Generic  bool              `yaml:"generic"`
	Snippets []string          `yaml:"snippets"`
	Metrics  map[string]string `yaml:"metrics"`
}

// Match is conjunctive; empty fields match everything.
type Match struct {
	Severity        string            `yaml:"severity"`
	Labels          map[string]string `yaml:"labels"`
	MessageContains string            `yaml:"message_contains"`
	ResourcePrefix  string            `yaml:"resource_prefix"`
}

func (m Match) matches(a domain.Alert) bool {
	if m.Severity != "" && !strings.EqualFold(m.Severity, a.Severity) {
		return false
	}
	for k, v := range m.Labels {
		if a.Labels[k] != v {
			return false
		}
	}
	if m.MessageContains != "" && !strings.Contains(strings.ToLower(a.Message), strings.ToLower(m.MessageContains)) {
		return false
	}
	if m.ResourcePrefix != "" && !strings.HasPrefix(a.Resource(), m.ResourcePrefix) {
		return false
	}
	return true
}

type runbookFile struct {
	Runbooks []Runbook `yaml:"runbooks"`
}

// LoadRunbooks reads every *.yml / *.yaml file in dir. A missing dir yields no runbooks.
func LoadRunbooks(dir string) ([]Runbook, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Runbook
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var f runbookFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		for i, rb := range f.Runbooks {
			if rb.Name == "" {
				rb.Name = fmt.Sprintf("%s#%d", strings.TrimSuffix(e.Name(), ext), i)
			}
			out = append(out, rb)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
