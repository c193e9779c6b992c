package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fixline/internal/logging"
)

// Config models fixline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv     string `yaml:"jwt_secret_env"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Planner      PlannerConfig      `yaml:"planner"`
	Executor     struct {
		BlastRadiusCeiling int `yaml:"blast_radius_ceiling"`
	} `yaml:"executor"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Audit      struct {
		Retention time.Duration `yaml:"retention"`
	} `yaml:"audit"`
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Metrics struct {
		PrometheusURL string `yaml:"prometheus_url"`
	} `yaml:"metrics"`
	Tools    ToolsConfig     `yaml:"tools"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Logging  logging.Config  `yaml:"logging"`
}

type ApprovalConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	Approvers         []string      `yaml:"approvers"`
	CallbackSecretEnv string        `yaml:"callback_secret_env"`
	MaxSkew           time.Duration `yaml:"max_skew"`
	ReplayCacheSize   int           `yaml:"replay_cache_size"`
}

type OrchestratorConfig struct {
	CoalesceWindow   time.Duration `yaml:"coalesce_window"`
	NudgeCeiling     int           `yaml:"nudge_ceiling"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	Workers          int           `yaml:"workers"`
}

type PlannerConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	BaseURL        string        `yaml:"base_url"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	MaxAttempts    uint          `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
}

type EnrichmentConfig struct {
	RunbookDir string            `yaml:"runbook_dir"`
	Lookback   time.Duration     `yaml:"lookback"`
	Timeout    time.Duration     `yaml:"timeout"`
	Queries    map[string]string `yaml:"queries"`
}

type ToolsConfig struct {
	Allow         []string `yaml:"allow"`
	SchemaDir     string   `yaml:"schema_dir"`
	IaCDir        string   `yaml:"iac_dir"`
	TerraformBin  string   `yaml:"terraform_bin"`
	CommandPrefix string   `yaml:"command_prefix"`
}

// WebhookConfig is one outbound audit-record subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	SecretEnv      string   `yaml:"secret_env"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the defaults when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Approval.TTL <= 0 {
		return fmt.Errorf("config.approval.ttl must be positive")
	}
	for _, a := range c.Approval.Approvers {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("config.approval.approvers contains an empty actor id")
		}
	}
	if c.Orchestrator.NudgeCeiling < 0 {
		return fmt.Errorf("config.orchestrator.nudge_ceiling must not be negative")
	}
	if c.Orchestrator.CoalesceWindow < 0 {
		return fmt.Errorf("config.orchestrator.coalesce_window must not be negative")
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("config.orchestrator.workers must be positive")
	}
	switch c.Planner.Provider {
	case "", "none", "openai":
	default:
		return fmt.Errorf("config.planner.provider %q is not supported", c.Planner.Provider)
	}
	if c.Planner.MaxAttempts == 0 {
		return fmt.Errorf("config.planner.max_attempts must be at least 1")
	}
	if c.Executor.BlastRadiusCeiling <= 0 {
		return fmt.Errorf("config.executor.blast_radius_ceiling must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("config.logging: %w", err)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fixline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Secret reads the value of the environment variable named by env.
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret_env: FIXLINE_JWT_SECRET
  allow_actor_header: false

approval:
  ttl: 15m
  approvers: []
  callback_secret_env: FIXLINE_CALLBACK_SECRET
  max_skew: 5m
  replay_cache_size: 1024

orchestrator:
  coalesce_window: 10m
  nudge_ceiling: 1
  watchdog_interval: 15s
  workers: 8

planner:
  provider: none
  model: gpt-4o-mini
  base_url: ""
  api_key_env: OPENAI_API_KEY
  max_attempts: 3
  initial_backoff: 500ms
  max_backoff: 10s
  rate_per_second: 2

executor:
  blast_radius_ceiling: 5

enrichment:
  runbook_dir: runbooks
  lookback: 15m
  timeout: 10s
  queries: {}

audit:
  retention: 2160h

nats:
  url: ""
  subject_prefix: fixline

metrics:
  prometheus_url: ""

tools:
  allow: [query_metrics, restart_client, iac_apply]
  schema_dir: ""
  iac_dir: iac
  terraform_bin: terraform
  command_prefix: ""

webhooks: []

logging:
  level: info
  format: json
`
