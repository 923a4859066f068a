package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"phaseline/internal/catalog"
)

// FileName is the workflow config file kept at the workspace root.
const FileName = "phaseline.yml"

// Config models phaseline.yml.
type Config struct {
	Workflow struct {
		Phases       []catalog.Phase `yaml:"phases"`
		RewindTarget string          `yaml:"rewind_target"`
		MaxRewinds   int             `yaml:"max_rewinds"`
	} `yaml:"workflow"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Escalation EscalationConfig `yaml:"escalation"`
	Store      struct {
		AppendRetries int `yaml:"append_retries"`
		BusyTimeoutMS int `yaml:"busy_timeout_ms"`
	} `yaml:"store"`
	Shutdown struct {
		Grace Duration `yaml:"grace"`
	} `yaml:"shutdown"`
	Notify NotifyConfig `yaml:"notify"`
	Server ServerConfig `yaml:"server"`
	Git    GitConfig    `yaml:"git"`
	Auth   struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"auth"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	// JWTSecretEnv names the variable holding the HS256 secret. Bearer auth
	// is disabled when it is unset.
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// GitConfig locates the agent workspace that pl git push publishes.
type GitConfig struct {
	Dir      string `yaml:"dir"`
	Remote   string `yaml:"remote"`
	Branch   string `yaml:"branch"`
	Attempts int    `yaml:"attempts"`
}

type DispatchConfig struct {
	AgentURL     string   `yaml:"agent_url"`
	TokenEnv     string   `yaml:"token_env"`
	PollInterval Duration `yaml:"poll_interval"`
	JobTimeout   Duration `yaml:"job_timeout"`
	MaxRetries   int      `yaml:"max_retries"`
	Backoff      struct {
		Initial    Duration `yaml:"initial"`
		Max        Duration `yaml:"max"`
		Multiplier float64  `yaml:"multiplier"`
	} `yaml:"backoff"`
	Breaker struct {
		Threshold int      `yaml:"threshold"`
		Recovery  Duration `yaml:"recovery"`
	} `yaml:"breaker"`
	RateLimit struct {
		PerMinute float64 `yaml:"per_minute"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	MaxConsultationDepth int `yaml:"max_consultation_depth"`
}

type EscalationConfig struct {
	PollInterval     Duration `yaml:"poll_interval"`
	Timeout          Duration `yaml:"timeout"`
	WatchdogInterval Duration `yaml:"watchdog_interval"`
	StaleAfter       Duration `yaml:"stale_after"`
}

type NotifyConfig struct {
	Channel  string    `yaml:"channel"`
	Webhooks []Webhook `yaml:"webhooks"`
	NATS     struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	GitHub struct {
		Repo     string `yaml:"repo"`
		TokenEnv string `yaml:"token_env"`
		BaseURL  string `yaml:"base_url"`
		// IssuePrefix is stripped from issue ids to get the GitHub issue number.
		IssuePrefix string `yaml:"issue_prefix"`
	} `yaml:"github"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Duration is a time.Duration written as "30s" or "4h" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Catalog builds the validated phase catalog.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	return catalog.New(c.Workflow.Phases, c.Workflow.RewindTarget, c.Workflow.MaxRewinds)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Workflow.Phases) == 0 {
		return fmt.Errorf("config.workflow.phases is required")
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("config.workflow: %w", err)
	}
	if c.Workflow.MaxRewinds < 0 {
		return fmt.Errorf("config.workflow.max_rewinds must not be negative")
	}
	d := c.Dispatch
	if d.PollInterval <= 0 {
		return fmt.Errorf("config.dispatch.poll_interval must be positive")
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("config.dispatch.max_retries must not be negative")
	}
	if d.Backoff.Initial <= 0 || d.Backoff.Max < d.Backoff.Initial {
		return fmt.Errorf("config.dispatch.backoff needs 0 < initial <= max")
	}
	if d.Backoff.Multiplier < 1 {
		return fmt.Errorf("config.dispatch.backoff.multiplier must be >= 1")
	}
	if d.Breaker.Threshold <= 0 || d.Breaker.Recovery <= 0 {
		return fmt.Errorf("config.dispatch.breaker needs a positive threshold and recovery")
	}
	if d.RateLimit.PerMinute <= 0 || d.RateLimit.Burst <= 0 {
		return fmt.Errorf("config.dispatch.rate_limit needs positive per_minute and burst")
	}
	if d.MaxConsultationDepth < 0 {
		return fmt.Errorf("config.dispatch.max_consultation_depth must not be negative")
	}
	e := c.Escalation
	if e.PollInterval <= 0 || e.Timeout <= 0 {
		return fmt.Errorf("config.escalation needs positive poll_interval and timeout")
	}
	if e.WatchdogInterval <= 0 || e.StaleAfter < 0 {
		return fmt.Errorf("config.escalation needs a positive watchdog_interval")
	}
	if c.Store.AppendRetries < 0 {
		return fmt.Errorf("config.store.append_retries must not be negative")
	}
	if c.Shutdown.Grace <= 0 {
		return fmt.Errorf("config.shutdown.grace must be positive")
	}
	for i, wh := range c.Notify.Webhooks {
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("config.notify.webhooks[%d].url must be http(s)", i)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Git.Attempts < 0 {
		return fmt.Errorf("config.git.attempts must not be negative")
	}
	if repo := c.Notify.GitHub.Repo; repo != "" {
		if owner, name, ok := strings.Cut(repo, "/"); !ok || owner == "" || name == "" {
			return fmt.Errorf("config.notify.github.repo must be owner/name")
		}
	}
	if len(c.Auth.Roles) > 0 {
		if _, ok := c.Auth.Roles["operator"]; !ok {
			return fmt.Errorf("config.auth.roles must include operator")
		}
		for roleID, role := range c.Auth.Roles {
			if roleID == "" {
				return fmt.Errorf("config.auth.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections missing
// from data keep their default values.
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

// YAML renders cfg back to YAML.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const defaultTemplate = `workflow:
  # empty rewind_target rewinds to the first phase
  rewind_target: ""
  max_rewinds: 5
  phases:
    - name: specify
      actor: product-owner
    - name: plan
      actor: architect
    - name: tasks
      actor: planner
    - name: test-design
      actor: test-designer
    - name: implement
      actor: implementer
      sub_actors: [backend, frontend, infra]
    - name: verify
      actor: verifier
    - name: review
      actor: reviewer
      triggers: [changes_requested, security_issue]
    - name: merge
      actor: integrator
    - name: rollout
      actor: release-manager
      triggers: [rollback]
    - name: retro
      actor: facilitator

dispatch:
  agent_url: http://127.0.0.1:8090
  token_env: PHASELINE_AGENT_TOKEN
  poll_interval: 5s
  job_timeout: 2h
  max_retries: 3
  backoff:
    initial: 2s
    max: 1m
    multiplier: 2
  breaker:
    threshold: 3
    recovery: 1m
  rate_limit:
    per_minute: 6
    burst: 3
  max_consultation_depth: 3

escalation:
  poll_interval: 30s
  timeout: 4h
  watchdog_interval: 1m
  stale_after: 5m

store:
  append_retries: 5
  busy_timeout_ms: 5000

shutdown:
  grace: 20s

notify:
  channel: phaseline
  nats:
    subject_prefix: phaseline

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret_env: PHASELINE_JWT_SECRET

git:
  dir: .
  remote: origin
  attempts: 3

auth:
  roles:
    operator:
      description: "Full control over workflows"
      permissions: [workflow.read, workflow.run, workflow.respond, workflow.wake, workflow.restart, agent.consult, apikey.manage]
    agent:
      description: "Agents consulting each other"
      permissions: [workflow.read, agent.consult]
    responder:
      description: "Humans answering escalations"
      permissions: [workflow.read, workflow.respond]
    viewer:
      description: "Read-only access"
      permissions: [workflow.read]
`
