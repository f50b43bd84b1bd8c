package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models claimline.yml.
type Config struct {
	Service struct {
		ID        string `yaml:"id"`
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"service"`
	Claims struct {
		IDPrefixes []string `yaml:"id_prefixes"`
	} `yaml:"claims"`
	Gateway struct {
		Kind     string        `yaml:"kind"`
		URL      string        `yaml:"url"`
		Timeout  time.Duration `yaml:"timeout"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"gateway"`
	Evaluators struct {
		Coverage EvaluatorConfig `yaml:"coverage"`
		Document EvaluatorConfig `yaml:"document"`
		Intake   EvaluatorConfig `yaml:"intake"`
	} `yaml:"evaluators"`
	Workflow struct {
		StageTimeout          time.Duration `yaml:"stage_timeout"`
		PipelineTimeout       time.Duration `yaml:"pipeline_timeout"`
		MinDocumentConfidence float64       `yaml:"min_document_confidence"`
	} `yaml:"workflow"`
	Storage struct {
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"storage"`
	Sessions struct {
		Store     string        `yaml:"store"`
		RedisAddr string        `yaml:"redis_addr"`
		RedisDB   int           `yaml:"redis_db"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"sessions"`
	Observers struct {
		QueueSize int             `yaml:"queue_size"`
		Timeout   time.Duration   `yaml:"timeout"`
		Stream    bool            `yaml:"stream"`
		Webhooks  []WebhookConfig `yaml:"webhooks"`
	} `yaml:"observers"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

type EvaluatorConfig struct {
	URL           string        `yaml:"url"`
	Task          string        `yaml:"task"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Enabled *bool    `yaml:"enabled"`
	Events  []string `yaml:"events"`
}

// Evaluator returns the endpoint config for a pipeline stage name.
func (c *Config) Evaluator(stage string) (EvaluatorConfig, bool) {
	switch stage {
	case "coverage":
		return c.Evaluators.Coverage, true
	case "document":
		return c.Evaluators.Document, true
	case "intake":
		return c.Evaluators.Intake, true
	}
	return EvaluatorConfig{}, false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	switch c.Gateway.Kind {
	case "sqlite":
	case "http":
		if strings.TrimSpace(c.Gateway.URL) == "" {
			return fmt.Errorf("config.gateway.url is required for http gateway")
		}
	default:
		return fmt.Errorf("config.gateway.kind must be 'sqlite' or 'http'")
	}
	switch c.Sessions.Store {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(c.Sessions.RedisAddr) == "" {
			return fmt.Errorf("config.sessions.redis_addr is required for redis session store")
		}
	default:
		return fmt.Errorf("config.sessions.store must be 'sqlite' or 'redis'")
	}
	if c.Workflow.StageTimeout <= 0 {
		return fmt.Errorf("config.workflow.stage_timeout must be positive")
	}
	if c.Workflow.PipelineTimeout < c.Workflow.StageTimeout {
		return fmt.Errorf("config.workflow.pipeline_timeout must be at least stage_timeout")
	}
	if c.Workflow.MinDocumentConfidence < 0 || c.Workflow.MinDocumentConfidence > 1 {
		return fmt.Errorf("config.workflow.min_document_confidence must be within [0,1]")
	}
	for _, stage := range []string{"coverage", "document", "intake"} {
		ev, _ := c.Evaluator(stage)
		if ev.RatePerSecond < 0 || ev.Burst < 0 {
			return fmt.Errorf("evaluator %s has negative rate limit", stage)
		}
		if ev.Timeout < 0 {
			return fmt.Errorf("evaluator %s has negative timeout", stage)
		}
	}
	for i, hook := range c.Observers.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.observers.webhooks[%d].url is required", i)
		}
	}
	if c.Observers.QueueSize < 0 {
		return fmt.Errorf("config.observers.queue_size must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "claimline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(serviceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("claimline")
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

// ToYAML renders the config for display.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `service:
  id: %s
  addr: 127.0.0.1:8080
  base_path: /v0

claims:
  id_prefixes: [OP, IP]

gateway:
  kind: sqlite
  timeout: 10s
  cache_ttl: 30s

evaluators:
  coverage:
    url: http://127.0.0.1:8002/execute
    task: "Evaluate coverage rules and category limits for this claim"
    rate_per_second: 5
    burst: 5
  document:
    url: http://127.0.0.1:8003/execute
    task: "Validate supporting documents and extract patient fields"
    rate_per_second: 5
    burst: 5
  intake:
    url: http://127.0.0.1:8004/execute
    task: "Verify patient identity, amount and diagnosis against extracted fields"
    rate_per_second: 5
    burst: 5

workflow:
  stage_timeout: 20s
  pipeline_timeout: 60s
  min_document_confidence: 0.8

storage:
  write_timeout: 5s

sessions:
  store: sqlite
  ttl: 24h

observers:
  queue_size: 256
  timeout: 2s
  stream: true

log:
  level: info

metrics:
  enabled: true
`
