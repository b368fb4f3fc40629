package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models foreman.yml.
type Config struct {
	Coordinator struct {
		ActorID string `yaml:"actor_id"`
	} `yaml:"coordinator"`
	WorkerPools []WorkerPool  `yaml:"worker_pools"`
	Routing     RoutingConfig `yaml:"routing"`
	Dispatch    Dispatch      `yaml:"dispatch"`
	Server      Server        `yaml:"server"`
	Log         Log           `yaml:"log"`
}

// WorkerPool is a named group of workers accepting issues of certain types.
// MaxConcurrent is recorded but not enforced.
type WorkerPool struct {
	Name            string   `yaml:"name"`
	WorkerReference string   `yaml:"worker_reference"`
	RouteTypes      []string `yaml:"route_types,omitempty"`
	MaxConcurrent   int      `yaml:"max_concurrent,omitempty"`
}

// RoutingConfig is the ordered rule list plus a default pool.
type RoutingConfig struct {
	Rules       []RoutingRule `yaml:"rules,omitempty"`
	DefaultPool string        `yaml:"default_pool,omitempty"`
}

// RoutingRule binds one predicate to a target pool. Exactly one predicate
// form must be set: if_metadata_type, or if_status with and_retry_count_gte.
type RoutingRule struct {
	IfMetadataType   []string `yaml:"if_metadata_type,omitempty"`
	IfStatus         string   `yaml:"if_status,omitempty"`
	AndRetryCountGTE int      `yaml:"and_retry_count_gte,omitempty"`
	ThenPool         string   `yaml:"then_pool"`
}

// Dispatch configures the worker-executor HTTP endpoint.
type Dispatch struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// Server configures the HTTP API.
type Server struct {
	Addr      string `yaml:"addr,omitempty"`
	BasePath  string `yaml:"base_path,omitempty"`
	Token     string `yaml:"token,omitempty"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// Log configures structured logging.
type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if no file exists in the workspace.
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	pools := map[string]bool{}
	for i, pool := range c.WorkerPools {
		if pool.Name == "" {
			return fmt.Errorf("worker_pools[%d].name is required", i)
		}
		if pools[pool.Name] {
			return fmt.Errorf("worker pool %s defined twice", pool.Name)
		}
		pools[pool.Name] = true
		if pool.WorkerReference == "" {
			return fmt.Errorf("worker pool %s missing worker_reference", pool.Name)
		}
		for _, rt := range pool.RouteTypes {
			if rt == "" {
				return fmt.Errorf("worker pool %s has empty route type", pool.Name)
			}
		}
		if pool.MaxConcurrent < 0 {
			return fmt.Errorf("worker pool %s has negative max_concurrent", pool.Name)
		}
	}
	for i, rule := range c.Routing.Rules {
		hasType := len(rule.IfMetadataType) > 0
		hasStatus := rule.IfStatus != ""
		if hasType == hasStatus {
			return fmt.Errorf("routing.rules[%d] must set exactly one of if_metadata_type or if_status", i)
		}
		if hasStatus {
			if rule.IfStatus != "blocked" {
				return fmt.Errorf("routing.rules[%d]: if_status only supports 'blocked'", i)
			}
			if rule.AndRetryCountGTE < 0 {
				return fmt.Errorf("routing.rules[%d]: and_retry_count_gte must be >= 0", i)
			}
		}
		for _, t := range rule.IfMetadataType {
			if t == "" {
				return fmt.Errorf("routing.rules[%d] has empty metadata type", i)
			}
		}
		if rule.ThenPool == "" {
			return fmt.Errorf("routing.rules[%d] missing then_pool", i)
		}
		if len(pools) > 0 && !pools[rule.ThenPool] {
			return fmt.Errorf("routing.rules[%d] targets unknown pool %s", i, rule.ThenPool)
		}
	}
	if c.Routing.DefaultPool != "" && len(pools) > 0 && !pools[c.Routing.DefaultPool] {
		return fmt.Errorf("routing.default_pool %s not defined", c.Routing.DefaultPool)
	}
	if c.Dispatch.TimeoutSeconds < 0 {
		return fmt.Errorf("dispatch.timeout_seconds must be >= 0")
	}
	return nil
}

// PoolByName returns the worker pool config with the given name.
func (c *Config) PoolByName(name string) (WorkerPool, bool) {
	for _, pool := range c.WorkerPools {
		if pool.Name == name {
			return pool, true
		}
	}
	return WorkerPool{}, false
}

// ActorID returns the coordinator's actor identifier.
func (c *Config) ActorID() string {
	if c.Coordinator.ActorID != "" {
		return c.Coordinator.ActorID
	}
	return "foreman"
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "foreman.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `coordinator:
  actor_id: foreman

worker_pools:
  - name: coding-pool
    worker_reference: workers/coding
    route_types: [task, feature, bug, chore, coding]
    max_concurrent: 3
  - name: research-pool
    worker_reference: workers/research
    route_types: [research, docs, design]
    max_concurrent: 2
  - name: testing-pool
    worker_reference: workers/testing
    route_types: [testing]
    max_concurrent: 2
  - name: escalation-pool
    worker_reference: workers/escalation
    max_concurrent: 1

routing:
  rules:
    - if_status: blocked
      and_retry_count_gte: 2
      then_pool: escalation-pool
    - if_metadata_type: [task, feature, bug, chore, coding]
      then_pool: coding-pool
    - if_metadata_type: [research, docs, design]
      then_pool: research-pool
    - if_metadata_type: [testing]
      then_pool: testing-pool
  default_pool: coding-pool

dispatch:
  base_url: http://127.0.0.1:8711
  timeout_seconds: 10

server:
  addr: 127.0.0.1:8710
  base_path: /v0

log:
  level: info
  format: console
`
