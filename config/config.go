// Package config provides configuration loading and management for qflow
// nodes.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/qflow/qerr"
)

// Config represents the complete configuration of one qflow node
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	NATS      NATSConfig      `yaml:"nats"`
	Engine    EngineConfig    `yaml:"engine"`
	Cache     CacheConfig     `yaml:"cache"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Control   ControlConfig   `yaml:"control"`
	Streaming StreamingConfig `yaml:"streaming"`
}

// NodeConfig identifies this node in the mesh
type NodeConfig struct {
	// ID is the node identifier (hostname when empty)
	ID string `yaml:"id"`
	// Capabilities tags the step kinds this node accepts (empty = all)
	Capabilities []string `yaml:"capabilities"`
	// DAOSubnets lists the DAO subnets this node serves
	DAOSubnets []string `yaml:"dao_subnets"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server
	Embedded bool `yaml:"embedded"`
}

// EngineConfig tunes the execution engine
type EngineConfig struct {
	// MaxConcurrentSteps bounds in-flight steps across all executions
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`
	// TimeoutMs is the default timeout in milliseconds for steps that
	// declare none
	TimeoutMs int `yaml:"timeout_ms"`
	// RetryAttempts is the default retry budget per step
	RetryAttempts int `yaml:"retry_attempts"`
	// FailureStrategy is "continue-on-error" or "fail-fast"
	FailureStrategy string `yaml:"failure_strategy"`
	// ResourceAllocation picks the worker sizing profile: "balanced",
	// "aggressive", or "conservative"
	ResourceAllocation string `yaml:"resource_allocation"`
}

// CacheConfig tunes the signed validation cache
type CacheConfig struct {
	// MaxEntries caps the number of cached layer results
	MaxEntries int `yaml:"max_entries"`
	// DefaultTTL applies to entries whose layer sets none
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// EvictionStrategy is "lru" or "lfu"
	EvictionStrategy string `yaml:"eviction_strategy"`
	// CleanupInterval is how often expired entries are swept
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SandboxConfig tunes sandbox provisioning and module scanning
type SandboxConfig struct {
	// ScratchDir is the base directory for per-sandbox scratch space
	ScratchDir string `yaml:"scratch_dir"`
	// DefaultIsolation applies to executions that request none:
	// "strict", "moderate", or "permissive"
	DefaultIsolation string `yaml:"default_isolation"`
	// MaxModuleBytes caps the size of loadable WASM modules
	MaxModuleBytes int64 `yaml:"max_module_bytes"`
}

// ControlConfig tunes the adaptive control plane
type ControlConfig struct {
	// SampleInterval drives the coordinator's control cycle
	SampleInterval time.Duration `yaml:"sample_interval"`
	// ActionCooldown is the minimum gap between scheduled actions of
	// the same kind
	ActionCooldown time.Duration `yaml:"action_cooldown"`
	// MaxConcurrentActions bounds adaptive actions in flight
	MaxConcurrentActions int `yaml:"max_concurrent_actions"`
	// PauseBurnThreshold is the burn rate at which low-priority
	// executions start pausing (0 = built-in default)
	PauseBurnThreshold float64 `yaml:"pause_burn_threshold"`
	// RerouteBurnThreshold is the burn rate at which work reroutes off
	// hot nodes (0 = built-in default)
	RerouteBurnThreshold float64 `yaml:"reroute_burn_threshold"`
}

// StreamingConfig tunes live execution status streaming
type StreamingConfig struct {
	// UpdateInterval is how often execution snapshots are pushed
	UpdateInterval time.Duration `yaml:"update_interval"`
	// HeartbeatInterval keeps idle subscriptions alive
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MaxClients bounds concurrent status subscribers
	MaxClients int `yaml:"max_clients"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID: "", // Hostname
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Engine: EngineConfig{
			MaxConcurrentSteps: 8,
			TimeoutMs:          300_000,
			RetryAttempts:      3,
			FailureStrategy:    "continue-on-error",
			ResourceAllocation: "balanced",
		},
		Cache: CacheConfig{
			MaxEntries:       10000,
			DefaultTTL:       5 * time.Minute,
			EvictionStrategy: "lru",
			CleanupInterval:  time.Minute,
		},
		Sandbox: SandboxConfig{
			ScratchDir:       "", // Supervisor default
			DefaultIsolation: "moderate",
			MaxModuleBytes:   10 << 20,
		},
		Control: ControlConfig{
			SampleInterval:       10 * time.Second,
			ActionCooldown:       30 * time.Second,
			MaxConcurrentActions: 4,
		},
		Streaming: StreamingConfig{
			UpdateInterval:    2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxClients:        64,
		},
	}
}

// Workers returns the scheduler worker count for the allocation
// profile: aggressive sizes workers to the step bound, conservative
// quarters it, balanced (or zero) keeps the engine default.
func (c EngineConfig) Workers() int {
	steps := c.MaxConcurrentSteps
	if steps <= 0 {
		steps = 8
	}
	switch c.ResourceAllocation {
	case "aggressive":
		return steps
	case "conservative":
		w := steps / 4
		if w < 1 {
			w = 1
		}
		return w
	default:
		return 0
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentSteps < 0 {
		return qerr.New(qerr.KindInvalidType, "engine.max_concurrent_steps must not be negative")
	}
	if c.Engine.TimeoutMs < 0 {
		return qerr.New(qerr.KindInvalidType, "engine.timeout_ms must not be negative")
	}
	if c.Engine.RetryAttempts < 0 {
		return qerr.New(qerr.KindInvalidType, "engine.retry_attempts must not be negative")
	}
	switch c.Engine.FailureStrategy {
	case "", "continue-on-error", "fail-fast":
	default:
		return qerr.Newf(qerr.KindInvalidType,
			"engine.failure_strategy must be continue-on-error or fail-fast, got %q", c.Engine.FailureStrategy)
	}
	switch c.Engine.ResourceAllocation {
	case "", "balanced", "aggressive", "conservative":
	default:
		return qerr.Newf(qerr.KindInvalidType,
			"engine.resource_allocation must be balanced, aggressive, or conservative, got %q", c.Engine.ResourceAllocation)
	}
	if c.Cache.MaxEntries < 0 {
		return qerr.New(qerr.KindInvalidType, "cache.max_entries must not be negative")
	}
	switch c.Cache.EvictionStrategy {
	case "", "lru", "lfu":
	default:
		return qerr.Newf(qerr.KindInvalidType,
			"cache.eviction_strategy must be lru or lfu, got %q", c.Cache.EvictionStrategy)
	}
	switch c.Sandbox.DefaultIsolation {
	case "", "strict", "moderate", "permissive":
	default:
		return qerr.Newf(qerr.KindInvalidType,
			"sandbox.default_isolation must be strict, moderate, or permissive, got %q", c.Sandbox.DefaultIsolation)
	}
	if c.Sandbox.MaxModuleBytes < 0 {
		return qerr.New(qerr.KindInvalidType, "sandbox.max_module_bytes must not be negative")
	}
	if c.Control.PauseBurnThreshold < 0 || c.Control.PauseBurnThreshold > 1 {
		return qerr.New(qerr.KindInvalidType, "control.pause_burn_threshold must be between 0 and 1")
	}
	if c.Control.RerouteBurnThreshold < 0 || c.Control.RerouteBurnThreshold > 1 {
		return qerr.New(qerr.KindInvalidType, "control.reroute_burn_threshold must be between 0 and 1")
	}
	if c.Streaming.MaxClients < 0 {
		return qerr.New(qerr.KindInvalidType, "streaming.max_clients must not be negative")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return qerr.New(qerr.KindRequiredField, "nats.url is required when the embedded server is disabled")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. ${VAR} references
// are substituted from the environment before parsing. The result holds
// only the values present in the file; merge it over DefaultConfig for
// a complete configuration.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindResourceUnavailable, "read config file", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), config); err != nil {
		return nil, qerr.Wrap(qerr.KindParse, "parse config file", err)
	}

	return config, nil
}

// envPattern matches ${VAR} references. Bare $VAR stays untouched so
// dollar signs in YAML scalars survive.
var envPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return qerr.Wrap(qerr.KindResourceUnavailable, "create config directory", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return qerr.Wrap(qerr.KindFatal, "marshal config", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return qerr.Wrap(qerr.KindResourceUnavailable, "write config file", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence
// for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Node
	if other.Node.ID != "" {
		c.Node.ID = other.Node.ID
	}
	if len(other.Node.Capabilities) > 0 {
		c.Node.Capabilities = other.Node.Capabilities
	}
	if len(other.Node.DAOSubnets) > 0 {
		c.Node.DAOSubnets = other.Node.DAOSubnets
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Engine
	if other.Engine.MaxConcurrentSteps != 0 {
		c.Engine.MaxConcurrentSteps = other.Engine.MaxConcurrentSteps
	}
	if other.Engine.TimeoutMs != 0 {
		c.Engine.TimeoutMs = other.Engine.TimeoutMs
	}
	if other.Engine.RetryAttempts != 0 {
		c.Engine.RetryAttempts = other.Engine.RetryAttempts
	}
	if other.Engine.FailureStrategy != "" {
		c.Engine.FailureStrategy = other.Engine.FailureStrategy
	}
	if other.Engine.ResourceAllocation != "" {
		c.Engine.ResourceAllocation = other.Engine.ResourceAllocation
	}

	// Cache
	if other.Cache.MaxEntries != 0 {
		c.Cache.MaxEntries = other.Cache.MaxEntries
	}
	if other.Cache.DefaultTTL != 0 {
		c.Cache.DefaultTTL = other.Cache.DefaultTTL
	}
	if other.Cache.EvictionStrategy != "" {
		c.Cache.EvictionStrategy = other.Cache.EvictionStrategy
	}
	if other.Cache.CleanupInterval != 0 {
		c.Cache.CleanupInterval = other.Cache.CleanupInterval
	}

	// Sandbox
	if other.Sandbox.ScratchDir != "" {
		c.Sandbox.ScratchDir = other.Sandbox.ScratchDir
	}
	if other.Sandbox.DefaultIsolation != "" {
		c.Sandbox.DefaultIsolation = other.Sandbox.DefaultIsolation
	}
	if other.Sandbox.MaxModuleBytes != 0 {
		c.Sandbox.MaxModuleBytes = other.Sandbox.MaxModuleBytes
	}

	// Control
	if other.Control.SampleInterval != 0 {
		c.Control.SampleInterval = other.Control.SampleInterval
	}
	if other.Control.ActionCooldown != 0 {
		c.Control.ActionCooldown = other.Control.ActionCooldown
	}
	if other.Control.MaxConcurrentActions != 0 {
		c.Control.MaxConcurrentActions = other.Control.MaxConcurrentActions
	}
	if other.Control.PauseBurnThreshold != 0 {
		c.Control.PauseBurnThreshold = other.Control.PauseBurnThreshold
	}
	if other.Control.RerouteBurnThreshold != 0 {
		c.Control.RerouteBurnThreshold = other.Control.RerouteBurnThreshold
	}

	// Streaming
	if other.Streaming.UpdateInterval != 0 {
		c.Streaming.UpdateInterval = other.Streaming.UpdateInterval
	}
	if other.Streaming.HeartbeatInterval != 0 {
		c.Streaming.HeartbeatInterval = other.Streaming.HeartbeatInterval
	}
	if other.Streaming.MaxClients != 0 {
		c.Streaming.MaxClients = other.Streaming.MaxClients
	}
}
