package flowrunner

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/qflow/engine"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/sandbox"
)

// runnerSchema defines the configuration schema.
var runnerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the flow-runner component.
type Config struct {
	// StreamName is the JetStream stream carrying command messages.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name. Instances sharing it
	// load-balance commands between them.
	ConsumerName string `json:"consumer_name"`

	// EventStream is the stream carrying lifecycle events; the runner
	// follows degradation transitions published there.
	EventStream string `json:"event_stream"`

	// NodeID identifies this node in the membership directory. Empty
	// means the hostname.
	NodeID string `json:"node_id,omitempty"`

	// Capabilities this node advertises for step assignment.
	Capabilities []string `json:"capabilities,omitempty"`

	// DAOSubnets this node participates in.
	DAOSubnets []string `json:"dao_subnets,omitempty"`

	// MaxConcurrentSteps bounds in-flight steps across all executions.
	MaxConcurrentSteps int `json:"max_concurrent_steps,omitempty"`

	// Workers is the number of scheduler goroutines.
	Workers int `json:"workers,omitempty"`

	// StepTimeout applies to steps that declare none.
	StepTimeout time.Duration `json:"step_timeout,omitempty"`

	// FailureStrategy is "continue-on-error" or "fail-fast".
	FailureStrategy string `json:"failure_strategy,omitempty"`

	// DefaultIsolation applies to executions that do not name an
	// isolation level.
	DefaultIsolation string `json:"default_isolation,omitempty"`

	// ScratchDir roots per-sandbox scratch space.
	ScratchDir string `json:"scratch_dir,omitempty"`

	// DataDir roots per-execution ledger and manifest directories.
	DataDir string `json:"data_dir,omitempty"`

	// MaxModuleBytes caps loadable WASM module size.
	MaxModuleBytes int64 `json:"max_module_bytes,omitempty"`

	// CacheMaxEntries and CacheTTL tune the signed validation cache.
	CacheMaxEntries int           `json:"cache_max_entries,omitempty"`
	CacheTTL        time.Duration `json:"cache_ttl,omitempty"`

	// WatchDir, when set, is scanned and watched for flow documents to
	// register automatically.
	WatchDir string `json:"watch_dir,omitempty"`

	// MetricsInterval is how often node metrics are published.
	MetricsInterval time.Duration `json:"metrics_interval"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:       events.CommandStream,
		ConsumerName:     "flow-runner",
		EventStream:      events.EventStream,
		Capabilities:     []string{"*"},
		DefaultIsolation: string(sandbox.IsolationModerate),
		MetricsInterval:  10 * time.Second,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "commands",
					Type:        "jetstream",
					Subject:     events.CommandPrefix + ".>",
					StreamName:  events.CommandStream,
					Description: "Flow and execution commands",
					Required:    true,
				},
				{
					Name:        "degradation-events",
					Type:        "jetstream",
					Subject:     events.TopicPrefix + ".degradation.>",
					StreamName:  events.EventStream,
					Description: "Degradation level transitions from the adaptive controller",
					Required:    false,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "lifecycle-events",
					Type:        "jetstream",
					Subject:     events.TopicPrefix + ".>",
					StreamName:  events.EventStream,
					Description: "Flow, execution, step, validation, and sandbox events",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.EventStream == "" {
		return fmt.Errorf("event_stream is required")
	}
	if c.MaxConcurrentSteps < 0 {
		return fmt.Errorf("max_concurrent_steps must not be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.StepTimeout < 0 {
		return fmt.Errorf("step_timeout must not be negative")
	}
	switch engine.FailureStrategy(c.FailureStrategy) {
	case "", engine.ContinueOnError, engine.FailFast:
	default:
		return fmt.Errorf("unknown failure_strategy %q", c.FailureStrategy)
	}
	if c.DefaultIsolation != "" && !sandbox.ValidIsolationLevel(sandbox.IsolationLevel(c.DefaultIsolation)) {
		return fmt.Errorf("unknown default_isolation %q", c.DefaultIsolation)
	}
	if c.MaxModuleBytes < 0 {
		return fmt.Errorf("max_module_bytes must not be negative")
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("cache_max_entries must not be negative")
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics_interval must be positive")
	}
	return nil
}
