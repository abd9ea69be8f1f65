package adaptivecontroller

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/storage"
)

// controllerSchema defines the configuration schema.
var controllerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the adaptive-controller component.
type Config struct {
	// EventStream is the JetStream stream carrying lifecycle events.
	// The controller follows node metrics published there and counts
	// cluster activity for its Prometheus registry.
	EventStream string `json:"event_stream"`

	// CommandStream is the stream the controller publishes pause and
	// resume commands to when cost actions shed load.
	CommandStream string `json:"command_stream"`

	// NodeID identifies this controller instance. Empty means the
	// hostname.
	NodeID string `json:"node_id,omitempty"`

	// SampleInterval drives the control cycle.
	SampleInterval time.Duration `json:"sample_interval,omitempty"`

	// NodeStaleAfter is how long a node's metrics report stays part of
	// the cluster snapshot. Nodes silent longer than this drop out.
	NodeStaleAfter time.Duration `json:"node_stale_after,omitempty"`

	// MaxConcurrentActions bounds scheduled adaptive actions in flight.
	MaxConcurrentActions int `json:"max_concurrent_actions,omitempty"`

	// ActionCooldown is the minimum gap between scheduled actions of
	// the same kind.
	ActionCooldown time.Duration `json:"action_cooldown,omitempty"`

	// EscalationCooldown and DeEscalationDelay tune the degradation
	// ladder; OverrideWindow bounds manual overrides.
	EscalationCooldown time.Duration `json:"escalation_cooldown,omitempty"`
	DeEscalationDelay  time.Duration `json:"de_escalation_delay,omitempty"`
	OverrideWindow     time.Duration `json:"override_window,omitempty"`

	// PauseBurnThreshold, DeferBurnThreshold, and RerouteBurnThreshold
	// set the burn rates at which the three cost actions engage. Zero
	// means the control-plane defaults.
	PauseBurnThreshold   float64 `json:"pause_burn_threshold,omitempty"`
	DeferBurnThreshold   float64 `json:"defer_burn_threshold,omitempty"`
	RerouteBurnThreshold float64 `json:"reroute_burn_threshold,omitempty"`

	// OverrideBucket is the KV bucket watched for manual degradation
	// overrides; OverrideKey is the key within it.
	OverrideBucket string `json:"override_bucket,omitempty"`
	OverrideKey    string `json:"override_key,omitempty"`

	// MetricsAddr, when set, serves the Prometheus registry over HTTP
	// (for example ":9100").
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		EventStream:    events.EventStream,
		CommandStream:  events.CommandStream,
		SampleInterval: 10 * time.Second,
		NodeStaleAfter: 45 * time.Second,
		OverrideBucket: storage.BucketControl,
		OverrideKey:    "degradation_override",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "lifecycle-events",
					Type:        "jetstream",
					Subject:     events.TopicPrefix + ".>",
					StreamName:  events.EventStream,
					Description: "Node metrics and lifecycle events from flow runners",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "control-events",
					Type:        "jetstream",
					Subject:     events.TopicPrefix + ".>",
					StreamName:  events.EventStream,
					Description: "Burn rate, degradation, scaling, and optimizer events",
					Required:    true,
				},
				{
					Name:        "commands",
					Type:        "jetstream",
					Subject:     events.CommandPrefix + ".>",
					StreamName:  events.CommandStream,
					Description: "Pause and resume commands issued by cost actions",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.EventStream == "" {
		return fmt.Errorf("event_stream is required")
	}
	if c.CommandStream == "" {
		return fmt.Errorf("command_stream is required")
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be positive")
	}
	if c.NodeStaleAfter <= 0 {
		return fmt.Errorf("node_stale_after must be positive")
	}
	if c.MaxConcurrentActions < 0 {
		return fmt.Errorf("max_concurrent_actions must not be negative")
	}
	for name, v := range map[string]time.Duration{
		"action_cooldown":     c.ActionCooldown,
		"escalation_cooldown": c.EscalationCooldown,
		"de_escalation_delay": c.DeEscalationDelay,
		"override_window":     c.OverrideWindow,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	for name, v := range map[string]float64{
		"pause_burn_threshold":   c.PauseBurnThreshold,
		"defer_burn_threshold":   c.DeferBurnThreshold,
		"reroute_burn_threshold": c.RerouteBurnThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
	}
	if c.OverrideBucket == "" {
		return fmt.Errorf("override_bucket is required")
	}
	if c.OverrideKey == "" {
		return fmt.Errorf("override_key is required")
	}
	return nil
}
