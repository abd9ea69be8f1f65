package ledgerarchiver

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/qflow/events"
)

// archiverSchema defines the configuration schema.
var archiverSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the ledger-archiver component.
type Config struct {
	// EventStream is the JetStream stream carrying lifecycle events.
	// The archiver follows terminal execution events published there.
	EventStream string `json:"event_stream"`

	// NodeID identifies this node. Ledger records live in each node's
	// execution directory, so the archiver runs one consumer per node
	// and archives only the executions it holds locally. Empty means
	// the hostname.
	NodeID string `json:"node_id,omitempty"`

	// DataDir roots the per-execution ledger directories to archive
	// from.
	DataDir string `json:"data_dir"`

	// RemoveAfterArchive removes the local execution directory once
	// its archive is stored and referenced.
	RemoveAfterArchive bool `json:"remove_after_archive,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		EventStream: events.EventStream,
		DataDir:     "/tmp/qflow-data",
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "terminal-events",
					Type:        "jetstream",
					Subject:     events.TopicPrefix + ".exec.>",
					StreamName:  events.EventStream,
					Description: "Execution completion, failure, and abort events",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.EventStream == "" {
		return fmt.Errorf("event_stream is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}
