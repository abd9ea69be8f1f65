package flowrunner

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the flow-runner component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "flow-runner",
		Factory:     NewComponent,
		Schema:      runnerSchema,
		Type:        "processor",
		Protocol:    "qflow",
		Domain:      "automation",
		Description: "Executes automation flows with validated, ledger-backed, sandboxed steps",
		Version:     "0.1.0",
	})
}
