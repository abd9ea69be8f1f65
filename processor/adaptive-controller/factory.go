package adaptivecontroller

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the adaptive-controller component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "adaptive-controller",
		Factory:     NewComponent,
		Schema:      controllerSchema,
		Type:        "processor",
		Protocol:    "qflow",
		Domain:      "automation",
		Description: "Runs the adaptive control plane: burn rate, degradation, scaling, optimization",
		Version:     "0.1.0",
	})
}
