package ledgerarchiver

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the ledger-archiver component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "ledger-archiver",
		Factory:     NewComponent,
		Schema:      archiverSchema,
		Type:        "processor",
		Protocol:    "qflow",
		Domain:      "automation",
		Description: "Archives finished execution ledgers to the content-addressed blob store",
		Version:     "0.1.0",
	})
}
