package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed install or lookup input.
	ErrValidation = errors.New("mcp: validation failed")
	// ErrDefinitionNotFound is returned for unknown server definitions.
	ErrDefinitionNotFound = errors.New("mcp: server definition not found")
	// ErrConnectionNotFound is returned for unknown connections.
	ErrConnectionNotFound = errors.New("mcp: connection not found")
	// ErrNotRunning is returned when invoking tools on a connection that is not running.
	ErrNotRunning = errors.New("mcp: connection is not running")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ToolResolutionError reports that no running connection of the tenant
// matches the requested server.
type ToolResolutionError struct {
	Server   string
	TenantID string
}

func (e *ToolResolutionError) Error() string {
	return fmt.Sprintf("mcp: no running server %q for tenant %s", e.Server, e.TenantID)
}

// InstallError wraps a failed deployment. ConnectionID is set when a
// connection record was created and left in the error state.
type InstallError struct {
	ConnectionID string
	// Message is the credential-redacted failure description.
	Message string
	Err     error
}

func (e *InstallError) Error() string {
	if e.ConnectionID != "" {
		return fmt.Sprintf("mcp: install failed (connection %s): %s", e.ConnectionID, e.Message)
	}
	return "mcp: install failed: " + e.Message
}

func (e *InstallError) Unwrap() error { return e.Err }
