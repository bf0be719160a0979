// Package mcp manages tenant connections to MCP tool servers deployed inside
// sandboxes: definition catalog, install state machine, and tool invocation.
package mcp

import (
	"strings"
	"time"

	"github.com/cexll/sandboxchat/pkg/credentials"
)

// Row discriminators in the generic object store.
const (
	ObjectTypeServerDefinition = "mcp_server_definition"
	ObjectTypeConnection       = "mcp_connection"
)

// Status is the deployment state of a Connection.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
)

const (
	defaultEndpointPath = "/mcp"
	defaultHealthPath   = "/health"
)

// ServerDefinition describes how to install and start a tool server.
type ServerDefinition struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Template       string `json:"template,omitempty"`
	InstallCommand string `json:"installCommand,omitempty"`
	StartCommand   string `json:"startCommand"`
	Port           int    `json:"port"`
	// EndpointPath is where the server speaks streamable HTTP MCP.
	EndpointPath string `json:"endpointPath,omitempty"`
	// HealthPath is polled for readiness.
	HealthPath string `json:"healthPath,omitempty"`
	// TimeoutMS is the sandbox lifetime; zero uses the driver default.
	TimeoutMS           int64    `json:"timeoutMs,omitempty"`
	RequiredCredentials []string `json:"requiredCredentials,omitempty"`
}

// Timeout converts TimeoutMS.
func (d ServerDefinition) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

func (d ServerDefinition) endpointPath() string {
	return normalizePath(d.EndpointPath, defaultEndpointPath)
}

func (d ServerDefinition) healthPath() string {
	return normalizePath(d.HealthPath, defaultHealthPath)
}

func (d ServerDefinition) validate() error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return validationError("server definition id is required")
	case strings.TrimSpace(d.StartCommand) == "":
		return validationError("server definition %s has no start command", d.ID)
	case d.Port <= 0 || d.Port > 65535:
		return validationError("server definition %s has invalid port %d", d.ID, d.Port)
	}
	return nil
}

func normalizePath(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return fallback
	}
	if p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Connection binds a server definition to a tenant's sandbox deployment.
// Credentials hold sealed values at rest.
type Connection struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenant_id"`
	ServerDefinitionID string            `json:"server_definition_id"`
	Title              string            `json:"title"`
	Status             Status            `json:"mcp_status"`
	SandboxID          string            `json:"sandbox_id,omitempty"`
	ServerURL          string            `json:"server_url,omitempty"`
	Credentials        map[string]string `json:"credentials,omitempty"`
	LastError          string            `json:"last_error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Sanitized returns a copy safe to hand to clients.
func (c Connection) Sanitized() Connection {
	c.Credentials = credentials.Redact(c.Credentials)
	return c
}

// InstallRequest asks for a server definition to be deployed for a tenant.
type InstallRequest struct {
	ServerDefinitionID string            `json:"serverDefinitionId"`
	TenantID           string            `json:"tenantId"`
	Title              string            `json:"title"`
	Credentials        map[string]string `json:"credentials,omitempty"`
	TestMode           bool              `json:"testMode,omitempty"`
	// ConnectionID pre-assigns the persisted connection's ID. Callers
	// outside the process cannot set it.
	ConnectionID string `json:"-"`
}

// InstallResult is the outcome of a successful install or test.
type InstallResult struct {
	// Connection is set for persisted installs and is already sanitized.
	Connection *Connection `json:"connection,omitempty"`
	TestMode   bool        `json:"testMode,omitempty"`
	Message    string      `json:"message"`
}

// ToolInfo describes one tool exposed by a running server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolResult is the flattened outcome of a tool call.
type ToolResult struct {
	Text    string `json:"text"`
	IsError bool   `json:"isError,omitempty"`
}
