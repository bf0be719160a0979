// Package sandbox provisions ephemeral execution environments, runs commands
// inside them through whichever execution API the backend exposes, and
// guarantees teardown.
package sandbox

import (
	"context"
	"os"
	"time"
)

// Backend provisions and destroys sandboxes.
//
// Contract:
//   - Create returns an Instance whose command-execution capabilities are
//     discovered by the Driver through type assertions.
//   - Kill must tolerate sandboxes that are already gone.
type Backend interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (Instance, error)
	Kill(ctx context.Context, sandboxID string) error
}

// CreateRequest describes the sandbox to provision.
type CreateRequest struct {
	Template string
	Timeout  time.Duration
	Metadata map[string]string
}

// Instance is a provisioned sandbox.
type Instance interface {
	ID() string
	// Host returns the externally reachable base URL for a port inside the sandbox.
	Host(ctx context.Context, port int) (string, error)
}

// Capability names one of the command-execution APIs a sandbox may expose.
type Capability string

const (
	CapabilitySpawn   Capability = "spawn"
	CapabilityProcess Capability = "process"
	CapabilityExec    Capability = "exec"
	CapabilityScript  Capability = "script"
)

// CapabilityReporter is implemented by instances whose concrete type carries
// every capability method but whose backend only enables a subset.
type CapabilityReporter interface {
	Supports(c Capability) bool
}

// OutputFunc receives one chunk of streamed output.
type OutputFunc func(chunk string)

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	PID      int
}

// SpawnOptions configures a streaming spawn.
type SpawnOptions struct {
	Env        map[string]string
	Background bool
	OnStdout   OutputFunc
	OnStderr   OutputFunc
}

// Spawner is the preferred capability: asynchronous execution with live
// stdout/stderr callbacks.
type Spawner interface {
	Spawn(ctx context.Context, command string, opts SpawnOptions) (*ExecResult, error)
}

// Process is a handle on a command started through a ProcessStarter.
type Process interface {
	PID() int
	Wait(ctx context.Context) (*ExecResult, error)
}

// ProcessStarter starts a process and lets the caller wait on it.
type ProcessStarter interface {
	StartProcess(ctx context.Context, command string, env map[string]string) (Process, error)
}

// Execer runs a command to completion in one call.
type Execer interface {
	Exec(ctx context.Context, command string, env map[string]string) (*ExecResult, error)
}

// FileRunner writes files into the sandbox and runs them.
type FileRunner interface {
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	RunFile(ctx context.Context, path string) (*ExecResult, error)
}
