package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNoExecutionCapability is returned when a sandbox exposes none of the
	// supported command-execution APIs. It is fatal for that sandbox.
	ErrNoExecutionCapability = errors.New("sandbox: no execution capability")
	// ErrReadinessTimeout is returned when a started service never answered 2xx.
	ErrReadinessTimeout = errors.New("sandbox: readiness timeout")
	// ErrBackendRequired is returned by NewDriver without a backend.
	ErrBackendRequired = errors.New("sandbox: backend is required")
	// ErrTornDown is returned when a command targets a destroyed sandbox.
	ErrTornDown = errors.New("sandbox: already torn down")
)

// Stage identifies which driver step failed.
type Stage string

const (
	StageCreate  Stage = "create"
	StageInstall Stage = "install"
	StageStart   Stage = "start"
	StageRun     Stage = "run"
)

// ProvisioningError reports a sandbox creation, install, or start failure.
type ProvisioningError struct {
	Stage     Stage
	SandboxID string
	ExitCode  int
	Err       error
}

func (e *ProvisioningError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("sandbox: %s failed", e.Stage)
	if e.SandboxID != "" {
		msg += " (sandbox " + e.SandboxID + ")"
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProvisioningError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsFatal reports whether err must not be retried against the same backend.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoExecutionCapability)
}
