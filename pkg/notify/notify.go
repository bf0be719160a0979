// Package notify delivers workflow results back to the session store.
// Delivery is best effort: failures are logged, never returned.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/sandboxchat/pkg/session"
)

// Callback paths served by the API and targeted by HTTPNotifier.
const (
	ResponsePath         = "/chat/callback/response"
	ExecutionStartedPath = "/chat/callback/execution-started"
)

// Response is a (possibly intermediate) reply for one session turn.
type Response struct {
	SessionID       string `json:"sessionId"`
	Turn            int    `json:"turn,omitempty"`
	Text            string `json:"text"`
	RequiresSandbox bool   `json:"requiresSandbox"`
	SandboxID       string `json:"sandboxId,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Update converts r into a session merge.
func (r Response) Update() session.Update {
	u := session.Update{
		Turn:            r.Turn,
		Outbound:        session.Ptr(r.Text),
		RequiresSandbox: session.Ptr(r.RequiresSandbox),
	}
	if r.SandboxID != "" {
		u.SandboxID = session.Ptr(r.SandboxID)
	}
	if r.Error != "" {
		u.Error = session.Ptr(r.Error)
	}
	return u
}

// ExecutionStarted signals that a sandbox began running work for a turn.
type ExecutionStarted struct {
	SessionID string `json:"sessionId"`
	Turn      int    `json:"turn,omitempty"`
	SandboxID string `json:"sandboxId"`
}

func (e ExecutionStarted) Update() session.Update {
	u := session.Update{Turn: e.Turn, ExecutionStarted: true}
	if e.SandboxID != "" {
		u.SandboxID = session.Ptr(e.SandboxID)
	}
	return u
}

// Notifier pushes results toward the session store.
type Notifier interface {
	NotifyResponse(ctx context.Context, r Response)
	NotifyExecutionStarted(ctx context.Context, e ExecutionStarted)
}

// DeliveryError describes a failed notification. It is only ever logged.
type DeliveryError struct {
	Kind       string
	SessionID  string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "notify: %s delivery for session %s failed", e.Kind, e.SessionID)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " with status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ApplyResponse merges r into the store. The API callback handler and
// Direct share it.
func ApplyResponse(store *session.Store, r Response) (session.Session, error) {
	return store.Merge(r.SessionID, r.Update())
}

// ApplyExecutionStarted merges e into the store.
func ApplyExecutionStarted(store *session.Store, e ExecutionStarted) (session.Session, error) {
	return store.Merge(e.SessionID, e.Update())
}
