// Package model wraps chat-completion providers behind a single interface
// used for replies and tool-result summaries.
package model

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrEmptyResponse is returned when a provider answers without text.
	ErrEmptyResponse = errors.New("model: empty response")
	// ErrNotConfigured is returned by Offline.
	ErrNotConfigured = errors.New("model: no provider configured")
)

// Message is one conversational turn.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Request is a single completion request.
type Request struct {
	System      string
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is a completed assistant message.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// Model issues completions. Implementations are safe for concurrent use.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (*Response, error)

func (f ModelFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Text runs a one-shot completion and returns the trimmed reply.
func Text(ctx context.Context, m Model, system, prompt string) (string, error) {
	if m == nil {
		return "", ErrNotConfigured
	}
	resp, err := m.Complete(ctx, Request{
		System:   system,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// Offline stands in when no provider is configured. Every call fails with
// ErrNotConfigured so callers can fall back to non-model behaviour.
type Offline struct{}

func (Offline) Complete(context.Context, Request) (*Response, error) {
	return nil, ErrNotConfigured
}
