package model

import (
	"context"
	"errors"
	"net/http"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

type fakeMessages struct {
	newFn func(context.Context, anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error)
	calls int
}

func (f *fakeMessages) New(ctx context.Context, params anthropicsdk.MessageNewParams, _ ...option.RequestOption) (*anthropicsdk.Message, error) {
	f.calls++
	return f.newFn(ctx, params)
}

func TestAnthropicCompleteBuildsRequest(t *testing.T) {
	var seen anthropicsdk.MessageNewParams
	mock := &fakeMessages{newFn: func(_ context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
		seen = params
		msg := anthropicsdk.Message{
			Role: constant.Assistant("assistant"),
			Content: []anthropicsdk.ContentBlockUnion{
				{Type: "text", Text: "The command "},
				{Type: "text", Text: "printed hi."},
			},
			Usage: anthropicsdk.Usage{InputTokens: 10, OutputTokens: 3},
		}
		msg.StopReason = "end_turn"
		return &msg, nil
	}}
	m := &anthropicModel{msgs: mock, model: defaultAnthropicModel, maxTokens: 256}

	resp, err := m.Complete(context.Background(), Request{
		System: "Summarize tool output.",
		Messages: []Message{
			{Role: "system", Content: "extra"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
			{Role: "user", Content: ""},
		},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("complete returned error: %v", err)
	}
	if got := int(seen.MaxTokens); got != 64 {
		t.Fatalf("max tokens mismatch: %d", got)
	}
	if len(seen.System) != 2 {
		t.Fatalf("expected 2 system blocks, got %d", len(seen.System))
	}
	if len(seen.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(seen.Messages))
	}
	if resp.Message.Content != "The command printed hi." {
		t.Fatalf("content mismatch: %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 13 || resp.StopReason != "end_turn" {
		t.Fatalf("unexpected response metadata: %+v", resp)
	}
}

func TestAnthropicEmptyMessagesGetPlaceholder(t *testing.T) {
	_, msgs := convertMessages(nil)
	if len(msgs) != 1 {
		t.Fatalf("expected placeholder message, got %d", len(msgs))
	}
}

func TestAnthropicRetriesTransientErrors(t *testing.T) {
	mock := &fakeMessages{}
	mock.newFn = func(context.Context, anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
		if mock.calls == 1 {
			return nil, &anthropicsdk.Error{StatusCode: http.StatusServiceUnavailable}
		}
		return &anthropicsdk.Message{Content: []anthropicsdk.ContentBlockUnion{{Type: "text", Text: "ok"}}}, nil
	}
	m := &anthropicModel{msgs: mock, model: defaultAnthropicModel, maxTokens: 16, maxRetries: 2}
	resp, err := m.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if mock.calls != 2 || resp.Message.Content != "ok" {
		t.Fatalf("calls=%d resp=%+v", mock.calls, resp)
	}
}

func TestAnthropicDoesNotRetryClientErrors(t *testing.T) {
	unauthorized := &anthropicsdk.Error{StatusCode: http.StatusUnauthorized}
	mock := &fakeMessages{newFn: func(context.Context, anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
		return nil, unauthorized
	}}
	m := &anthropicModel{msgs: mock, model: defaultAnthropicModel, maxTokens: 16, maxRetries: 5}
	_, err := m.Complete(context.Background(), Request{})
	if !errors.Is(err, unauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if mock.calls != 1 {
		t.Fatalf("expected a single call, got %d", mock.calls)
	}
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Fatal("expected missing key error")
	}
	mdl, err := NewAnthropic(AnthropicConfig{APIKey: "k", Model: "unknown-model"})
	if err != nil {
		t.Fatalf("new anthropic: %v", err)
	}
	am := mdl.(*anthropicModel)
	if am.model != defaultAnthropicModel || am.maxTokens != 1024 || am.maxRetries != 3 {
		t.Fatalf("defaults not applied: %+v", am)
	}
}

func TestMapModelName(t *testing.T) {
	if got := mapModelName(string(anthropicsdk.ModelClaudeHaiku4_5)); got != anthropicsdk.ModelClaudeHaiku4_5 {
		t.Fatalf("known model remapped to %s", got)
	}
	if got := mapModelName(""); got != defaultAnthropicModel {
		t.Fatalf("empty name should use default, got %s", got)
	}
}
