package model

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// AnthropicConfig wires a plain anthropic-sdk-go client into the Model interface.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	Temperature *float64
	HTTPClient  *http.Client
}

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

type anthropicModel struct {
	msgs        anthropicMessages
	model       anthropicsdk.Model
	maxTokens   int
	maxRetries  int
	temperature *float64
}

// NewAnthropic constructs an Anthropic-backed Model.
func NewAnthropic(cfg AnthropicConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := anthropicsdk.NewClient(opts...)
	return &anthropicModel{
		msgs:        &client.Messages,
		model:       mapModelName(cfg.Model),
		maxTokens:   defaultMaxTokens(cfg.MaxTokens),
		maxRetries:  defaultRetries(cfg.MaxRetries),
		temperature: cfg.Temperature,
	}, nil
}

// Complete issues a non-streaming completion.
func (m *anthropicModel) Complete(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := doWithRetry(ctx, m.maxRetries, isAnthropicRetryable, func(ctx context.Context) error {
		msg, err := m.msgs.New(ctx, m.buildParams(req))
		if err != nil {
			return err
		}
		var text []string
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				text = append(text, block.Text)
			}
		}
		in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
		resp = &Response{
			Message:    Message{Role: "assistant", Content: strings.Join(text, "")},
			Usage:      Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
			StopReason: string(msg.StopReason),
		}
		return nil
	})
	return resp, err
}

func (m *anthropicModel) buildParams(req Request) anthropicsdk.MessageNewParams {
	systemBlocks, messageParams := convertMessages(req.Messages, req.System)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     m.selectModel(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messageParams,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if m.temperature != nil {
		params.Temperature = param.NewOpt(*m.temperature)
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	return params
}

func (m *anthropicModel) selectModel(override string) anthropicsdk.Model {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return mapModelName(trimmed)
	}
	return m.model
}

func convertMessages(msgs []Message, defaults ...string) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var systemBlocks []anthropicsdk.TextBlockParam
	for _, sys := range defaults {
		if trimmed := strings.TrimSpace(sys); trimmed != "" {
			systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: trimmed})
		}
	}

	messageParams := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		content := msg.Content
		if strings.TrimSpace(content) == "" {
			content = "."
		}
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: strings.TrimSpace(content)})
		case "assistant":
			messageParams = append(messageParams, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(content)))
		default:
			messageParams = append(messageParams, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(content)))
		}
	}
	if len(messageParams) == 0 {
		messageParams = append(messageParams, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(".")))
	}
	return systemBlocks, messageParams
}

func isAnthropicRetryable(err error) bool {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	return isTransient(err)
}

func doWithRetry(ctx context.Context, maxRetries int, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) || attempts >= maxRetries {
			return err
		}
		attempts++
		backoff := time.Duration(attempts*attempts) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func defaultMaxTokens(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}

func defaultRetries(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}

const defaultAnthropicModel = anthropicsdk.ModelClaudeSonnet4_5_20250929

var supportedAnthropicModels = []anthropicsdk.Model{
	anthropicsdk.ModelClaude3_5HaikuLatest,
	anthropicsdk.ModelClaude3_5Haiku20241022,
	anthropicsdk.ModelClaudeHaiku4_5,
	anthropicsdk.ModelClaudeHaiku4_5_20251001,
	anthropicsdk.ModelClaudeSonnet4_20250514,
	anthropicsdk.ModelClaudeSonnet4_0,
	anthropicsdk.ModelClaudeSonnet4_5,
	anthropicsdk.ModelClaudeSonnet4_5_20250929,
	anthropicsdk.ModelClaudeOpus4_0,
	anthropicsdk.ModelClaudeOpus4_20250514,
	anthropicsdk.ModelClaudeOpus4_1_20250805,
}

var modelLookup = func() map[string]anthropicsdk.Model {
	lookup := make(map[string]anthropicsdk.Model, len(supportedAnthropicModels))
	for _, model := range supportedAnthropicModels {
		lookup[string(model)] = model
	}
	return lookup
}()

func mapModelName(name string) anthropicsdk.Model {
	trimmed := strings.TrimSpace(name)
	if model, ok := modelLookup[trimmed]; ok {
		return model
	}
	return defaultAnthropicModel
}
