package model

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig wires openai-go chat completions into the Model interface.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	Temperature *float64
	HTTPClient  *http.Client
}

type openaiCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type openaiModel struct {
	completions openaiCompletions
	model       string
	maxTokens   int
	maxRetries  int
	temperature *float64
}

const defaultOpenAIModel = openai.ChatModelGPT4oMini

// NewOpenAI constructs an OpenAI-backed Model.
func NewOpenAI(cfg OpenAIConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		name = string(defaultOpenAIModel)
	}
	return &openaiModel{
		completions: &client.Chat.Completions,
		model:       name,
		maxTokens:   defaultMaxTokens(cfg.MaxTokens),
		maxRetries:  defaultRetries(cfg.MaxRetries),
		temperature: cfg.Temperature,
	}, nil
}

func (m *openaiModel) Complete(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := doWithRetry(ctx, m.maxRetries, isOpenAIRetryable, func(ctx context.Context) error {
		completion, err := m.completions.New(ctx, m.buildParams(req))
		if err != nil {
			return err
		}
		if len(completion.Choices) == 0 {
			return ErrEmptyResponse
		}
		choice := completion.Choices[0]
		resp = &Response{
			Message: Message{Role: "assistant", Content: choice.Message.Content},
			Usage: Usage{
				InputTokens:  int(completion.Usage.PromptTokens),
				OutputTokens: int(completion.Usage.CompletionTokens),
				TotalTokens:  int(completion.Usage.TotalTokens),
			},
			StopReason: string(choice.FinishReason),
		}
		return nil
	})
	return resp, err
}

func (m *openaiModel) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.System); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	for _, msg := range req.Messages {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	model := m.model
	if override := strings.TrimSpace(req.Model); override != "" {
		model = override
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if m.temperature != nil {
		params.Temperature = openai.Float(*m.temperature)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

func isOpenAIRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	return isTransient(err)
}
