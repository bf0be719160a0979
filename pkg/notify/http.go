package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/sandboxchat/pkg/mcp"
)

// HTTPConfig configures an HTTP callback notifier.
type HTTPConfig struct {
	// BaseURL is the API root serving the callback paths.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token      string
	HTTPClient *http.Client
	// Attempts bounds delivery tries on transport errors and 5xx replies.
	Attempts int
	Backoff  time.Duration
	Logger   *zap.Logger
}

// HTTP posts notifications to the API callback endpoints.
type HTTP struct {
	base   string
	token  string
	client *http.Client
	retry  mcp.RetryPolicy
	logger *zap.Logger
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("notify: callback base URL is required")
	}
	n := &HTTP{
		base:   base,
		token:  cfg.Token,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
	}
	if n.client == nil {
		n.client = &http.Client{Timeout: 10 * time.Second}
	}
	attempts, backoff := cfg.Attempts, cfg.Backoff
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	n.retry = mcp.RetryPolicy{
		MaxAttempts: attempts,
		// Linear: the nth retry waits n*backoff.
		Backoff:   func(attempt int) time.Duration { return time.Duration(attempt-1) * backoff },
		Retryable: retryable,
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	return n, nil
}

func (n *HTTP) NotifyResponse(ctx context.Context, r Response) {
	n.deliver(ctx, "response", r.SessionID, ResponsePath, r)
}

func (n *HTTP) NotifyExecutionStarted(ctx context.Context, e ExecutionStarted) {
	n.deliver(ctx, "execution-started", e.SessionID, ExecutionStartedPath, e)
}

func (n *HTTP) deliver(ctx context.Context, kind, sessionID, path string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("notification not delivered", zap.Error(&DeliveryError{Kind: kind, SessionID: sessionID, Err: err}))
		return
	}
	err = n.retry.Do(ctx, func(ctx context.Context) error {
		if derr := n.post(ctx, kind, sessionID, path, body); derr != nil {
			return derr
		}
		return nil
	}, nil)
	if err != nil {
		n.logger.Warn("notification not delivered", zap.Error(err), zap.String("kind", kind), zap.String("session_id", sessionID))
		return
	}
	n.logger.Debug("notification delivered", zap.String("kind", kind), zap.String("session_id", sessionID))
}

func (n *HTTP) post(ctx context.Context, kind, sessionID, path string, body []byte) *DeliveryError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.base+path, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Kind: kind, SessionID: sessionID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return &DeliveryError{Kind: kind, SessionID: sessionID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &DeliveryError{
		Kind:       kind,
		SessionID:  sessionID,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(msg))),
	}
}

func retryable(err error) bool {
	var e *DeliveryError
	if !errors.As(err, &e) {
		return false
	}
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode >= 500
}
