package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Steps memoises named step results across retries of one handler
// invocation. A step that succeeded is not run again when the handler is
// retried; its recorded result is returned instead.
type Steps struct {
	eventID string
	handler string
	attempt int
	chain   []Middleware

	mu    sync.Mutex
	memo  map[string]json.RawMessage
	order []string
}

func newSteps(eventID, handler string, chain []Middleware) *Steps {
	return &Steps{eventID: eventID, handler: handler, chain: chain, memo: map[string]json.RawMessage{}}
}

// NewLocalSteps returns Steps for running a handler body outside an Engine,
// with no middleware and a single attempt.
func NewLocalSteps(handler string) *Steps {
	s := newSteps("", handler, nil)
	s.attempt = 1
	return s
}

// Attempt returns the 1-based attempt number of the current handler run.
func (s *Steps) Attempt() int { return s.attempt }

// Completed lists step names that succeeded, in completion order.
func (s *Steps) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Steps) lookup(name string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.memo[name]
	return v, ok
}

func (s *Steps) record(name string, v json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memo[name]; !ok {
		s.order = append(s.order, name)
	}
	s.memo[name] = v
}

// Run executes fn once per step name for the lifetime of the handler
// invocation and returns its JSON-round-tripped result.
func Run[T any](ctx context.Context, s *Steps, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	name = strings.TrimSpace(name)
	if s == nil || name == "" {
		return zero, fmt.Errorf("workflow: step requires a name")
	}
	if raw, ok := s.lookup(name); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return zero, fmt.Errorf("workflow: replay step %s: %w", name, err)
		}
		return v, nil
	}

	var out T
	info := StepInfo{EventID: s.eventID, Handler: s.handler, Name: name, Attempt: s.attempt}
	err := applyMiddleware(ctx, s.chain, info, func() error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return zero, fmt.Errorf("workflow: step %s: %w", name, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return zero, NonRetryable(fmt.Errorf("workflow: record step %s: %w", name, err))
	}
	s.record(name, raw)
	return out, nil
}

// Do is Run for steps without a result.
func Do(ctx context.Context, s *Steps, name string, fn func(context.Context) error) error {
	_, err := Run(ctx, s, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
