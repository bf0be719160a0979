package workflow

import (
	"context"
	"errors"
)

// Middleware intercepts step execution. AfterStep receives the step error.
type Middleware interface {
	BeforeStep(ctx context.Context, info StepInfo) error
	AfterStep(ctx context.Context, info StepInfo, err error) error
}

// StepInfo identifies a step run.
type StepInfo struct {
	EventID string
	Handler string
	Name    string
	Attempt int
}

// applyMiddleware executes the chain in order and runs fn between before/after hooks.
func applyMiddleware(ctx context.Context, chain []Middleware, info StepInfo, fn func() error) error {
	for _, m := range chain {
		if err := m.BeforeStep(ctx, info); err != nil {
			return err
		}
	}

	runErr := fn()

	for i := len(chain) - 1; i >= 0; i-- {
		if err := chain[i].AfterStep(ctx, info, runErr); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}
