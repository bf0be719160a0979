// Package workflow runs event handlers with at-least-once semantics,
// memoised steps, and retry with exponential backoff.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cexll/sandboxchat/pkg/core/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
	queueSize          = 256
)

// Handler processes one event. Work wrapped in Run/Do is not repeated when
// the handler is retried.
type Handler func(ctx context.Context, ev events.Event, steps *Steps) error

// FailureFunc observes a handler that exhausted its attempts.
type FailureFunc func(ctx context.Context, ev events.Event, handler string, err error)

// Options configures an Engine.
type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	Middleware  []Middleware
	OnFailure   FailureFunc
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

type registration struct {
	name    string
	handler Handler
}

type job struct {
	ev    events.Event
	reg   registration
	steps *Steps
}

// Engine is an in-process stand-in for a durable workflow service.
type Engine struct {
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[events.EventType][]registration
	closed   bool

	queue   chan *job
	pending sync.WaitGroup
	workers sync.WaitGroup
	start   sync.Once
	stop    chan struct{}
}

func NewEngine(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	e := &Engine{
		opts:     opts,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		handlers: map[events.EventType][]registration{},
		queue:    make(chan *job, queueSize),
		stop:     make(chan struct{}),
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/cexll/sandboxchat/pkg/workflow")
	}
	return e
}

// Register binds a named handler to an event type.
func (e *Engine) Register(t events.EventType, name string, h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = append(e.handlers[t], registration{name: name, handler: h})
}

// Start launches the worker pool. It is safe to call more than once.
func (e *Engine) Start() {
	e.start.Do(func() {
		for i := 0; i < e.opts.Workers; i++ {
			e.workers.Add(1)
			go e.work()
		}
	})
}

// Send enqueues ev for every handler registered for its type.
func (e *Engine) Send(ctx context.Context, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		fresh, err := events.New(ev.Type, ev.SessionID, nil)
		if err != nil {
			return err
		}
		if ev.ID == "" {
			ev.ID = fresh.ID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = fresh.Timestamp
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	regs := e.handlers[ev.Type]
	if len(regs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Type)
	}
	for _, reg := range regs {
		j := &job{ev: ev, reg: reg, steps: newSteps(ev.ID, reg.name, e.opts.Middleware)}
		e.pending.Add(1)
		select {
		case e.queue <- j:
		case <-ctx.Done():
			e.pending.Done()
			return ctx.Err()
		}
	}
	e.logger.Debug("workflow event sent", zap.String("event", string(ev.Type)), zap.String("event_id", ev.ID), zap.Int("handlers", len(regs)))
	return nil
}

// Drain blocks until every accepted job has finished or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains in-flight work, and stops workers.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.Drain(ctx)
	close(e.stop)
	e.workers.Wait()
	return err
}

func (e *Engine) work() {
	defer e.workers.Done()
	for {
		select {
		case <-e.stop:
			return
		case j := <-e.queue:
			e.execute(j)
		}
	}
}

func (e *Engine) execute(j *job) {
	j.steps.attempt++
	attempt := j.steps.attempt
	ctx, span := e.tracer.Start(context.Background(), "workflow.handle", trace.WithAttributes(
		attribute.String("workflow.event", string(j.ev.Type)),
		attribute.String("workflow.handler", j.reg.name),
		attribute.Int("workflow.attempt", attempt),
	))
	err := e.invoke(ctx, j)
	if err == nil {
		span.End()
		e.pending.Done()
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()

	fields := []zap.Field{
		zap.String("event", string(j.ev.Type)),
		zap.String("event_id", j.ev.ID),
		zap.String("handler", j.reg.name),
		zap.Int("attempt", attempt),
		zap.Error(err),
	}
	if IsNonRetryable(err) || attempt >= e.opts.MaxAttempts {
		e.logger.Error("workflow handler failed", fields...)
		if e.opts.OnFailure != nil {
			e.opts.OnFailure(context.Background(), j.ev, j.reg.name, err)
		}
		e.pending.Done()
		return
	}
	delay := e.backoff(attempt)
	e.logger.Warn("workflow handler retrying", append(fields, zap.Duration("delay", delay))...)
	time.AfterFunc(delay, func() { e.queue <- j })
}

func (e *Engine) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow: handler %s panicked: %v", j.reg.name, r)
		}
	}()
	return j.reg.handler(ctx, j.ev, j.steps)
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.Backoff << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

