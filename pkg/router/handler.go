package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/cexll/sandboxchat/pkg/core/events"
	"github.com/cexll/sandboxchat/pkg/workflow"
)

// HandlerName identifies the dispatcher's workflow registration.
const HandlerName = "router.dispatch"

// Register subscribes the dispatcher to chat messages on engine.
func (d *Dispatcher) Register(engine *workflow.Engine) {
	engine.Register(events.ChatMessageReceived, HandlerName, d.handleEvent)
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev events.Event, steps *workflow.Steps) error {
	p, err := events.Decode[events.ChatMessagePayload](ev)
	if err != nil {
		return workflow.NonRetryable(err)
	}
	return d.Handle(ctx, requestFrom(p), steps)
}

// OnFailure is a workflow.FailureFunc that turns an exhausted chat handler
// into an apologetic reply. Other events are ignored.
func (d *Dispatcher) OnFailure(ctx context.Context, ev events.Event, handler string, err error) {
	if ev.Type != events.ChatMessageReceived || handler != HandlerName {
		return
	}
	p, derr := events.Decode[events.ChatMessagePayload](ev)
	if derr != nil {
		d.logger.Error("undecodable chat event failed", zap.String("event_id", ev.ID), zap.Error(derr))
		return
	}
	d.NotifyFailure(ctx, requestFrom(p), err)
}

func requestFrom(p events.ChatMessagePayload) Request {
	return Request{
		SessionID: p.SessionID,
		Turn:      p.Turn,
		Message:   p.Message,
		UserID:    p.UserID,
		TenantID:  p.TenantID,
	}
}
