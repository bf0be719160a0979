package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/cexll/sandboxchat/pkg/session"
)

// Direct merges notifications into an in-process session store.
type Direct struct {
	store  *session.Store
	logger *zap.Logger
}

func NewDirect(store *session.Store, logger *zap.Logger) *Direct {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Direct{store: store, logger: logger}
}

func (d *Direct) NotifyResponse(_ context.Context, r Response) {
	if _, err := ApplyResponse(d.store, r); err != nil {
		d.logger.Warn("notification not delivered", zap.Error(&DeliveryError{Kind: "response", SessionID: r.SessionID, Err: err}))
	}
}

func (d *Direct) NotifyExecutionStarted(_ context.Context, e ExecutionStarted) {
	if _, err := ApplyExecutionStarted(d.store, e); err != nil {
		d.logger.Warn("notification not delivered", zap.Error(&DeliveryError{Kind: "execution-started", SessionID: e.SessionID, Err: err}))
	}
}
