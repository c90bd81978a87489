package gateway

import (
	"context"

	"PPCollab/logger"
	"PPCollab/tools/errs"

	"go.uber.org/zap"
)

type Dispatcher struct {
	handlers map[string]Handler
	log      *zap.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), log: logger.Named("dispatcher")}
}

func (d *Dispatcher) Register(hs ...Handler) {
	for _, h := range hs {
		d.handlers[h.Type()] = h
	}
}

func (d *Dispatcher) GetHandler(typ string) Handler {
	h, ok := d.handlers[typ]
	if !ok {
		return nil
	}
	return h
}

// Dispatch parses one inbound frame and runs its handler. Every failure,
// including a handler panic, becomes an error reply to the sender.
func (d *Dispatcher) Dispatch(ctx context.Context, r *Registry, connID string, raw []byte) {
	err := d.dispatch(ctx, r, connID, raw)
	if err == nil {
		return
	}
	ce := errs.From(err)
	if ce.Kind == errs.KindInternal {
		d.log.Error("handler failed", zap.String("conn_id", connID), zap.Error(err))
	} else {
		d.log.Debug("request rejected", zap.String("conn_id", connID), zap.String("code", ce.Code))
	}
	r.SendError(connID, err)
}

func (d *Dispatcher) dispatch(ctx context.Context, r *Registry, connID string, raw []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.ErrPanic(p)
		}
	}()

	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}
	h := d.GetHandler(env.Type)
	if h == nil {
		return errs.ErrUnknownMessageType.WithDetail(env.Type)
	}
	return h.Handle(&Context{Context: ctx, Registry: r, ConnID: connID}, env)
}
