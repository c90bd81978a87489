package handlers

import (
	"time"

	"PPCollab/service/gateway"
	"PPCollab/tools/decode"
	"PPCollab/tools/errs"
)

type instancePayload struct {
	InstanceID string `json:"instanceId"`
	Content    any    `json:"content"`
}

func decodeInstance(msg *gateway.Envelope) (*instancePayload, error) {
	p, err := decode.DecodeRaw[instancePayload](msg.Data)
	if err != nil {
		return nil, errs.ErrInvalidMessage.WithDetail(err.Error())
	}
	return p, nil
}

type JoinHandler struct{}

func NewJoinHandler() gateway.Handler { return &JoinHandler{} }
func (h *JoinHandler) Type() string   { return gateway.TypeJoinInstance }

func (h *JoinHandler) Handle(ctx *gateway.Context, msg *gateway.Envelope) error {
	p, err := decodeInstance(msg)
	if err != nil {
		return err
	}
	return ctx.Registry.JoinRoom(ctx.ConnID, p.InstanceID)
}

type LeaveHandler struct{}

func NewLeaveHandler() gateway.Handler { return &LeaveHandler{} }
func (h *LeaveHandler) Type() string   { return gateway.TypeLeaveInstance }

func (h *LeaveHandler) Handle(ctx *gateway.Context, msg *gateway.Envelope) error {
	p, err := decodeInstance(msg)
	if err != nil {
		return err
	}
	if p.InstanceID == "" {
		return errs.ErrInstanceMismatch.WithDetail("instanceId is required")
	}
	return ctx.Registry.LeaveRoom(ctx.ConnID, p.InstanceID)
}

// MessageHandler relays content to the whole room, sender included.
type MessageHandler struct{}

func NewMessageHandler() gateway.Handler { return &MessageHandler{} }
func (h *MessageHandler) Type() string   { return gateway.TypeInstanceMessage }

func (h *MessageHandler) Handle(ctx *gateway.Context, msg *gateway.Envelope) error {
	p, err := decodeInstance(msg)
	if err != nil {
		return err
	}
	info, ok := ctx.Registry.Info(ctx.ConnID)
	if !ok {
		return errs.ErrConnectionNotFound
	}
	if p.InstanceID == "" || info.RoomID != p.InstanceID {
		return errs.ErrInstanceMismatch.WithDetail("not in instance " + p.InstanceID)
	}
	ctx.Registry.Broadcast(p.InstanceID, gateway.NewMessage(gateway.TypeInstanceMessage, map[string]any{
		"from":       info.UserID,
		"instanceId": p.InstanceID,
		"content":    p.Content,
		"timestamp":  time.Now().UTC(),
	}), "")
	return nil
}

type PingHandler struct{}

func NewPingHandler() gateway.Handler { return &PingHandler{} }
func (h *PingHandler) Type() string   { return gateway.TypePing }

func (h *PingHandler) Handle(ctx *gateway.Context, _ *gateway.Envelope) error {
	ctx.Registry.Send(ctx.ConnID, gateway.NewMessage(gateway.TypePong, map[string]any{
		"timestamp": time.Now().UTC(),
	}))
	return nil
}

// RegisterAll wires every inbound message type into d.
func RegisterAll(d *gateway.Dispatcher, auth gateway.Handler) {
	d.Register(
		auth,
		NewJoinHandler(),
		NewLeaveHandler(),
		NewMessageHandler(),
		NewPingHandler(),
	)
}
