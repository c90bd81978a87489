package session

import (
	"PPCollab/service/gateway"

	"go.uber.org/zap"
)

// Binder keeps a user's session in step with the registry: joins and leaves
// of the bound connection move the session between instances, and closing it
// clears the binding. Other connections of the same user are ignored.
type Binder struct {
	gateway.NopListener
	m *Manager
}

func NewBinder(m *Manager) *Binder { return &Binder{m: m} }

func (b *Binder) bound(ev gateway.MemberEvent) (Session, bool) {
	if ev.UserID == "" {
		return Session{}, false
	}
	s, err := b.m.SessionForUser(ev.UserID)
	if err != nil || s.ConnectionID != ev.ConnectionID {
		return Session{}, false
	}
	return s, true
}

func (b *Binder) OnRoomJoined(ev gateway.MemberEvent) {
	s, ok := b.bound(ev)
	if !ok {
		return
	}
	if _, err := b.m.JoinInstance(s.ID, ev.RoomID); err != nil {
		b.m.log.Warn("bind join failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (b *Binder) OnRoomLeft(ev gateway.MemberEvent) {
	s, ok := b.bound(ev)
	if !ok || s.InstanceID != ev.RoomID {
		return
	}
	if _, err := b.m.LeaveInstance(s.ID); err != nil {
		b.m.log.Warn("bind leave failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// OnConnectionClosed keeps the session alive for a later reconnect.
func (b *Binder) OnConnectionClosed(ev gateway.MemberEvent) {
	s, ok := b.bound(ev)
	if !ok {
		return
	}
	if s.InstanceID != "" {
		_, _ = b.m.LeaveInstance(s.ID)
	}
	empty := ""
	if _, err := b.m.UpdateSession(s.ID, Update{ConnectionID: &empty}); err != nil {
		b.m.log.Debug("unbind failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}
