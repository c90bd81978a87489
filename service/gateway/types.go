package gateway

import (
	"context"
	"time"
)

// Handler processes one inbound message type.
type Handler interface {
	Type() string
	Handle(ctx *Context, msg *Envelope) error
}

// Context is what a handler sees for a single inbound message.
type Context struct {
	context.Context
	Registry *Registry
	ConnID   string
}

// Transport is the write side of a client link. Writes are issued from a
// single goroutine per connection; Ping and Close may race with them.
type Transport interface {
	WriteText(data []byte, deadline time.Time) error
	Ping(deadline time.Time) error
	Close() error
	Writable() bool
	RemoteAddr() string
}

// MemberEvent describes a membership change of one connection.
type MemberEvent struct {
	ConnectionID string
	UserID       string
	RoomID       string
	Reason       string
	At           time.Time
}

// RoomListener receives registry membership events in emission order, on the
// registry's single event goroutine. Implementations must not block for long.
type RoomListener interface {
	OnAuthenticated(ev MemberEvent)
	OnRoomJoined(ev MemberEvent)
	OnRoomLeft(ev MemberEvent)
	OnConnectionClosed(ev MemberEvent)
}

// ConnInfo is a read-only view of a connection.
type ConnInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remoteAddr"`
	CreatedAt  time.Time `json:"connectedAt"`
	UserID     string    `json:"userId,omitempty"`
	RoomID     string    `json:"instanceId,omitempty"`
	Alive      bool      `json:"alive"`
	QueueLen   int       `json:"queueLen"`
}

type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	Authenticated    int            `json:"authenticatedConnections"`
	TotalRooms       int            `json:"totalRooms"`
	TotalUsers       int            `json:"totalUsers"`
	RoomSizes        map[string]int `json:"rooms"`
	Connections      []ConnInfo     `json:"connections"`
}

// NopListener can be embedded to implement only some callbacks.
type NopListener struct{}

func (NopListener) OnAuthenticated(MemberEvent)    {}
func (NopListener) OnRoomJoined(MemberEvent)       {}
func (NopListener) OnRoomLeft(MemberEvent)         {}
func (NopListener) OnConnectionClosed(MemberEvent) {}
