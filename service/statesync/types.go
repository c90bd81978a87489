package statesync

import (
	"math"
	"time"

	"PPCollab/service/gateway"
	"PPCollab/service/instance"
)

// User presence states.
const (
	UserOnline = "online"
	UserActive = "active"
	UserIdle   = "idle"
)

// Upstream health as seen by the last tick.
const (
	UpstreamOK          = "ok"
	UpstreamUnavailable = "unavailable"
	UpstreamDisabled    = "disabled"
)

// Broadcaster is the part of the registry the synchronizer pushes through.
type Broadcaster interface {
	Send(connID string, msg gateway.Message) bool
	Broadcast(roomID string, msg gateway.Message, exclude string) int
	BroadcastAll(msg gateway.Message) int
	Connections() []gateway.ConnInfo
	Stats() gateway.Stats
}

type UserState struct {
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	InstanceID   string    `json:"instanceId,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	LastUpdate   time.Time `json:"lastUpdate"`
}

// differs ignores timestamps.
func (u UserState) differs(o UserState) bool {
	return u.Status != o.Status || u.InstanceID != o.InstanceID || u.ConnectionID != o.ConnectionID
}

type WebsocketService struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

type CollaborationService struct {
	Status    string `json:"status"`
	Users     int    `json:"users"`
	Instances int    `json:"instances"`
}

type InstanceService struct {
	Status string `json:"status"`
}

type Services struct {
	Websocket     WebsocketService     `json:"websocket"`
	Collaboration CollaborationService `json:"collaboration"`
	Instance      InstanceService      `json:"instance"`
}

type SystemState struct {
	Healthy    bool      `json:"healthy"`
	Services   Services  `json:"services"`
	LastUpdate time.Time `json:"lastUpdate"`
}

func (s SystemState) differs(o SystemState) bool {
	return s.Healthy != o.Healthy || s.Services != o.Services
}

// Snapshot is the full cached view.
type Snapshot struct {
	Instances map[string]instance.State `json:"instances"`
	Users     map[string]UserState      `json:"users"`
	System    SystemState               `json:"system"`
	Timestamp time.Time                 `json:"timestamp"`
}

// changed: a status change, real data replacing a placeholder (or the
// reverse), or a usage move beyond tolerance.
func changed(old, cur instance.State, tolerance float64) bool {
	return old.Status != cur.Status ||
		(old.Source == instance.SourcePlaceholder) != (cur.Source == instance.SourcePlaceholder) ||
		math.Abs(old.CPUUsage-cur.CPUUsage) > tolerance ||
		math.Abs(old.MemoryUsage-cur.MemoryUsage) > tolerance
}
