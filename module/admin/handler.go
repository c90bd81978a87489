package admin

import (
	"context"
	"strings"
	"time"

	"PPCollab/service/gateway"
	"PPCollab/service/lock"
	"PPCollab/service/session"
	"PPCollab/service/statesync"
	"PPCollab/service/storage"
	"PPCollab/tools/errs"
	"PPCollab/tools/safe"

	"github.com/gin-gonic/gin"
)

// PresenceReader is the optional cross-node presence view (Redis).
type PresenceReader interface {
	Lookup(ctx context.Context, userID string) (storage.Entry, bool, error)
	InstanceUsers(ctx context.Context, instanceID string) ([]string, error)
}

type Deps struct {
	Registry *gateway.Registry
	Locks    *lock.Manager
	Sessions *session.Manager
	Sync     *statesync.Synchronizer
	Presence PresenceReader // nil when Redis is not configured
}

// Handler serves the administrative/control API.
type Handler struct {
	Deps
	started time.Time
}

func NewHandler(d Deps) *Handler {
	safe.MustNotNil(d.Registry, "registry")
	safe.MustNotNil(d.Locks, "lock manager")
	safe.MustNotNil(d.Sessions, "session manager")
	safe.MustNotNil(d.Sync, "synchronizer")
	return &Handler{Deps: d, started: time.Now()}
}

func bind[T any](c *gin.Context) (T, error) {
	var v T
	if c.Request.ContentLength == 0 {
		return v, nil
	}
	if err := c.ShouldBindJSON(&v); err != nil {
		return v, errs.ErrInvalidArgument.WithDetail(err.Error())
	}
	return v, nil
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return errs.ErrInvalidArgument.WithDetail(name + " is required")
	}
	return nil
}

// ---- health ----

func (h *Handler) Health(*gin.Context) (any, error) {
	st := h.Registry.Stats()
	return gin.H{
		"status":    "healthy",
		"service":   "collaboration-service",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"websocket": gin.H{
			"connections": st.TotalConnections,
			"rooms":       st.TotalRooms,
			"users":       st.TotalUsers,
		},
		"synchronizer": gin.H{
			"running": h.Sync.Running(),
			"system":  h.Sync.Snapshot().System,
		},
		"sessionManager":    h.Sessions.Stats(),
		"collaborationLock": h.Locks.Stats(),
	}, nil
}

// ---- websocket ----

func (h *Handler) WSStats(*gin.Context) (any, error) {
	return h.Registry.Stats(), nil
}

type broadcastReq struct {
	Message any    `json:"message"`
	Type    string `json:"type"`
}

// Broadcast pushes an operator message into an instance room.
func (h *Handler) Broadcast(c *gin.Context) (any, error) {
	instanceID := c.Param("instanceId")
	req, err := bind[broadcastReq](c)
	if err != nil {
		return nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = gateway.TypeSystemMessage
	}
	now := time.Now().UTC()
	sent := h.Registry.Broadcast(instanceID, gateway.NewMessage(typ, gin.H{
		"from":       "system",
		"instanceId": instanceID,
		"content":    req.Message,
		"timestamp":  now,
	}), "")
	return gin.H{"instanceId": instanceID, "sentCount": sent}, nil
}

type instanceUser struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

func (h *Handler) InstanceUsers(c *gin.Context) (any, error) {
	instanceID := c.Param("instanceId")
	users := make([]instanceUser, 0)
	for _, m := range h.Registry.RoomMembers(instanceID) {
		if m.UserID == "" {
			continue
		}
		users = append(users, instanceUser{UserID: m.UserID, ConnectionID: m.ID, ConnectedAt: m.CreatedAt})
	}
	return gin.H{"instanceId": instanceID, "users": users, "count": len(users)}, nil
}

// ---- sync ----

func (h *Handler) Snapshot(*gin.Context) (any, error) {
	return h.Sync.Snapshot(), nil
}

func (h *Handler) ForceSync(c *gin.Context) (any, error) {
	instanceID := c.Param("instanceId")
	st, err := h.Sync.ForceInstanceSync(c.Request.Context(), instanceID)
	if err != nil {
		return nil, err
	}
	return gin.H{"instanceId": instanceID, "state": st}, nil
}

func (h *Handler) InstanceState(c *gin.Context) (any, error) {
	instanceID := c.Param("instanceId")
	st, ok := h.Sync.InstanceState(instanceID)
	if !ok {
		return nil, errs.ErrNotFound.WithDetail("no state for instance " + instanceID)
	}
	return gin.H{"instanceId": instanceID, "state": st}, nil
}

// ---- presence ----

func (h *Handler) PresenceUser(c *gin.Context) (any, error) {
	userID := c.Param("userId")
	e, online, err := h.Presence.Lookup(c.Request.Context(), userID)
	if err != nil {
		return nil, errs.ErrUpstreamUnavailable.WithDetail(err.Error())
	}
	return gin.H{"userId": userID, "online": online, "presence": e}, nil
}

func (h *Handler) PresenceInstance(c *gin.Context) (any, error) {
	instanceID := c.Param("instanceId")
	users, err := h.Presence.InstanceUsers(c.Request.Context(), instanceID)
	if err != nil {
		return nil, errs.ErrUpstreamUnavailable.WithDetail(err.Error())
	}
	return gin.H{"instanceId": instanceID, "users": users, "count": len(users)}, nil
}
