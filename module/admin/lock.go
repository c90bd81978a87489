package admin

import (
	"strings"

	"PPCollab/service/lock"

	"github.com/gin-gonic/gin"
)

type lockReq struct {
	ResourceID string         `json:"resourceId"`
	UserID     string         `json:"userId"`
	LockType   string         `json:"lockType"`
	Metadata   map[string]any `json:"metadata"`
}

// RequestLock answers 201 on grant and 409 with the holders on conflict.
func (h *Handler) RequestLock(c *gin.Context) (any, error) {
	req, err := bind[lockReq](c)
	if err != nil {
		return nil, err
	}
	if err := required("resourceId", req.ResourceID); err != nil {
		return nil, err
	}
	if err := required("userId", req.UserID); err != nil {
		return nil, err
	}
	mode, err := lock.ParseMode(req.LockType)
	if err != nil {
		return nil, err
	}
	return h.Locks.RequestLock(req.ResourceID, req.UserID, mode, req.Metadata)
}

type ownerReq struct {
	UserID      string `json:"userId"`
	AdminUserID string `json:"adminUserId"`
}

// caller reads the acting user from the body, falling back to the query.
func caller(c *gin.Context) (ownerReq, error) {
	req, err := bind[ownerReq](c)
	if err != nil {
		return req, err
	}
	if req.UserID == "" {
		req.UserID = c.Query("userId")
	}
	if req.AdminUserID == "" {
		req.AdminUserID = c.Query("adminUserId")
	}
	return req, nil
}

func (h *Handler) ReleaseLock(c *gin.Context) (any, error) {
	req, err := caller(c)
	if err != nil {
		return nil, err
	}
	if err := required("userId", req.UserID); err != nil {
		return nil, err
	}
	id := c.Param("lockId")
	if err := h.Locks.ReleaseLock(id, req.UserID); err != nil {
		return nil, err
	}
	return gin.H{"lockId": id, "released": true}, nil
}

func (h *Handler) RenewLock(c *gin.Context) (any, error) {
	req, err := caller(c)
	if err != nil {
		return nil, err
	}
	if err := required("userId", req.UserID); err != nil {
		return nil, err
	}
	return h.Locks.RenewLock(c.Param("lockId"), req.UserID)
}

func (h *Handler) ForceReleaseLock(c *gin.Context) (any, error) {
	req, err := caller(c)
	if err != nil {
		return nil, err
	}
	if err := required("adminUserId", req.AdminUserID); err != nil {
		return nil, err
	}
	l, err := h.Locks.ForceReleaseLock(c.Param("lockId"), req.AdminUserID)
	if err != nil {
		return nil, err
	}
	return gin.H{"lock": l, "releasedBy": req.AdminUserID}, nil
}

// LockStatus takes the resource id from a catch-all so ids may contain
// slashes; a trailing /status is accepted for older clients.
func (h *Handler) LockStatus(c *gin.Context) (any, error) {
	id := strings.TrimPrefix(c.Param("resourceId"), "/")
	id = strings.TrimSuffix(id, "/status")
	if err := required("resourceId", id); err != nil {
		return nil, err
	}
	return h.Locks.CheckLockStatus(id), nil
}

func (h *Handler) UserLocks(c *gin.Context) (any, error) {
	userID := c.Param("userId")
	ls := h.Locks.UserLocks(userID)
	return gin.H{"userId": userID, "locks": ls, "count": len(ls)}, nil
}

func (h *Handler) ReleaseUserLocks(c *gin.Context) (any, error) {
	userID := c.Param("userId")
	return gin.H{"userId": userID, "released": h.Locks.ReleaseUserLocks(userID)}, nil
}

func (h *Handler) LockStats(*gin.Context) (any, error) {
	return h.Locks.Stats(), nil
}

func (h *Handler) ActiveLocks(*gin.Context) (any, error) {
	ls := h.Locks.ActiveLocks()
	return gin.H{"locks": ls, "count": len(ls)}, nil
}
