package admin

import (
	"PPCollab/service/session"

	"github.com/gin-gonic/gin"
)

type createSessionReq struct {
	UserID   string          `json:"userId"`
	UserInfo session.Profile `json:"userInfo"`
}

func (h *Handler) CreateSession(c *gin.Context) (any, error) {
	req, err := bind[createSessionReq](c)
	if err != nil {
		return nil, err
	}
	if err := required("userId", req.UserID); err != nil {
		return nil, err
	}
	return h.Sessions.CreateSession(req.UserID, req.UserInfo)
}

func (h *Handler) ValidateSession(c *gin.Context) (any, error) {
	s, err := h.Sessions.ValidateSession(c.Param("sessionId"))
	if err != nil {
		return nil, err
	}
	return gin.H{"valid": true, "session": s}, nil
}

func (h *Handler) GetSession(c *gin.Context) (any, error) {
	return h.Sessions.ValidateSession(c.Param("sessionId"))
}

// DestroySession is the user-facing logout; the caller must name the
// session's own userId (body or query).
func (h *Handler) DestroySession(c *gin.Context) (any, error) {
	req, err := caller(c)
	if err != nil {
		return nil, err
	}
	id := c.Param("sessionId")
	if err := h.Sessions.Logout(id, req.UserID); err != nil {
		return nil, err
	}
	return gin.H{"sessionId": id, "destroyed": true}, nil
}

// ForceDestroySession is the operator variant; audited with reason admin.
func (h *Handler) ForceDestroySession(c *gin.Context) (any, error) {
	id := c.Param("sessionId")
	if err := h.Sessions.DestroySession(id, session.ReasonAdmin); err != nil {
		return nil, err
	}
	return gin.H{"sessionId": id, "destroyed": true}, nil
}

type joinReq struct {
	InstanceID string `json:"instanceId"`
}

func (h *Handler) JoinInstance(c *gin.Context) (any, error) {
	req, err := bind[joinReq](c)
	if err != nil {
		return nil, err
	}
	if err := required("instanceId", req.InstanceID); err != nil {
		return nil, err
	}
	return h.Sessions.JoinInstance(c.Param("sessionId"), req.InstanceID)
}

func (h *Handler) LeaveInstance(c *gin.Context) (any, error) {
	return h.Sessions.LeaveInstance(c.Param("sessionId"))
}

func (h *Handler) CheckPermission(c *gin.Context) (any, error) {
	return h.Sessions.CheckPermission(c.Param("sessionId"), c.Param("permission"))
}

func (h *Handler) UserSession(c *gin.Context) (any, error) {
	s, err := h.Sessions.SessionForUser(c.Param("userId"))
	if err != nil {
		return nil, err
	}
	return gin.H{"sessionId": s.ID, "session": s}, nil
}

func (h *Handler) InstanceSessions(c *gin.Context) (any, error) {
	instanceID := c.Param("instanceId")
	members := h.Sessions.InstanceSessions(instanceID)
	return gin.H{"instanceId": instanceID, "sessions": members, "count": len(members)}, nil
}

func (h *Handler) SessionStats(*gin.Context) (any, error) {
	return h.Sessions.Stats(), nil
}

func (h *Handler) ActiveSessions(*gin.Context) (any, error) {
	ss := h.Sessions.ActiveSessions()
	return gin.H{"sessions": ss, "count": len(ss)}, nil
}
