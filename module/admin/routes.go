package admin

import (
	"net/http"

	mw "PPCollab/middleware"
	"PPCollab/middleware/security"

	"github.com/gin-gonic/gin"
)

// Register mounts every admin route on r. adminToken guards operator-only
// routes; empty leaves them open.
func (h *Handler) Register(r gin.IRouter, adminToken string) {
	open := mw.RouteOpt{}
	created := mw.RouteOpt{Status: http.StatusCreated}
	admin := mw.RouteOpt{Guard: security.AdminToken(adminToken)}

	mw.GET(r, "/health", h.Health, open)

	api := r.Group("/api")

	ws := api.Group("/websocket")
	mw.GET(ws, "/stats", h.WSStats, open)
	mw.POST(ws, "/broadcast/:instanceId", h.Broadcast, admin)
	mw.GET(ws, "/instance/:instanceId/users", h.InstanceUsers, open)

	sy := api.Group("/sync")
	mw.GET(sy, "/snapshot", h.Snapshot, open)
	mw.POST(sy, "/instance/:instanceId", h.ForceSync, open)
	mw.GET(sy, "/instance/:instanceId/state", h.InstanceState, open)

	ss := api.Group("/session")
	mw.POST(ss, "/create", h.CreateSession, created)
	mw.GET(ss, "/stats", h.SessionStats, open)
	mw.GET(ss, "/active", h.ActiveSessions, open)
	mw.GET(ss, "/user/:userId", h.UserSession, open)
	mw.GET(ss, "/instance/:instanceId/users", h.InstanceSessions, open)
	mw.GET(ss, "/:sessionId", h.GetSession, open)
	mw.GET(ss, "/:sessionId/validate", h.ValidateSession, open)
	mw.GET(ss, "/:sessionId/permission/:permission", h.CheckPermission, open)
	mw.POST(ss, "/:sessionId/join", h.JoinInstance, open)
	mw.POST(ss, "/:sessionId/leave", h.LeaveInstance, open)
	mw.DELETE(ss, "/:sessionId", h.DestroySession, open)
	mw.DELETE(ss, "/:sessionId/force", h.ForceDestroySession, admin)

	lk := api.Group("/lock")
	mw.POST(lk, "/request", h.RequestLock, created)
	mw.GET(lk, "/stats", h.LockStats, open)
	mw.GET(lk, "/active", h.ActiveLocks, open)
	mw.GET(lk, "/resource/*resourceId", h.LockStatus, open)
	mw.GET(lk, "/user/:userId", h.UserLocks, open)
	mw.DELETE(lk, "/user/:userId", h.ReleaseUserLocks, admin)
	mw.DELETE(lk, "/:lockId", h.ReleaseLock, open)
	mw.PUT(lk, "/:lockId/renew", h.RenewLock, open)
	mw.DELETE(lk, "/:lockId/force", h.ForceReleaseLock, admin)

	if h.Presence != nil {
		pr := api.Group("/presence")
		mw.GET(pr, "/user/:userId", h.PresenceUser, open)
		mw.GET(pr, "/instance/:instanceId", h.PresenceInstance, open)
	}
}
