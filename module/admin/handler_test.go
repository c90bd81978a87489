package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"PPCollab/global"
	"PPCollab/middleware/security"
	"PPCollab/service/events"
	"PPCollab/service/gateway"
	"PPCollab/service/lock"
	"PPCollab/service/session"
	"PPCollab/service/statesync"
	"PPCollab/service/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (t *nopTransport) WriteText(b []byte, _ time.Time) error {
	t.mu.Lock()
	t.frames = append(t.frames, append([]byte(nil), b...))
	t.mu.Unlock()
	return nil
}
func (t *nopTransport) Ping(time.Time) error { return nil }
func (t *nopTransport) Close() error         { return nil }
func (t *nopTransport) Writable() bool       { return true }
func (t *nopTransport) RemoteAddr() string   { return "pipe" }

type fakePresence struct{ fail bool }

func (f fakePresence) Lookup(_ context.Context, userID string) (storage.Entry, bool, error) {
	if f.fail {
		return storage.Entry{}, false, errors.New("redis down")
	}
	return storage.Entry{ConnectionID: "conn_x", InstanceID: "i1"}, userID == "alice", nil
}

func (f fakePresence) InstanceUsers(context.Context, string) ([]string, error) {
	return []string{"alice"}, nil
}

type env struct {
	h   *Handler
	srv http.Handler
}

func newEnv(t *testing.T, token string, presence PresenceReader) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	pub := events.Nop{}
	reg := gateway.NewRegistry(gateway.Conf{}, pub)
	t.Cleanup(func() { reg.CloseAll("test"); reg.Stop() })

	h := NewHandler(Deps{
		Registry: reg,
		Locks:    lock.NewManager(lock.Config{}, pub),
		Sessions: session.NewManager(session.Config{}, pub),
		Sync:     statesync.New(reg, nil, statesync.Config{}, pub),
		Presence: presence,
	})
	r := gin.New()
	h.Register(r, token)
	return &env{h: h, srv: r}
}

func (e *env) call(t *testing.T, method, path string, body any, hdr ...string) (int, global.Msg) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	var m global.Msg
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return w.Code, m
}

func data(t *testing.T, m global.Msg) map[string]any {
	t.Helper()
	d, ok := m.Data.(map[string]any)
	require.True(t, ok, "data is %T", m.Data)
	return d
}

func TestHealth(t *testing.T) {
	e := newEnv(t, "", nil)
	code, m := e.call(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	d := data(t, m)
	assert.Equal(t, "healthy", d["status"])
	assert.Contains(t, d, "collaborationLock")
	assert.Contains(t, d, "sessionManager")
}

func TestLockRoutes(t *testing.T) {
	e := newEnv(t, "root-token", nil)

	code, m := e.call(t, http.MethodPost, "/api/lock/request",
		gin.H{"resourceId": "instance-001/file.txt", "userId": "alice", "lockType": "exclusive"})
	require.Equal(t, http.StatusCreated, code, m.Msg)
	lk := data(t, m)["lock"].(map[string]any)
	lockID := lk["lockId"].(string)

	code, m = e.call(t, http.MethodPost, "/api/lock/request",
		gin.H{"resourceId": "instance-001/file.txt", "userId": "bob", "lockType": "shared"})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "RESOURCE_LOCKED", m.ErrCode)
	d := data(t, m)
	assert.Equal(t, "alice", d["lockedBy"])
	assert.Equal(t, "exclusive", d["mode"])
	assert.Equal(t, []any{"alice"}, d["holders"])
	assert.NotEmpty(t, d["expiresAt"])

	code, m = e.call(t, http.MethodPost, "/api/lock/request", gin.H{"resourceId": "r", "userId": "u", "lockType": "weird"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", m.ErrCode)

	code, m = e.call(t, http.MethodGet, "/api/lock/resource/instance-001/file.txt", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, data(t, m)["locked"])
	code, m = e.call(t, http.MethodGet, "/api/lock/resource/instance-001/file.txt/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "instance-001/file.txt", data(t, m)["resourceId"])

	code, m = e.call(t, http.MethodPut, "/api/lock/"+lockID+"/renew", gin.H{"userId": "bob"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NOT_OWNER", m.ErrCode)
	code, _ = e.call(t, http.MethodPut, "/api/lock/"+lockID+"/renew", gin.H{"userId": "alice"})
	assert.Equal(t, http.StatusOK, code)

	code, m = e.call(t, http.MethodGet, "/api/lock/user/alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), data(t, m)["count"])

	// force release needs the admin token
	code, m = e.call(t, http.MethodDelete, "/api/lock/"+lockID+"/force", gin.H{"adminUserId": "root"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "AUTH_ADMIN_REQUIRED", m.ErrCode)
	code, m = e.call(t, http.MethodDelete, "/api/lock/"+lockID+"/force", gin.H{"adminUserId": "root"},
		security.HeaderAdminToken, "root-token")
	require.Equal(t, http.StatusOK, code, m.Msg)
	assert.Equal(t, "root", data(t, m)["releasedBy"])

	code, m = e.call(t, http.MethodDelete, "/api/lock/"+lockID, gin.H{"userId": "alice"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", m.ErrCode)

	code, _ = e.call(t, http.MethodDelete, "/api/lock/"+lockID, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, m = e.call(t, http.MethodGet, "/api/lock/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), data(t, m)["totalLocks"])
}

func TestReleaseAndUserLocks(t *testing.T) {
	e := newEnv(t, "", nil)
	for _, res := range []string{"a", "b"} {
		code, _ := e.call(t, http.MethodPost, "/api/lock/request", gin.H{"resourceId": res, "userId": "alice", "lockType": "shared"})
		require.Equal(t, http.StatusCreated, code)
	}
	code, m := e.call(t, http.MethodGet, "/api/lock/active", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), data(t, m)["count"])

	code, m = e.call(t, http.MethodDelete, "/api/lock/user/alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), data(t, m)["released"])
}

func TestSessionRoutes(t *testing.T) {
	e := newEnv(t, "root-token", nil)

	code, _ := e.call(t, http.MethodPost, "/api/session/create", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, m := e.call(t, http.MethodPost, "/api/session/create",
		gin.H{"userId": "alice", "userInfo": gin.H{"username": "Alice", "role": "admin"}})
	require.Equal(t, http.StatusCreated, code, m.Msg)
	sid := data(t, m)["sessionId"].(string)

	code, m = e.call(t, http.MethodGet, "/api/session/"+sid+"/validate", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, data(t, m)["valid"])

	code, m = e.call(t, http.MethodPost, "/api/session/"+sid+"/join", gin.H{"instanceId": "instance-001"})
	require.Equal(t, http.StatusOK, code, m.Msg)
	assert.Equal(t, "instance-001", data(t, m)["instanceId"])

	code, m = e.call(t, http.MethodGet, "/api/session/instance/instance-001/users", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), data(t, m)["count"])

	code, m = e.call(t, http.MethodGet, "/api/session/"+sid+"/permission/delete", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, data(t, m)["hasPermission"])

	code, m = e.call(t, http.MethodGet, "/api/session/user/alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sid, data(t, m)["sessionId"])

	code, _ = e.call(t, http.MethodPost, "/api/session/"+sid+"/leave", nil)
	require.Equal(t, http.StatusOK, code)

	code, m = e.call(t, http.MethodGet, "/api/session/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), data(t, m)["totalSessions"])

	code, m = e.call(t, http.MethodGet, "/api/session/active", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), data(t, m)["count"])

	code, _ = e.call(t, http.MethodDelete, "/api/session/"+sid+"/force", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = e.call(t, http.MethodDelete, "/api/session/"+sid, nil)
	assert.Equal(t, http.StatusBadRequest, code, "logout names the owner")
	code, m = e.call(t, http.MethodDelete, "/api/session/"+sid, gin.H{"userId": "mallory"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "AUTH_PERMISSION_DENIED", m.ErrCode)
	code, _ = e.call(t, http.MethodDelete, "/api/session/"+sid+"?userId=alice", nil)
	require.Equal(t, http.StatusOK, code)

	code, m = e.call(t, http.MethodGet, "/api/session/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "SESSION_NOT_FOUND", m.ErrCode)
}

func TestWebsocketAndSyncRoutes(t *testing.T) {
	e := newEnv(t, "", nil)
	reg := e.h.Registry
	tr := &nopTransport{}
	id := reg.Register(tr)
	require.NoError(t, reg.Authenticate(id, "alice"))
	require.NoError(t, reg.JoinRoom(id, "instance-001"))

	code, m := e.call(t, http.MethodGet, "/api/websocket/instance/instance-001/users", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), data(t, m)["count"])

	code, m = e.call(t, http.MethodPost, "/api/websocket/broadcast/instance-001", gin.H{"message": "maintenance at 5"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), data(t, m)["sentCount"])

	code, m = e.call(t, http.MethodGet, "/api/websocket/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), data(t, m)["totalConnections"])

	// no instance service configured: a forced sync yields a placeholder
	code, m = e.call(t, http.MethodPost, "/api/sync/instance/instance-001", nil)
	require.Equal(t, http.StatusOK, code, m.Msg)
	st := data(t, m)["state"].(map[string]any)
	assert.Equal(t, "placeholder", st["source"])

	code, _ = e.call(t, http.MethodGet, "/api/sync/instance/instance-001/state", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.call(t, http.MethodGet, "/api/sync/instance/nope/state", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, m = e.call(t, http.MethodGet, "/api/sync/snapshot", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, data(t, m), "instances")
}

func TestPresenceRoutes(t *testing.T) {
	e := newEnv(t, "", nil)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/presence/user/alice", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	e = newEnv(t, "", fakePresence{})
	code, m := e.call(t, http.MethodGet, "/api/presence/user/alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, data(t, m)["online"])
	code, m = e.call(t, http.MethodGet, "/api/presence/instance/i1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"alice"}, data(t, m)["users"])

	e = newEnv(t, "", fakePresence{fail: true})
	code, m = e.call(t, http.MethodGet, "/api/presence/user/alice", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", m.ErrCode)
}
