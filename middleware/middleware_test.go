package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"PPCollab/global"
	"PPCollab/middleware/security"
	"PPCollab/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type conflict struct{ Holder string }

func (conflict) Error() string  { return "held" }
func (c conflict) Details() any { return map[string]string{"lockedBy": c.Holder} }
func (conflict) Unwrap() error  { return errs.ErrResourceLocked }

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery(zap.NewNop()), AccessLog(zap.NewNop()), Origin(nil))
	admin := RouteOpt{Guard: security.AdminToken("s3cret")}

	GET(r, "/ok", func(*gin.Context) (any, error) { return gin.H{"n": 1}, nil }, RouteOpt{})
	POST(r, "/created", func(*gin.Context) (any, error) { return "x", nil }, RouteOpt{Status: http.StatusCreated})
	PUT(r, "/missing", func(*gin.Context) (any, error) { return nil, errs.ErrSessionNotFound }, RouteOpt{})
	DELETE(r, "/locked", func(*gin.Context) (any, error) { return nil, conflict{Holder: "bob"} }, RouteOpt{})
	GET(r, "/admin", func(c *gin.Context) (any, error) { return security.IsAdmin(c), nil }, admin)
	GET(r, "/boom", func(*gin.Context) (any, error) { panic("kaboom") }, RouteOpt{})
	return r
}

func do(t *testing.T, r http.Handler, method, path string, hdr map[string]string) (*httptest.ResponseRecorder, global.Msg) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var m global.Msg
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	}
	return w, m
}

func TestWrap(t *testing.T) {
	r := newEngine()

	w, m := do(t, r, http.MethodGet, "/ok", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", m.Msg)
	assert.Equal(t, map[string]any{"n": float64(1)}, m.Data)

	w, m = do(t, r, http.MethodPost, "/created", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, http.StatusCreated, m.Code)

	w, m = do(t, r, http.MethodPut, "/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", m.ErrCode)

	w, m = do(t, r, http.MethodDelete, "/locked", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RESOURCE_LOCKED", m.ErrCode)
	assert.Equal(t, map[string]any{"lockedBy": "bob"}, m.Data)
}

func TestAdminGuard(t *testing.T) {
	r := newEngine()

	w, m := do(t, r, http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "AUTH_ADMIN_REQUIRED", m.ErrCode)

	w, _ = do(t, r, http.MethodGet, "/admin", map[string]string{security.HeaderAdminToken: "nope"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, m = do(t, r, http.MethodGet, "/admin", map[string]string{security.HeaderAdminToken: "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, m.Data)

	w, _ = do(t, r, http.MethodGet, "/admin", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminGuard_OpenWithoutToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	GET(r, "/admin", func(c *gin.Context) (any, error) { return security.IsAdmin(c), nil },
		RouteOpt{Guard: security.AdminToken("")})
	w, m := do(t, r, http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, m.Data)
}

func TestRecovery(t *testing.T) {
	w, m := do(t, newEngine(), http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL", m.ErrCode)
	assert.NotContains(t, w.Body.String(), "kaboom")
}

func TestOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Origin([]string{"https://app.example.com/"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w, _ := do(t, r, http.MethodOptions, "/x", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w, _ = do(t, r, http.MethodGet, "/x", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
