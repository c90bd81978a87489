package security

import (
	"crypto/subtle"
	"strings"

	"PPCollab/global"
	"PPCollab/tools/errs"

	"github.com/gin-gonic/gin"
)

// context key
const (
	HeaderAdminToken = "X-Admin-Token"
	CtxAdminKey      = "collab.admin"
)

// AdminToken guards operator routes. With an empty token the guard is open,
// which is the dev default.
func AdminToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Set(CtxAdminKey, true)
			c.Next()
			return
		}
		got := strings.TrimSpace(c.GetHeader(HeaderAdminToken))
		// 兼容 Authorization: Bearer xxx
		if got == "" {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				got = strings.TrimSpace(authz[len("bearer "):])
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(global.Fail(errs.ErrAdminRequired, nil))
			return
		}
		c.Set(CtxAdminKey, true)
		c.Next()
	}
}

func IsAdmin(c *gin.Context) bool {
	return c.GetBool(CtxAdminKey)
}
