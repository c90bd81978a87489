package middleware

import (
	"net/http"
	"time"

	"PPCollab/global"
	"PPCollab/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog writes one line per request. Health probes go to debug.
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}
		switch {
		case c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ws":
			log.Debug("http", fields...)
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("http", fields...)
		default:
			log.Info("http", fields...)
		}
	}
}

// Recovery turns a handler panic into an INTERNAL envelope; the stack stays in the log.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Error("handler panic", zap.String("path", c.Request.URL.Path), zap.Error(errs.ErrPanic(rec)))
		c.AbortWithStatusJSON(global.Fail(errs.ErrInternal, nil))
	})
}
