package middleware

import (
	"errors"
	"net/http"

	"PPCollab/global"

	"github.com/gin-gonic/gin"
)

// HandlerFunc 业务 handler 只管返回数据或 error，响应包装统一在 Wrap 里做
type HandlerFunc func(c *gin.Context) (any, error)

// Detailer is implemented by errors that carry a structured body for the
// failure response, e.g. the holders of a contested lock.
type Detailer interface {
	Details() any
}

// 配置选项
type RouteOpt struct {
	Guard  gin.HandlerFunc // nil: open route
	Status int             // success status, default 200
}

func Wrap(h HandlerFunc, opt RouteOpt) gin.HandlerFunc {
	ok := opt.Status
	if ok == 0 {
		ok = http.StatusOK
	}
	return func(c *gin.Context) {
		data, err := h(c)
		if err != nil {
			var body any
			var d Detailer
			if errors.As(err, &d) {
				body = d.Details()
			}
			_ = c.Error(err)
			c.AbortWithStatusJSON(global.Fail(err, body))
			return
		}
		msg := global.Success(data)
		msg.Code = ok
		c.JSON(ok, msg)
	}
}

func handle(r gin.IRoutes, method, path string, h HandlerFunc, opt RouteOpt) {
	chain := make([]gin.HandlerFunc, 0, 2)
	if opt.Guard != nil {
		chain = append(chain, opt.Guard)
	}
	r.Handle(method, path, append(chain, Wrap(h, opt))...)
}

// 封装 GET
func GET(r gin.IRoutes, path string, h HandlerFunc, opt RouteOpt) {
	handle(r, http.MethodGet, path, h, opt)
}

// 封装 POST
func POST(r gin.IRoutes, path string, h HandlerFunc, opt RouteOpt) {
	handle(r, http.MethodPost, path, h, opt)
}

func PUT(r gin.IRoutes, path string, h HandlerFunc, opt RouteOpt) {
	handle(r, http.MethodPut, path, h, opt)
}

func DELETE(r gin.IRoutes, path string, h HandlerFunc, opt RouteOpt) {
	handle(r, http.MethodDelete, path, h, opt)
}
