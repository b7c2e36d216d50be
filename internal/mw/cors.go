package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS 返回一个支持跨域请求的中间件：dev 环境允许所有来源；
// 其他环境只允许 allowed 中列出的来源，列表为空时退化为同源。
func CORS(env string, allowed []string) gin.HandlerFunc {
	allow := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allow[strings.TrimRight(o, "/")] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		switch {
		case env == "dev" || allow["*"]:
			c.Header("Access-Control-Allow-Origin", origin)
		case len(allow) > 0:
			if allow[strings.TrimRight(origin, "/")] {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		default:
			if sameHost(origin, c.Request.Host) {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		}
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func sameHost(origin, host string) bool {
	if i := strings.Index(origin, "://"); i >= 0 {
		origin = origin[i+3:]
	}
	return origin == host
}
