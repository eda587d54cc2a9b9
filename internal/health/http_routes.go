package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes 注册 /health 与 /health/ready
func RegisterHTTPRoutes(r gin.IRoutes, agg *Aggregator) {
	r.GET("/health", func(c *gin.Context) {
		rep := agg.Report(c.Request.Context())
		code := http.StatusOK
		// 降级仍返回 200
		if rep.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, rep)
	})

	r.GET("/health/ready", func(c *gin.Context) {
		if !agg.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": StatusUnhealthy, "ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ready": true})
	})
}
