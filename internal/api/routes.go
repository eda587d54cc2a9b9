package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/api/middleware"
)

// RegisterRoutes 注册 /api 运维路由（需要认证）
func RegisterRoutes(r gin.IRouter, h *Handler, authCfg middleware.AuthConfig, rl middleware.RateLimitConfig, logger *zap.Logger) {
	if r == nil || h == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api := r.Group("/api")
	api.Use(middleware.RateLimit(rl))
	api.Use(middleware.APIKeyAuth(authCfg, logger))
	if authCfg.Enabled {
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	// 设备
	api.GET("/devices/:device_id", h.GetDevice)
	api.POST("/devices/:device_id/map", h.MapDevice)
	api.PUT("/devices/:device_id/schedule", h.UpdateSchedule)
	api.POST("/devices/:device_id/wake", h.RequestManualWake)
	api.GET("/devices/:device_id/reliability", h.GetReliability)
	api.GET("/devices/:device_id/payloads", h.ListPayloads)

	// 指令
	api.POST("/devices/:device_id/commands", h.EnqueueCommand)
	api.GET("/devices/:device_id/commands", h.ListCommands)
	api.GET("/commands/stats", h.QueueStats)

	// 站点与会话
	api.POST("/sites", h.CreateSite)
	api.GET("/sessions/:id", h.GetSession)
	api.POST("/sessions/:id/snapshots", h.GenerateSnapshot)
	api.GET("/sessions/:id/snapshots", h.ListSnapshots)

	logger.Info("api routes registered", zap.Int("endpoints", 13))
}
