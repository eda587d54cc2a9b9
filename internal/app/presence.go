package app

import (
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/wake-gateway/internal/config"
	"github.com/taoyao-code/wake-gateway/internal/presence"
	redisstorage "github.com/taoyao-code/wake-gateway/internal/storage/redis"
)

// PresenceTracker 在线跟踪 + 过期清理
type PresenceTracker interface {
	presence.Tracker
	Prune(now time.Time) int
}

// NewPresence Redis 可用时使用 Redis 实现（多实例共享），否则使用内存实现
func NewPresence(cfg cfgpkg.PresenceConfig, redisClient *redisstorage.Client, logger *zap.Logger) PresenceTracker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = presence.DefaultTimeout
	}
	if redisClient != nil {
		logger.Info("presence backed by redis", zap.Duration("timeout", timeout))
		return presence.NewRedisManager(redisClient.Client, timeout, logger)
	}
	logger.Info("presence backed by memory", zap.Duration("timeout", timeout))
	return presence.New(timeout)
}
