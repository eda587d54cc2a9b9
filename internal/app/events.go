package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/eventbus"
)

// CacheInvalidator 按设备失效缓存
type CacheInvalidator interface {
	Invalidate(ctx context.Context, deviceID string) error
}

const invalidateTimeout = 2 * time.Second

// SubscribeCacheInvalidation 设备出现新的活动或终态时失效其可靠性缓存
// 失效在独立协程执行，不阻塞事件发布方
func SubscribeCacheInvalidation(bus *eventbus.Bus, cache CacheInvalidator, logger *zap.Logger) (func(), error) {
	return bus.Subscribe(func(ev eventbus.Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
			defer cancel()
			if err := cache.Invalidate(ctx, ev.DeviceID); err != nil {
				logger.Warn("reliability cache invalidate failed", zap.String("device_id", ev.DeviceID), zap.Error(err))
			}
		}()
	}, eventbus.KindTransferCompleted, eventbus.KindTransferFailed, eventbus.KindWakeClassified)
}

// SubscribeEventLog 终态事件写入日志
func SubscribeEventLog(bus *eventbus.Bus, logger *zap.Logger) (func(), error) {
	return bus.Subscribe(func(ev eventbus.Event) {
		logger.Info("event",
			zap.String("kind", string(ev.Kind)),
			zap.String("device_id", ev.DeviceID),
			zap.Int64("session_id", ev.SessionID),
			zap.Int64("payload_id", ev.PayloadID),
			zap.String("detail", ev.Detail),
			zap.Time("at", ev.At))
	})
}
