package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis Key设计
const (
	// presence:seen -> ZSet[deviceID]，score 为最近消息的毫秒时间戳
	keySeen = "presence:seen"
)

// RedisManager Redis版本的在线跟踪，多实例共享
type RedisManager struct {
	client  *redis.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisManager 创建Redis在线跟踪
func NewRedisManager(client *redis.Client, timeout time.Duration, logger *zap.Logger) *RedisManager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisManager{client: client, timeout: timeout, logger: logger}
}

// OnSeen 更新最近消息时间（只前进不后退）
func (m *RedisManager) OnSeen(deviceID string, t time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.client.ZAddGT(ctx, keySeen, redis.Z{Score: float64(t.UnixMilli()), Member: deviceID}).Err()
	if err != nil {
		m.logger.Warn("presence update failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// Forget 删除记录
func (m *RedisManager) Forget(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.client.ZRem(ctx, keySeen, deviceID)
}

// IsOnline 判断设备是否在线
func (m *RedisManager) IsOnline(deviceID string, now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	score, err := m.client.ZScore(ctx, keySeen, deviceID).Result()
	if err != nil {
		return false
	}
	return now.UnixMilli()-int64(score) <= m.timeout.Milliseconds()
}

// OnlineDevices 返回在线设备
func (m *RedisManager) OnlineDevices(now time.Time) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ids, err := m.client.ZRangeByScore(ctx, keySeen, m.window(now)).Result()
	if err != nil {
		m.logger.Warn("presence scan failed", zap.Error(err))
		return nil
	}
	return ids
}

// OnlineCount 返回在线设备数量
func (m *RedisManager) OnlineCount(now time.Time) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w := m.window(now)
	n, err := m.client.ZCount(ctx, keySeen, w.Min, w.Max).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Prune 清理早已离线的记录
func (m *RedisManager) Prune(now time.Time) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cutoff := now.Add(-2 * m.timeout).UnixMilli()
	n, err := m.client.ZRemRangeByScore(ctx, keySeen, "-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		m.logger.Warn("presence prune failed", zap.Error(err))
		return 0
	}
	return int(n)
}

func (m *RedisManager) window(now time.Time) *redis.ZRangeBy {
	min := now.Add(-m.timeout).UnixMilli()
	return &redis.ZRangeBy{Min: strconv.FormatInt(min, 10), Max: "+inf"}
}
