package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taoyao-code/wake-gateway/internal/reliability"
)

// DefaultReliabilityTTL 可靠性结果缓存时长
const DefaultReliabilityTTL = 5 * time.Minute

var _ reliability.Cache = (*ReliabilityCache)(nil)

// ReliabilityCache 可靠性评分的展示缓存，写路径从不读取
type ReliabilityCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewReliabilityCache ttl<=0 时使用默认值
func NewReliabilityCache(rdb *redis.Client, ttl time.Duration) *ReliabilityCache {
	if ttl <= 0 {
		ttl = DefaultReliabilityTTL
	}
	return &ReliabilityCache{rdb: rdb, ttl: ttl}
}

func reliabilityKey(deviceID string, lookback int) string {
	return fmt.Sprintf("reliability:%s:%d", deviceID, lookback)
}

func (c *ReliabilityCache) Get(ctx context.Context, deviceID string, lookback int) (reliability.Result, bool, error) {
	raw, err := c.rdb.Get(ctx, reliabilityKey(deviceID, lookback)).Bytes()
	if errors.Is(err, redis.Nil) {
		return reliability.Result{}, false, nil
	}
	if err != nil {
		return reliability.Result{}, false, err
	}
	var r reliability.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		// 脏数据当作未命中，由下一次 Set 覆盖
		return reliability.Result{}, false, nil
	}
	return r, true, nil
}

func (c *ReliabilityCache) Set(ctx context.Context, lookback int, r reliability.Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, reliabilityKey(r.DeviceID, lookback), raw, c.ttl).Err()
}

// Invalidate 删除设备全部缓存结果，计划变更时调用
func (c *ReliabilityCache) Invalidate(ctx context.Context, deviceID string) error {
	iter := c.rdb.Scan(ctx, 0, fmt.Sprintf("reliability:%s:*", deviceID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
