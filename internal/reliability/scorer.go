package reliability

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/schedule"
)

// Tier 可靠性等级，按优先级排列
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierPoor      Tier = "poor"
	TierOffline   Tier = "offline"
	TierUnknown   Tier = "unknown" // 未配置计划，非数值等级
)

// DefaultTolerance 计划时刻前后的匹配窗口
const DefaultTolerance = 30 * time.Minute

// Result 连通性记录（派生数据，只用于展示）
type Result struct {
	DeviceID      string      `json:"device_id"`
	Status        Tier        `json:"status"`
	Percent       *float64    `json:"percent,omitempty"`
	ExpectedTimes []time.Time `json:"expected_times"`
	MatchedTimes  []time.Time `json:"matched_times"`
	MatchedCount  int         `json:"matched_count"`
	ComputedAt    time.Time   `json:"computed_at"`
}

// DeviceSchedule 设备计划
type DeviceSchedule struct {
	Expr     string
	Timezone string
}

// Source 可靠性计算需要的只读数据
type Source interface {
	DeviceSchedule(ctx context.Context, deviceID string) (DeviceSchedule, error)
	// ActivityTimes 返回 [from, to] 内任意活动信号（心跳、遥测、图像）的时间
	ActivityTimes(ctx context.Context, deviceID string, from, to time.Time) ([]time.Time, error)
}

// Cache 结果缓存（仅展示用）
type Cache interface {
	Get(ctx context.Context, deviceID string, lookback int) (Result, bool, error)
	Set(ctx context.Context, lookback int, r Result) error
}

// Scorer 可靠性评分
type Scorer struct {
	src       Source
	calc      *schedule.Calculator
	cache     Cache
	tolerance time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Option 配置项
type Option func(*Scorer)

// WithTolerance 设置匹配容差
func WithTolerance(d time.Duration) Option {
	return func(s *Scorer) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

// WithCache 启用结果缓存
func WithCache(c Cache) Option {
	return func(s *Scorer) { s.cache = c }
}

// WithNow 注入时钟
func WithNow(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Scorer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScorer 创建评分器
func NewScorer(src Source, calc *schedule.Calculator, opts ...Option) *Scorer {
	s := &Scorer{
		src:       src,
		calc:      calc,
		tolerance: DefaultTolerance,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.calc == nil {
		s.calc = schedule.NewCalculator(s.logger)
	}
	return s
}

// Score 计算最近 lookback 个计划时刻的唤醒命中率
func (s *Scorer) Score(ctx context.Context, deviceID string, lookback int) (Result, error) {
	now := s.now()
	res := Result{DeviceID: deviceID, Status: TierUnknown, ComputedAt: now}

	sched, err := s.src.DeviceSchedule(ctx, deviceID)
	if err != nil {
		return Result{}, fmt.Errorf("load schedule: %w", err)
	}
	if sched.Expr == "" || lookback <= 0 {
		return res, nil
	}
	expected, err := s.calc.Before(sched.Expr, sched.Timezone, now, lookback)
	if err != nil {
		s.logger.Warn("schedule unparseable, reliability unknown",
			zap.String("device_id", deviceID),
			zap.String("expr", sched.Expr),
			zap.Error(err))
		return res, nil
	}
	if len(expected) == 0 {
		return res, nil
	}

	activity, err := s.src.ActivityTimes(ctx, deviceID,
		expected[0].Add(-s.tolerance), expected[len(expected)-1].Add(s.tolerance))
	if err != nil {
		return Result{}, fmt.Errorf("load activity: %w", err)
	}
	sort.Slice(activity, func(i, j int) bool { return activity[i].Before(activity[j]) })

	res.ExpectedTimes = expected
	for _, t := range expected {
		if matches(activity, t, s.tolerance) {
			res.MatchedTimes = append(res.MatchedTimes, t)
		}
	}
	res.MatchedCount = len(res.MatchedTimes)
	pct := math.Round(float64(res.MatchedCount)/float64(len(expected))*1000) / 10
	res.Percent = &pct
	res.Status = tierOf(res.MatchedCount, len(expected))
	return res, nil
}

// Cached 优先读缓存，未命中时计算并回写
func (s *Scorer) Cached(ctx context.Context, deviceID string, lookback int) (Result, error) {
	if s.cache != nil {
		if r, ok, err := s.cache.Get(ctx, deviceID, lookback); err == nil && ok {
			return r, nil
		} else if err != nil {
			s.logger.Warn("reliability cache read failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	r, err := s.Score(ctx, deviceID, lookback)
	if err != nil {
		return Result{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, lookback, r); err != nil {
			s.logger.Warn("reliability cache write failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	return r, nil
}

func tierOf(matched, expected int) Tier {
	switch {
	case expected == 0:
		return TierUnknown
	case matched == expected:
		return TierExcellent
	case matched*3 >= expected*2:
		return TierGood
	case matched > 0:
		return TierPoor
	default:
		return TierOffline
	}
}

// matches activity 已升序
func matches(activity []time.Time, t time.Time, tol time.Duration) bool {
	lo := t.Add(-tol)
	i := sort.Search(len(activity), func(i int) bool { return !activity[i].Before(lo) })
	return i < len(activity) && !activity[i].After(t.Add(tol))
}
