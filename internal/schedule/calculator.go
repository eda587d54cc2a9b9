package schedule

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const maxEnumerate = 10000

// Calculator 唤醒计划计算器：带日志与时区缓存的门面
type Calculator struct {
	logger *zap.Logger
	def    *time.Location

	mu   sync.RWMutex
	locs map[string]*time.Location
}

// NewCalculator 创建计算器
func NewCalculator(logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{logger: logger, def: time.UTC, locs: make(map[string]*time.Location)}
}

// SetDefaultTimezone 站点未配置或配置错误时使用的时区；启动时调用一次
func (c *Calculator) SetDefaultTimezone(tz string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return err
	}
	c.def = loc
	return nil
}

// Location 解析时区名，失败回退默认时区
func (c *Calculator) Location(tz string) *time.Location {
	if tz == "" {
		return c.def
	}
	c.mu.RLock()
	loc, ok := c.locs[tz]
	c.mu.RUnlock()
	if ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		c.logger.Warn("unknown timezone, falling back to default", zap.String("tz", tz), zap.String("default", c.def.String()), zap.Error(err))
		loc = c.def
	}
	c.mu.Lock()
	c.locs[tz] = loc
	c.mu.Unlock()
	return loc
}

// NextWake 计算下一次唤醒；表达式非法时回退到 lastWake+24h，保证设备总能拿到唤醒指令
func (c *Calculator) NextWake(lastWake time.Time, expr, tz string) time.Time {
	e, err := Parse(expr)
	if err != nil {
		c.logger.Warn("schedule ambiguous, using default interval",
			zap.String("expr", expr),
			zap.Duration("default", DefaultInterval*time.Minute),
			zap.Error(err))
		return lastWake.Add(DefaultInterval * time.Minute).UTC()
	}
	return e.Next(lastWake, c.Location(tz))
}

// Between 返回 [from, to] 内的计划唤醒时刻
func (c *Calculator) Between(expr, tz string, from, to time.Time) ([]time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return e.Between(c.Location(tz), from, to)
}

// Before 返回严格早于 t 的最近 n 个计划唤醒时刻（升序）
func (c *Calculator) Before(expr, tz string, t time.Time, n int) ([]time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return e.Before(c.Location(tz), t, n)
}

func (e Expr) cronSchedule(loc *time.Location) (*cron.SpecSchedule, error) {
	s, err := cron.ParseStandard(e.cronSpec())
	if err != nil {
		return nil, err
	}
	spec := s.(*cron.SpecSchedule)
	spec.Location = loc
	return spec, nil
}

// Between 枚举 [from, to] 内的计划时刻，按对齐的计划槽位计算（分钟 */N 对齐到整点）
func (e Expr) Between(loc *time.Location, from, to time.Time) ([]time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	spec, err := e.cronSchedule(loc)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for t := spec.Next(from.Add(-time.Second)); !t.IsZero() && !t.After(to); t = spec.Next(t) {
		if t.Before(from) {
			continue
		}
		out = append(out, t.UTC())
		if len(out) >= maxEnumerate {
			break
		}
	}
	return out, nil
}

// Before 返回严格早于 t 的最近 n 个计划时刻（升序）。
// 只解释分钟和小时，每天至少一个计划时刻，按天向前逐段枚举，最多回看 n+2 天。
func (e Expr) Before(loc *time.Location, t time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []time.Time
	hi := t
	for day := 0; day < n+2 && len(out) < n; day++ {
		lo := hi.Add(-24 * time.Hour)
		all, err := e.Between(loc, lo, hi)
		if err != nil {
			return nil, err
		}
		// 段为 [lo, hi)，避免相邻段重复计入边界时刻
		seg := make([]time.Time, 0, len(all)+len(out))
		for _, x := range all {
			if x.Before(hi) {
				seg = append(seg, x)
			}
		}
		out = append(seg, out...)
		hi = lo
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
