package loop

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Task 周期任务，now 由调度器注入，测试时可直接调用
type Task func(ctx context.Context, now time.Time)

// Loop ticker + 任务 的显式调度器
type Loop struct {
	Name     string
	Interval time.Duration
	Task     Task

	now    func() time.Time
	logger *zap.Logger
}

// Option 配置项
type Option func(*Loop)

// WithNow 注入时钟
func WithNow(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger 注入日志器
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New 创建调度器
func New(name string, interval time.Duration, task Task, opts ...Option) *Loop {
	l := &Loop{
		Name:     name,
		Interval: interval,
		Task:     task,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.Interval <= 0 {
		l.Interval = time.Second
	}
	return l
}

// Run 阻塞运行直到 ctx 取消
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("loop started", zap.String("loop", l.Name), zap.Duration("interval", l.Interval))

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("loop stopped", zap.String("loop", l.Name))
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce 立即执行一次任务（panic 隔离，避免单次失败拖垮循环）
func (l *Loop) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panic", zap.String("loop", l.Name), zap.Any("panic", r))
		}
	}()
	l.Task(ctx, l.now())
}
