package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout 单项检查超时
const DefaultCheckTimeout = 2 * time.Second

// Aggregator 并发执行检查并汇总
type Aggregator struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// NewAggregator 创建聚合器
func NewAggregator(checkers ...Checker) *Aggregator {
	return &Aggregator{checkers: checkers, timeout: DefaultCheckTimeout}
}

// AddChecker 添加检查器
func (a *Aggregator) AddChecker(c Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkers = append(a.checkers, c)
}

// CheckAll 并发执行全部检查；超时的检查记为不健康
func (a *Aggregator) CheckAll(ctx context.Context) map[string]CheckResult {
	a.mu.RLock()
	checkers := append([]Checker(nil), a.checkers...)
	a.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			done := make(chan CheckResult, 1)
			start := time.Now()
			go func() { done <- c.Check(cctx) }()
			var res CheckResult
			select {
			case res = <-done:
			case <-cctx.Done():
				res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Latency: time.Since(start)}
			}
			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

// Overall 由检查结果得出总体状态：任一不健康即不健康，其次降级
func Overall(results map[string]CheckResult) Status {
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Report 健康报告
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Report 执行检查并生成报告
func (a *Aggregator) Report(ctx context.Context) Report {
	checks := a.CheckAll(ctx)
	return Report{Status: Overall(checks), Timestamp: time.Now().UTC(), Checks: checks}
}

// Ready 降级仍视为就绪
func (a *Aggregator) Ready(ctx context.Context) bool {
	return Overall(a.CheckAll(ctx)) != StatusUnhealthy
}
