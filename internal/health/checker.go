package health

import (
	"context"
	"time"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded" // 部分受损但仍可服务
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult 单项检查结果
type CheckResult struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency"`
}

// Checker 健康检查器
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// utilizationStatus 按使用率划分状态，degradedAt < unhealthyAt
func utilizationStatus(u, degradedAt, unhealthyAt float64) (Status, string) {
	switch {
	case u >= unhealthyAt:
		return StatusUnhealthy, "capacity exhausted"
	case u > degradedAt:
		return StatusDegraded, "near capacity"
	}
	return StatusHealthy, "ok"
}
