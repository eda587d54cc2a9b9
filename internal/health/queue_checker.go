package health

import (
	"context"
	"fmt"
	"time"
)

// QueueDepth 指令队列深度
type QueueDepth interface {
	Depth(ctx context.Context) (int64, error)
}

// InboundBacklog 入站分发积压
type InboundBacklog interface {
	Pending() int
}

// QueueChecker 指令队列与入站分发积压
type QueueChecker struct {
	commands    QueueDepth
	inbound     InboundBacklog
	maxCommands int64
	maxInbound  int
}

// NewQueueChecker 超过阈值时降级；阈值<=0 表示不限制
func NewQueueChecker(commands QueueDepth, inbound InboundBacklog, maxCommands int64, maxInbound int) *QueueChecker {
	return &QueueChecker{commands: commands, inbound: inbound, maxCommands: maxCommands, maxInbound: maxInbound}
}

func (c *QueueChecker) Name() string { return "queue" }

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	details := map[string]any{}
	status, message := StatusHealthy, "ok"

	if c.commands != nil {
		depth, err := c.commands.Depth(ctx)
		if err != nil {
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("depth query failed: %v", err), Latency: time.Since(start)}
		}
		details["command_depth"] = depth
		if c.maxCommands > 0 && depth > c.maxCommands {
			status, message = StatusDegraded, "command backlog high"
		}
	}
	if c.inbound != nil {
		pending := c.inbound.Pending()
		details["inbound_pending"] = pending
		if c.maxInbound > 0 && pending > c.maxInbound {
			status, message = StatusDegraded, "inbound backlog high"
		}
	}
	return CheckResult{Status: status, Message: message, Details: details, Latency: time.Since(start)}
}
