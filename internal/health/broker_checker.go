package health

import (
	"context"
	"time"
)

// BrokerConn Broker 连接状态
type BrokerConn interface {
	Connected() bool
}

// BrokerChecker 断开期间设备消息无法收发，视为不健康
type BrokerChecker struct {
	conn BrokerConn
}

func NewBrokerChecker(conn BrokerConn) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	if !c.conn.Connected() {
		return CheckResult{Status: StatusUnhealthy, Message: "broker disconnected", Latency: time.Since(start)}
	}
	return CheckResult{Status: StatusHealthy, Message: "ok", Latency: time.Since(start)}
}
