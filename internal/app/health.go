package app

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/wake-gateway/internal/health"
)

// 队列积压阈值，超过后健康状态降级
const (
	maxCommandDepth   = 10000
	maxInboundPending = 1024
)

// NewHealthAggregator 创建健康检查聚合器：数据库 + broker + 队列
func NewHealthAggregator(dbpool *pgxpool.Pool, broker health.BrokerConn, commands health.QueueDepth, inbound health.InboundBacklog) *health.Aggregator {
	return health.NewAggregator(
		health.NewDatabaseChecker(dbpool),
		health.NewBrokerChecker(broker),
		health.NewQueueChecker(commands, inbound, maxCommandDepth, maxInboundPending),
	)
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r gin.IRoutes, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}
