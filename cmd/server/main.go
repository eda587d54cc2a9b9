package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/wake-gateway/internal/config"
	"github.com/taoyao-code/wake-gateway/internal/logging"
)

// @title Wake Gateway API
// @version 1.0
// @description 设备唤醒网关运维 API：设备、指令、站点、会话与快照
// @BasePath /
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	// 1) 加载配置（WAKE_CONFIG 指定路径，WAKE_* 环境变量覆盖）
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// 3) 启动网关，阻塞到收到退出信号
	if err := bootstrap.Run(cfg, logger); err != nil {
		logger.Error("wake gateway exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
