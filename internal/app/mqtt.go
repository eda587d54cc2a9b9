package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/wake-gateway/internal/config"
	"github.com/taoyao-code/wake-gateway/internal/mqttbus"
)

// BrokerConfig 配置转换为 mqttbus 参数；未配置 client id 时使用实例ID
func BrokerConfig(cfg cfgpkg.MQTTConfig) mqttbus.Config {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = GenerateServerID()
	}
	return mqttbus.Config{
		Broker:         cfg.Broker,
		ClientID:       clientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		QoS:            byte(cfg.QoS),
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		PublishTimeout: cfg.PublishTimeout,
		CleanSession:   cfg.CleanSession,
	}
}

// ConnectBroker 创建并连接 broker 客户端
// 超时返回的客户端仍在后台重连，连上后自动恢复订阅
func ConnectBroker(ctx context.Context, cfg cfgpkg.MQTTConfig, logger *zap.Logger) (*mqttbus.Client, error) {
	bc := BrokerConfig(cfg)
	client := mqttbus.New(bc, logger.Named("mqtt"))

	timeout := bc.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client, client.Connect(cctx)
}
