package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/wake-gateway/internal/config"
	"github.com/taoyao-code/wake-gateway/internal/eventbus"
	"github.com/taoyao-code/wake-gateway/internal/metrics"
	"github.com/taoyao-code/wake-gateway/internal/retry"
	"github.com/taoyao-code/wake-gateway/internal/webhook"
)

// NewWebhookNotifier 配置了 URL 时创建事件推送并订阅总线，否则返回 nil
func NewWebhookNotifier(cfg cfgpkg.WebhookConfig, bus *eventbus.Bus, appm *metrics.AppMetrics, logger *zap.Logger) (*webhook.Notifier, error) {
	if cfg.URL == "" {
		logger.Info("webhook disabled")
		return nil, nil
	}
	pusher := webhook.NewPusher(nil, cfg.APIKey, cfg.Secret, retry.Policy{
		MaxRetries: cfg.MaxRetries,
		Base:       cfg.RetryBase,
		Max:        cfg.Timeout,
	})
	n := webhook.NewNotifier(pusher, cfg.URL, cfg.QueueSize, cfg.Timeout, appm, logger)

	kinds := make([]eventbus.Kind, 0, len(cfg.Events))
	for _, k := range cfg.Events {
		kinds = append(kinds, eventbus.Kind(k))
	}
	if _, err := n.Subscribe(bus, kinds...); err != nil {
		return nil, err
	}
	logger.Info("webhook enabled", zap.String("url", cfg.URL), zap.Strings("events", cfg.Events))
	return n, nil
}
