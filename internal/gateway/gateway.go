package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/metrics"
	"github.com/taoyao-code/wake-gateway/internal/mqttbus"
)

// Bus broker 连接（mqttbus.Client 实现）
type Bus interface {
	Publisher
	Subscribe(topic string, h mqttbus.Handler) error
}

// Gateway 入站订阅 + 分片 worker 池
type Gateway struct {
	bus        Bus
	dispatcher *Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// New 创建网关；handler 处理 worker 中的消息
func New(bus Bus, handler *Handler, cfg DispatcherConfig, appm *metrics.AppMetrics, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	onDrop := func(string) {
		if appm != nil {
			appm.DispatchDropped.Inc()
		}
	}
	return &Gateway{
		bus:        bus,
		dispatcher: NewDispatcher(cfg, handler.Process, logger, onDrop),
		logger:     logger,
		now:        time.Now,
	}
}

// Start 启动 worker 并订阅设备主题
func (g *Gateway) Start(ctx context.Context) error {
	g.dispatcher.Start(ctx)
	for _, topic := range []string{SubscribeStatus, SubscribeData, SubscribeCommandAck} {
		if err := g.bus.Subscribe(topic, g.onMessage); err != nil {
			return err
		}
		g.logger.Info("subscribed", zap.String("topic", topic))
	}
	return nil
}

// onMessage broker 回调，只做主题解析与投递，不阻塞
func (g *Gateway) onMessage(topic string, payload []byte) {
	_, deviceID, err := ParseTopic(topic)
	if err != nil {
		g.logger.Debug("ignoring message on unexpected topic", zap.String("topic", topic))
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	if err := g.dispatcher.Dispatch(deviceID, Message{Topic: topic, Payload: buf, ReceivedAt: g.now()}); err != nil {
		g.logger.Debug("dispatch after close", zap.String("topic", topic))
	}
}

// Pending 排队中的入站消息数
func (g *Gateway) Pending() int { return g.dispatcher.Pending() }

// Close 停止 worker
func (g *Gateway) Close() { g.dispatcher.Close() }

// CommandPublisher 指令下发适配器（command.Publisher）
type CommandPublisher struct {
	pub Publisher
}

// NewCommandPublisher 创建指令发布器
func NewCommandPublisher(pub Publisher) *CommandPublisher {
	return &CommandPublisher{pub: pub}
}

// PublishCommand 发布到 device/{id}/cmd
func (p *CommandPublisher) PublishCommand(ctx context.Context, deviceID string, msg []byte) error {
	return p.pub.Publish(ctx, CommandTopic(deviceID), msg)
}
