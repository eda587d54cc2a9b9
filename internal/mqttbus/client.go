package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqttbus: not connected")

// Handler 入站消息回调；在 paho 的回调协程中执行，必须尽快返回
type Handler func(topic string, payload []byte)

// Config Broker 连接参数
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	CleanSession   bool
}

// Client 单条长连接；断线自动重连并恢复订阅
type Client struct {
	cfg    Config
	client mqtt.Client
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]Handler
}

// New 创建客户端（未连接）
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "wake-gateway-" + uuid.NewString()[:8]
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	c := &Client{cfg: cfg, logger: logger, subs: make(map[string]Handler)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("mqtt reconnecting", zap.String("broker", cfg.Broker))
	})
	c.client = mqtt.NewClient(opts)
	return c
}

// Connect 建立连接；ctx 取消时放弃等待
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info("mqtt connected", zap.String("broker", c.cfg.Broker), zap.String("client_id", c.cfg.ClientID))
	return nil
}

// Subscribe 注册订阅；已连接时立即订阅，重连后自动恢复
func (c *Client) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, h)
}

// Publish 发布消息
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	timeout := time.NewTimer(c.cfg.PublishTimeout)
	defer timeout.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
}

// Connected 连接是否可用
func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Close 断开连接
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.mu.RLock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.RUnlock()
	for t, h := range subs {
		if err := c.subscribe(t, h); err != nil {
			c.logger.Error("mqtt resubscribe failed", zap.String("topic", t), zap.Error(err))
		}
	}
}

func (c *Client) subscribe(topic string, h Handler) error {
	token := c.client.Subscribe(topic, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	c.logger.Info("mqtt subscribed", zap.String("topic", topic))
	return nil
}
