package webhook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/eventbus"
	"github.com/taoyao-code/wake-gateway/internal/metrics"
)

// Event 推送到外部的事件体
type Event struct {
	Event     string `json:"event"`
	DeviceID  string `json:"deviceId"`
	SessionID int64  `json:"sessionId,omitempty"`
	PayloadID int64  `json:"payloadId,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func fromBus(ev eventbus.Event) Event {
	return Event{
		Event:     string(ev.Kind),
		DeviceID:  ev.DeviceID,
		SessionID: ev.SessionID,
		PayloadID: ev.PayloadID,
		Detail:    ev.Detail,
		Timestamp: ev.At.Unix(),
	}
}

// Sender 推送实现（Pusher）
type Sender interface {
	SendJSON(ctx context.Context, endpoint string, payload any) error
}

// Notifier 订阅事件总线，经有界队列异步推送；队列满时丢弃
type Notifier struct {
	sender   Sender
	endpoint string
	timeout  time.Duration
	queue    chan Event
	metrics  *metrics.AppMetrics
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewNotifier 创建通知器
func NewNotifier(sender Sender, endpoint string, queueSize int, timeout time.Duration, appm *metrics.AppMetrics, logger *zap.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sender:   sender,
		endpoint: endpoint,
		timeout:  timeout,
		queue:    make(chan Event, queueSize),
		metrics:  appm,
		logger:   logger,
	}
}

// Subscribe 注册到总线；kinds 为空表示全部事件
func (n *Notifier) Subscribe(bus *eventbus.Bus, kinds ...eventbus.Kind) (func(), error) {
	return bus.Subscribe(n.Enqueue, kinds...)
}

// Enqueue 非阻塞入队
func (n *Notifier) Enqueue(ev eventbus.Event) {
	select {
	case n.queue <- fromBus(ev):
	default:
		n.count("dropped")
		n.logger.Warn("webhook queue full, event dropped",
			zap.String("kind", string(ev.Kind)),
			zap.String("device_id", ev.DeviceID))
	}
}

// Start 启动推送协程；ctx 取消后排空已入队事件再退出
func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case ev := <-n.queue:
				n.send(ctx, ev)
			case <-ctx.Done():
				n.drain()
				return
			}
		}
	}()
}

// Wait 等待推送协程退出
func (n *Notifier) Wait() { n.wg.Wait() }

// Pending 队列中待推送的事件数
func (n *Notifier) Pending() int { return len(n.queue) }

func (n *Notifier) drain() {
	for {
		select {
		case ev := <-n.queue:
			n.send(context.Background(), ev)
		default:
			return
		}
	}
}

func (n *Notifier) send(parent context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(parent, n.timeout)
	defer cancel()
	if err := n.sender.SendJSON(ctx, n.endpoint, ev); err != nil {
		n.count("error")
		n.logger.Warn("webhook push failed",
			zap.String("event", ev.Event),
			zap.String("device_id", ev.DeviceID),
			zap.Error(err))
		return
	}
	n.count("ok")
}

func (n *Notifier) count(result string) {
	if n.metrics != nil {
		n.metrics.WebhookPushes.WithLabelValues(result).Inc()
	}
}
