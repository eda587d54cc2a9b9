package gateway

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message 一条入站消息
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// ProcessFunc 消息处理函数，在 worker 中串行执行
type ProcessFunc func(ctx context.Context, deviceID string, msg Message)

var ErrDispatcherClosed = errors.New("gateway: dispatcher closed")

// Dispatcher 按设备ID哈希分片的 worker 池。
// 同一设备的消息落到同一 worker，保证顺序；不同设备互不阻塞。
type Dispatcher struct {
	queues  []chan dispatchItem
	process ProcessFunc
	offer   time.Duration
	logger  *zap.Logger
	onDrop  func(deviceID string)

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started bool
}

type dispatchItem struct {
	deviceID string
	msg      Message
}

// DispatcherConfig worker 池参数
type DispatcherConfig struct {
	Workers      int
	QueueSize    int
	OfferTimeout time.Duration // 队列满时最多等待的时长，超时丢弃
}

// NewDispatcher 创建分片池
func NewDispatcher(cfg DispatcherConfig, process ProcessFunc, logger *zap.Logger, onDrop func(deviceID string)) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queues:  make([]chan dispatchItem, cfg.Workers),
		process: process,
		offer:   cfg.OfferTimeout,
		logger:  logger,
		onDrop:  onDrop,
	}
	for i := range d.queues {
		d.queues[i] = make(chan dispatchItem, cfg.QueueSize)
	}
	return d
}

// Start 启动 worker；ctx 取消后 worker 处理完已入队消息再退出
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i, q := range d.queues {
		d.wg.Add(1)
		go func(idx int, q <-chan dispatchItem) {
			defer d.wg.Done()
			for item := range q {
				d.run(ctx, item)
			}
		}(i, q)
	}
}

func (d *Dispatcher) run(ctx context.Context, item dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message handler panic",
				zap.String("device_id", item.deviceID),
				zap.String("topic", item.msg.Topic),
				zap.Any("panic", r))
		}
	}()
	d.process(ctx, item.deviceID, item.msg)
}

// Dispatch 投递消息；队列满时短暂等待，仍满则丢弃
func (d *Dispatcher) Dispatch(deviceID string, msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q := d.queues[d.shard(deviceID)]
	item := dispatchItem{deviceID: deviceID, msg: msg}
	select {
	case q <- item:
		return nil
	default:
	}

	timer := time.NewTimer(d.offer)
	defer timer.Stop()
	select {
	case q <- item:
		return nil
	case <-timer.C:
		d.logger.Warn("worker queue full, message dropped",
			zap.String("device_id", deviceID),
			zap.String("topic", msg.Topic))
		if d.onDrop != nil {
			d.onDrop(deviceID)
		}
		return nil
	}
}

// Pending 当前排队消息数
func (d *Dispatcher) Pending() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Close 停止接收并等待 worker 退出
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) shard(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(d.queues)))
}
