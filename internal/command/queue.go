package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyao-code/wake-gateway/internal/eventbus"
	"github.com/taoyao-code/wake-gateway/internal/metrics"
	"github.com/taoyao-code/wake-gateway/internal/retry"
)

// Status 指令状态
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

var (
	ErrDeviceNotFound = errors.New("command: device not found")
	ErrNotFound       = errors.New("command: not found")
)

// Command 下发给设备的指令
type Command struct {
	ID            string
	DeviceID      string
	Payload       Payload
	Status        Status
	Retries       int
	IssuedBy      string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	DeliveredAt   *time.Time
	AckedAt       *time.Time
	NextAttemptAt *time.Time
	LastError     string
}

// Kind 指令类型
func (c Command) Kind() Kind {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.Kind()
}

// Store 指令持久化。所有状态迁移都是条件更新，返回是否生效
type Store interface {
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
	Insert(ctx context.Context, c Command) error
	Get(ctx context.Context, id string) (Command, error)
	// ListDue 返回可投递的指令：未过期的 pending，或到达重试时间的 sent；deviceID 为空表示全部设备
	ListDue(ctx context.Context, deviceID string, now time.Time, limit int) ([]Command, error)
	// MarkSent 仅当状态为 prev、重试次数为 prevRetries 且未过期时迁移到 sent
	MarkSent(ctx context.Context, id string, prev Status, prevRetries, retries int, now, nextAttempt time.Time) (bool, error)
	// MarkFailed 仅当状态为 sent 且重试次数为 prevRetries 时迁移到 failed
	MarkFailed(ctx context.Context, id string, prevRetries int, now time.Time, reason string) (bool, error)
	// Resolve 设备回执：仅当状态为 sent 时迁移到 to（acknowledged 或 failed）
	Resolve(ctx context.Context, deviceID, id string, to Status, now time.Time, reason string) (bool, error)
	// ExpireDue 将过期的 pending/sent 指令标记为 expired
	ExpireDue(ctx context.Context, now time.Time) ([]Command, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// Publisher 指令发布通道
type Publisher interface {
	PublishCommand(ctx context.Context, deviceID string, msg []byte) error
}

// Presence 在线设备查询
type Presence interface {
	OnlineDevices(now time.Time) []string
}

// Config 队列参数
type Config struct {
	TTL         time.Duration
	BatchLimit  int
	AckTimeout  time.Duration
	SweepLimit  int
	Policy      retry.Policy
	DeviceRate  rate.Limit
	DeviceBurst int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		TTL:         24 * time.Hour,
		BatchLimit:  3,
		AckTimeout:  30 * time.Second,
		SweepLimit:  100,
		Policy:      retry.DefaultPolicy(),
		DeviceRate:  rate.Limit(2),
		DeviceBurst: 3,
	}
}

// Queue 至少一次投递的指令队列
type Queue struct {
	store     Store
	publisher Publisher
	presence  Presence
	bus       *eventbus.Bus
	metrics   *metrics.AppMetrics
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	limiters sync.Map // deviceID -> *rate.Limiter
}

// Option 配置项
type Option func(*Queue)

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithNow 注入时钟
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithEventBus 指令终态事件发布到总线
func WithEventBus(b *eventbus.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithMetrics 记录状态迁移计数
func WithMetrics(m *metrics.AppMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue 创建指令队列
func NewQueue(store Store, pub Publisher, presence Presence, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	if cfg.DeviceRate <= 0 {
		cfg.DeviceRate = def.DeviceRate
	}
	if cfg.DeviceBurst <= 0 {
		cfg.DeviceBurst = cfg.BatchLimit
	}
	q := &Queue{
		store:     store,
		publisher: pub,
		presence:  presence,
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue 校验并入队
func (q *Queue) Enqueue(ctx context.Context, deviceID string, p Payload, issuedBy string) (Command, error) {
	if p == nil {
		return Command{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if _, err := ParseKind(string(p.Kind())); err != nil {
		return Command{}, err
	}
	if err := p.validate(); err != nil {
		return Command{}, err
	}
	ok, err := q.store.DeviceExists(ctx, deviceID)
	if err != nil {
		return Command{}, fmt.Errorf("lookup device: %w", err)
	}
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	now := q.now()
	c := Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Payload:   p,
		Status:    StatusPending,
		IssuedBy:  issuedBy,
		IssuedAt:  now,
		ExpiresAt: now.Add(q.cfg.TTL),
	}
	if err := q.store.Insert(ctx, c); err != nil {
		return Command{}, fmt.Errorf("insert command: %w", err)
	}
	q.logger.Info("command enqueued",
		zap.String("command_id", c.ID),
		zap.String("device_id", deviceID),
		zap.String("kind", string(p.Kind())))
	return c, nil
}

// OnPresence 设备上线时投递，最多 BatchLimit 条
func (q *Queue) OnPresence(ctx context.Context, deviceID string) (int, error) {
	return q.drain(ctx, deviceID, q.now(), q.cfg.BatchLimit)
}

// Sweep 周期任务：过期清理、已在线设备的投递与重试、超时失败
func (q *Queue) Sweep(ctx context.Context, now time.Time) {
	expired, err := q.store.ExpireDue(ctx, now)
	if err != nil {
		q.logger.Error("expire commands failed", zap.Error(err))
	}
	for _, c := range expired {
		q.logger.Info("command expired",
			zap.String("command_id", c.ID),
			zap.String("device_id", c.DeviceID))
		q.finished(c, StatusExpired, now)
	}

	online := make(map[string]struct{})
	if q.presence != nil {
		for _, id := range q.presence.OnlineDevices(now) {
			online[id] = struct{}{}
			if _, err := q.drain(ctx, id, now, q.cfg.BatchLimit); err != nil {
				q.logger.Warn("drain commands failed", zap.String("device_id", id), zap.Error(err))
			}
		}
	}

	// 离线设备的应答超时同样计入重试预算，预算耗尽即失败
	due, err := q.store.ListDue(ctx, "", now, q.cfg.SweepLimit)
	if err != nil {
		q.logger.Error("list due commands failed", zap.Error(err))
		return
	}
	for _, c := range due {
		if c.Status != StatusSent {
			continue
		}
		if _, ok := online[c.DeviceID]; ok {
			continue
		}
		if !q.cfg.Policy.Decide(c.Retries, retry.Transient).Retry {
			q.fail(ctx, c, now, "ack timeout, retries exhausted")
		}
	}
}

// Acknowledge 处理设备回执；ok=false 表示设备拒绝执行，按终止错误处理
func (q *Queue) Acknowledge(ctx context.Context, deviceID, commandID string, ok bool, reason string) (bool, error) {
	now := q.now()
	to := StatusAcknowledged
	if !ok {
		to = StatusFailed
		if reason == "" {
			reason = "rejected by device"
		}
	}
	applied, err := q.store.Resolve(ctx, deviceID, commandID, to, now, reason)
	if err != nil {
		return false, fmt.Errorf("resolve command: %w", err)
	}
	if !applied {
		q.logger.Debug("ack ignored, command not awaiting ack",
			zap.String("command_id", commandID),
			zap.String("device_id", deviceID))
		return false, nil
	}
	q.logger.Info("command resolved",
		zap.String("command_id", commandID),
		zap.String("device_id", deviceID),
		zap.String("status", string(to)))
	q.finished(Command{ID: commandID, DeviceID: deviceID}, to, now)
	return true, nil
}

// Stats 各状态数量
func (q *Queue) Stats(ctx context.Context) (map[Status]int64, error) {
	return q.store.CountByStatus(ctx)
}

// Depth 待处理（pending + sent）数量
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	st, err := q.store.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return st[StatusPending] + st[StatusSent], nil
}

func (q *Queue) drain(ctx context.Context, deviceID string, now time.Time, limit int) (int, error) {
	due, err := q.store.ListDue(ctx, deviceID, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}
	lim := q.limiter(deviceID)
	sent := 0
	for _, c := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		retries := 0
		next := now.Add(q.cfg.AckTimeout)
		if c.Status == StatusSent {
			d := q.cfg.Policy.Decide(c.Retries, retry.Transient)
			if !d.Retry {
				q.fail(ctx, c, now, "ack timeout, retries exhausted")
				continue
			}
			retries = c.Retries + 1
			next = now.Add(q.cfg.AckTimeout + d.Delay)
		}
		if !lim.AllowN(now, 1) {
			q.logger.Debug("device publish rate limited", zap.String("device_id", deviceID))
			break
		}
		claimed, err := q.store.MarkSent(ctx, c.ID, c.Status, c.Retries, retries, now, next)
		if err != nil {
			return sent, fmt.Errorf("claim command: %w", err)
		}
		if !claimed {
			continue
		}
		c.Retries = retries
		if err := q.publish(ctx, c); err != nil {
			// 已标记为 sent，等待超时后按重试处理
			q.logger.Warn("publish command failed",
				zap.String("command_id", c.ID),
				zap.String("device_id", deviceID),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (q *Queue) publish(ctx context.Context, c Command) error {
	msg, err := WireMessage(c)
	if err != nil {
		return err
	}
	if err := q.publisher.PublishCommand(ctx, c.DeviceID, msg); err != nil {
		return err
	}
	q.count(StatusSent)
	q.logger.Info("command delivered",
		zap.String("command_id", c.ID),
		zap.String("device_id", c.DeviceID),
		zap.String("kind", string(c.Kind())),
		zap.Int("retries", c.Retries))
	return nil
}

func (q *Queue) fail(ctx context.Context, c Command, now time.Time, reason string) {
	ok, err := q.store.MarkFailed(ctx, c.ID, c.Retries, now, reason)
	if err != nil {
		q.logger.Error("mark command failed", zap.String("command_id", c.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	q.logger.Warn("command failed",
		zap.String("command_id", c.ID),
		zap.String("device_id", c.DeviceID),
		zap.Int("retries", c.Retries),
		zap.String("reason", reason))
	q.finished(c, StatusFailed, now)
}

func (q *Queue) count(st Status) {
	if q.metrics == nil {
		return
	}
	label := string(st)
	if st == StatusSent {
		label = "delivered"
	}
	q.metrics.CommandsTotal.WithLabelValues(label).Inc()
}

func (q *Queue) finished(c Command, st Status, now time.Time) {
	q.count(st)
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{
		Kind:     eventbus.KindCommandFinished,
		DeviceID: c.DeviceID,
		Detail:   c.ID + ":" + string(st),
		At:       now,
	})
}

func (q *Queue) limiter(deviceID string) *rate.Limiter {
	if v, ok := q.limiters.Load(deviceID); ok {
		return v.(*rate.Limiter)
	}
	v, _ := q.limiters.LoadOrStore(deviceID, rate.NewLimiter(q.cfg.DeviceRate, q.cfg.DeviceBurst))
	return v.(*rate.Limiter)
}
