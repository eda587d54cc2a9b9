package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/schedule"
	"github.com/taoyao-code/wake-gateway/internal/wakesession"
)

// Status 设备生命周期状态
type Status string

const (
	StatusPendingMapping Status = "pending_mapping"
	StatusActive         Status = "active"
	StatusInactive       Status = "inactive"
)

var (
	ErrNotFound       = errors.New("device: not found")
	ErrNotMapped      = errors.New("device: not mapped to a site")
	ErrManualWakePast = errors.New("device: manual wake must be in the future")
)

// Device 设备
type Device struct {
	ID                string
	Status            Status
	SiteID            int64
	Timezone          string
	Schedule          string
	MappedAt          *time.Time
	LastWakeAt        *time.Time
	NextWakeAt        *time.Time
	ManualWakePending bool
	ManualWakeAt      *time.Time
	ManualWakeBy      string
	LastSeenAt        *time.Time
	PendingImages     int
}

// Mapped 是否已分配站点且处于激活状态
func (d Device) Mapped() bool { return d.Status == StatusActive && d.SiteID != 0 }

// Member 会话成员视图
func (d Device) Member() wakesession.Member {
	m := wakesession.Member{
		DeviceID: d.ID,
		SiteID:   d.SiteID,
		Timezone: d.Timezone,
		Schedule: d.Schedule,
	}
	if d.MappedAt != nil {
		m.MappedAt = *d.MappedAt
	}
	return m
}

// Store 设备持久化
type Store interface {
	Get(ctx context.Context, id string) (Device, error)
	// Touch 记录在线，未知设备以 pending_mapping 注册
	Touch(ctx context.Context, id string, now time.Time, pendingImages int) (dev Device, created bool, err error)
	// SaveWake 记录唤醒与下一次唤醒；clearManual 为 true 时同时清除手动唤醒
	SaveWake(ctx context.Context, id string, lastWake, nextWake time.Time, clearManual bool) error
	SetManualWake(ctx context.Context, id string, at time.Time, by string) error
	SetSchedule(ctx context.Context, id, expr string, nextWake *time.Time) error
}

// Service 设备唤醒账本
type Service struct {
	store  Store
	calc   *schedule.Calculator
	logger *zap.Logger
}

// NewService 创建设备服务
func NewService(store Store, calc *schedule.Calculator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if calc == nil {
		calc = schedule.NewCalculator(logger)
	}
	return &Service{store: store, calc: calc, logger: logger}
}

// Get 查询设备
func (s *Service) Get(ctx context.Context, id string) (Device, error) {
	return s.store.Get(ctx, id)
}

// Touch 处理状态/心跳消息
func (s *Service) Touch(ctx context.Context, id string, now time.Time, pendingImages int) (Device, error) {
	d, created, err := s.store.Touch(ctx, id, now, pendingImages)
	if err != nil {
		return Device{}, fmt.Errorf("touch device: %w", err)
	}
	if created {
		s.logger.Info("unknown device registered, awaiting mapping", zap.String("device_id", id))
	}
	return d, nil
}

// RecordWake 记录一次真实唤醒并返回下发给设备的下一次唤醒时刻。
// 手动唤醒时刻仍在未来时保持生效；到达或已过则清除并回到计划计算。
func (s *Service) RecordWake(ctx context.Context, id string, wakeAt time.Time) (time.Time, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if !d.Mapped() {
		return time.Time{}, ErrNotMapped
	}

	if d.ManualWakePending && d.ManualWakeAt != nil && d.ManualWakeAt.After(wakeAt) {
		next := d.ManualWakeAt.UTC()
		if err := s.store.SaveWake(ctx, id, wakeAt, next, false); err != nil {
			return time.Time{}, fmt.Errorf("save wake: %w", err)
		}
		return next, nil
	}

	next := s.calc.NextWake(wakeAt, d.Schedule, d.Timezone)
	if err := s.store.SaveWake(ctx, id, wakeAt, next, d.ManualWakePending); err != nil {
		return time.Time{}, fmt.Errorf("save wake: %w", err)
	}
	if d.ManualWakePending {
		s.logger.Info("manual wake consumed",
			zap.String("device_id", id),
			zap.String("requested_by", d.ManualWakeBy))
	}
	return next, nil
}

// NextWake 当前应告知设备的下一次唤醒时刻
func (s *Service) NextWake(d Device, now time.Time) time.Time {
	if d.ManualWakePending && d.ManualWakeAt != nil && d.ManualWakeAt.After(now) {
		return d.ManualWakeAt.UTC()
	}
	last := now
	if d.LastWakeAt != nil && now.Sub(*d.LastWakeAt) < 24*time.Hour {
		last = *d.LastWakeAt
	}
	next := s.calc.NextWake(last, d.Schedule, d.Timezone)
	for !next.After(now) {
		next = s.calc.NextWake(next, d.Schedule, d.Timezone)
	}
	return next
}

// RequestManualWake 设置一次性手动唤醒，优先于计划
func (s *Service) RequestManualWake(ctx context.Context, id string, at, now time.Time, by string) error {
	if !at.After(now) {
		return ErrManualWakePast
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetManualWake(ctx, id, at.UTC(), by); err != nil {
		return fmt.Errorf("set manual wake: %w", err)
	}
	s.logger.Info("manual wake requested",
		zap.String("device_id", id),
		zap.Time("at", at),
		zap.String("requested_by", by))
	return nil
}

// UpdateSchedule 更换计划表达式并重算下一次唤醒（手动唤醒生效时保持不变）
func (s *Service) UpdateSchedule(ctx context.Context, id, expr string, now time.Time) (time.Time, error) {
	if _, err := schedule.Parse(expr); err != nil {
		return time.Time{}, err
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	d.Schedule = expr
	next := s.NextWake(d, now)
	var nextPtr *time.Time
	if !(d.ManualWakePending && d.ManualWakeAt != nil && d.ManualWakeAt.After(now)) {
		nextPtr = &next
	}
	if err := s.store.SetSchedule(ctx, id, expr, nextPtr); err != nil {
		return time.Time{}, fmt.Errorf("set schedule: %w", err)
	}
	return next, nil
}
