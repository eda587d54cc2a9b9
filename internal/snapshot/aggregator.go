package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidRound    = errors.New("snapshot: invalid round")
	ErrSessionNotFound = errors.New("snapshot: session not found")
)

// Observation 设备的一次遥测/图像记录
type Observation struct {
	PayloadID   int64     `json:"payload_id"`
	CapturedAt  time.Time `json:"captured_at"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Pressure    *float64  `json:"pressure,omitempty"`
	Score       *float64  `json:"score,omitempty"`
	ImageRef    string    `json:"image_ref,omitempty"`
}

// DeviceEntry 快照中的设备条目
type DeviceEntry struct {
	DeviceID       string        `json:"device_id"`
	Observation    *Observation  `json:"observation,omitempty"`
	CarriedForward bool          `json:"carried_forward"`
	StaleRounds    int           `json:"stale_rounds"`
	Staleness      time.Duration `json:"staleness"`
}

// Aggregates 会话级汇总，只统计有值的设备
type Aggregates struct {
	DevicesTotal     int      `json:"devices_total"`
	DevicesReporting int      `json:"devices_reporting"`
	DevicesCurrent   int      `json:"devices_current"`
	MeanTemperature  *float64 `json:"mean_temperature,omitempty"`
	MeanHumidity     *float64 `json:"mean_humidity,omitempty"`
	MeanScore        *float64 `json:"mean_score,omitempty"`
	MaxScore         *float64 `json:"max_score,omitempty"`
}

// Snapshot 某一轮唤醒的会话快照，按 (SessionID, Round) 唯一
type Snapshot struct {
	SessionID   int64
	Round       int
	WindowStart time.Time
	WindowEnd   time.Time
	Devices     []DeviceEntry
	Aggregates  Aggregates
}

// SessionInfo 生成快照所需的会话信息
type SessionInfo struct {
	Start   time.Time
	End     time.Time
	Devices []string
}

// Source 快照数据来源
type Source interface {
	SessionInfo(ctx context.Context, sessionID int64) (SessionInfo, error)
	// LatestObservation 返回设备在 before 之前（不含）最近一条带遥测或图像的记录，没有则返回 nil
	LatestObservation(ctx context.Context, deviceID string, before time.Time) (*Observation, error)
}

// Store 快照持久化，按 (session, round) upsert
type Store interface {
	Upsert(ctx context.Context, s Snapshot) error
}

// Aggregator 快照生成器
type Aggregator struct {
	src      Source
	store    Store
	roundLen time.Duration
	logger   *zap.Logger
}

// NewAggregator 创建生成器
func NewAggregator(src Source, store Store, roundLen time.Duration, logger *zap.Logger) *Aggregator {
	if roundLen <= 0 {
		roundLen = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{src: src, store: store, roundLen: roundLen, logger: logger}
}

// RoundLength 每轮时长
func (a *Aggregator) RoundLength() time.Duration { return a.roundLen }

// RoundAt 返回 t 所在轮次
func (a *Aggregator) RoundAt(start, t time.Time) int {
	d := t.Sub(start)
	r := int(d / a.roundLen)
	if d < 0 && d%a.roundLen != 0 {
		r--
	}
	return r
}

// Build 计算快照但不落库
func (a *Aggregator) Build(ctx context.Context, sessionID int64, round int) (Snapshot, error) {
	if round < 0 {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrInvalidRound, round)
	}
	info, err := a.src.SessionInfo(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	winStart := info.Start.Add(time.Duration(round) * a.roundLen)
	winEnd := winStart.Add(a.roundLen)
	if !info.End.IsZero() && !winStart.Before(info.End) {
		return Snapshot{}, fmt.Errorf("%w: %d beyond session window", ErrInvalidRound, round)
	}

	devices := append([]string(nil), info.Devices...)
	sort.Strings(devices)

	snap := Snapshot{
		SessionID:   sessionID,
		Round:       round,
		WindowStart: winStart.UTC(),
		WindowEnd:   winEnd.UTC(),
		Devices:     make([]DeviceEntry, 0, len(devices)),
	}
	for _, id := range devices {
		obs, err := a.src.LatestObservation(ctx, id, winEnd)
		if err != nil {
			return Snapshot{}, fmt.Errorf("latest observation %s: %w", id, err)
		}
		entry := DeviceEntry{DeviceID: id, Observation: obs}
		if obs != nil && obs.CapturedAt.Before(winStart) {
			// 本轮无数据，沿用最近一次观测
			entry.CarriedForward = true
			entry.StaleRounds = round - a.RoundAt(info.Start, obs.CapturedAt)
			entry.Staleness = time.Duration(entry.StaleRounds) * a.roundLen
		}
		snap.Devices = append(snap.Devices, entry)
	}
	snap.Aggregates = aggregate(snap.Devices)
	return snap, nil
}

// Generate 计算并 upsert 快照，可重复执行
func (a *Aggregator) Generate(ctx context.Context, sessionID int64, round int) (Snapshot, error) {
	snap, err := a.Build(ctx, sessionID, round)
	if err != nil {
		return Snapshot{}, err
	}
	if err := a.store.Upsert(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("upsert snapshot: %w", err)
	}
	a.logger.Info("snapshot generated",
		zap.Int64("session_id", sessionID),
		zap.Int("round", round),
		zap.Int("devices", snap.Aggregates.DevicesTotal),
		zap.Int("reporting", snap.Aggregates.DevicesReporting),
		zap.Int("current", snap.Aggregates.DevicesCurrent))
	return snap, nil
}

// GenerateUpTo 为 [0, RoundAt(now)] 的所有轮次生成快照
func (a *Aggregator) GenerateUpTo(ctx context.Context, sessionID int64, now time.Time) (int, error) {
	info, err := a.src.SessionInfo(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	last := a.RoundAt(info.Start, now)
	if !info.End.IsZero() && !now.Before(info.End) {
		last = a.RoundAt(info.Start, info.End.Add(-time.Nanosecond))
	}
	n := 0
	for r := 0; r <= last; r++ {
		if _, err := a.Generate(ctx, sessionID, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.n++
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

func aggregate(entries []DeviceEntry) Aggregates {
	agg := Aggregates{DevicesTotal: len(entries)}
	var temp, hum, score mean
	var max *float64
	for _, e := range entries {
		if e.Observation == nil {
			continue
		}
		agg.DevicesReporting++
		if !e.CarriedForward {
			agg.DevicesCurrent++
		}
		temp.add(e.Observation.Temperature)
		hum.add(e.Observation.Humidity)
		score.add(e.Observation.Score)
		if s := e.Observation.Score; s != nil && (max == nil || *s > *max) {
			v := *s
			max = &v
		}
	}
	agg.MeanTemperature = temp.value()
	agg.MeanHumidity = hum.value()
	agg.MeanScore = score.value()
	agg.MaxScore = max
	return agg
}
