package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/eventbus"
	"github.com/taoyao-code/wake-gateway/internal/metrics"
	"github.com/taoyao-code/wake-gateway/internal/transfer"
	"github.com/taoyao-code/wake-gateway/internal/wakesession"
)

// Sink 传输结果处理：回执设备、更新载荷、会话分类
type Sink struct {
	devices  Devices
	sessions Sessions
	payloads PayloadStore
	pub      Publisher
	bus      *eventbus.Bus
	metrics  *metrics.AppMetrics
	logger   *zap.Logger
	now      func() time.Time
}

var _ transfer.Sink = (*Sink)(nil)

// SinkDeps Sink 依赖
type SinkDeps struct {
	Devices  Devices
	Sessions Sessions
	Payloads PayloadStore
	Pub      Publisher
	Bus      *eventbus.Bus
	Metrics  *metrics.AppMetrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewSink 创建 Sink
func NewSink(deps SinkDeps) *Sink {
	s := &Sink{
		devices:  deps.Devices,
		sessions: deps.Sessions,
		payloads: deps.Payloads,
		pub:      deps.Pub,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RequestRetransmit 下发缺失分片列表
func (s *Sink) RequestRetransmit(ctx context.Context, req transfer.RetransmitRequest) {
	raw, err := EncodeMissing(req.ImageName, req.Missing)
	if err != nil {
		s.logger.Error("encode missing chunks failed", zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, AckTopic(req.DeviceID), raw); err != nil {
		s.logger.Warn("publish retransmit request failed",
			zap.String("device_id", req.DeviceID),
			zap.String("transfer_id", req.TransferID),
			zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.RetransmitRequests.Inc()
	}
	s.logger.Info("missing chunks requested",
		zap.String("device_id", req.DeviceID),
		zap.String("image_name", req.ImageName),
		zap.Ints("missing", req.Missing),
		zap.Int("attempt", req.Attempt))
}

// TransferCompleted 载荷置为完成，回复 ACK_OK 与下一次唤醒时刻，并进行会话分类
func (s *Sink) TransferCompleted(ctx context.Context, c transfer.Completed) {
	now := s.now()
	if s.metrics != nil {
		s.metrics.TransfersTotal.WithLabelValues("completed").Inc()
	}
	if err := s.payloads.CompletePayload(ctx, c); err != nil {
		s.logger.Error("complete payload failed",
			zap.Int64("payload_id", c.PayloadID),
			zap.String("transfer_id", c.TransferID),
			zap.Error(err))
	}

	d, err := s.devices.Get(ctx, c.DeviceID)
	if err != nil {
		s.logger.Error("load device failed", zap.String("device_id", c.DeviceID), zap.Error(err))
		return
	}
	next, err := s.devices.RecordWake(ctx, c.DeviceID, now)
	if err != nil {
		s.logger.Warn("record wake failed, falling back to schedule",
			zap.String("device_id", c.DeviceID),
			zap.Error(err))
		next = s.devices.NextWake(d, now)
	}
	raw, err := EncodeAckOK(c.ImageName, next)
	if err == nil {
		err = s.pub.Publish(ctx, AckTopic(c.DeviceID), raw)
	}
	if err != nil {
		s.logger.Warn("publish ACK_OK failed", zap.String("device_id", c.DeviceID), zap.Error(err))
	}
	s.logger.Info("image transfer completed",
		zap.String("device_id", c.DeviceID),
		zap.String("image_name", c.ImageName),
		zap.String("storage_ref", c.StorageRef),
		zap.Int("size", c.Size),
		zap.Int("retries", c.Retries),
		zap.Time("next_wake", next))

	s.publish(eventbus.KindTransferCompleted, c.DeviceID, 0, c.PayloadID, c.StorageRef, now)
	s.classify(ctx, d.Member(), c.PayloadID, true, now)
}

// TransferFailed 载荷置为失败并计入会话失败数
func (s *Sink) TransferFailed(ctx context.Context, f transfer.Failed) {
	now := s.now()
	if s.metrics != nil {
		s.metrics.TransfersTotal.WithLabelValues("failed").Inc()
	}
	s.logger.Warn("image transfer failed",
		zap.String("device_id", f.DeviceID),
		zap.String("image_name", f.ImageName),
		zap.Ints("missing", f.Missing),
		zap.String("reason", f.Reason))
	if f.PayloadID == 0 {
		return
	}
	if err := s.payloads.FailPayload(ctx, f); err != nil {
		s.logger.Error("fail payload failed", zap.Int64("payload_id", f.PayloadID), zap.Error(err))
	}
	s.publish(eventbus.KindTransferFailed, f.DeviceID, 0, f.PayloadID, f.Reason, now)

	d, err := s.devices.Get(ctx, f.DeviceID)
	if err != nil {
		s.logger.Error("load device failed", zap.String("device_id", f.DeviceID), zap.Error(err))
		return
	}
	s.classify(ctx, d.Member(), f.PayloadID, false, now)
}

func (s *Sink) classify(ctx context.Context, m wakesession.Member, payloadID int64, ok bool, now time.Time) {
	if payloadID == 0 {
		return
	}
	p, err := s.payloads.GetPayload(ctx, payloadID)
	if err != nil {
		s.logger.Error("load payload failed", zap.Int64("payload_id", payloadID), zap.Error(err))
		return
	}
	outcome, err := s.sessions.Classify(ctx, m, wakesession.WakeEvent{
		PayloadID:  payloadID,
		SessionID:  p.SessionID,
		DeviceID:   p.DeviceID,
		CapturedAt: p.CapturedAt,
		TransferOK: ok,
	})
	if err != nil {
		s.logger.Error("classify wake failed",
			zap.Int64("payload_id", payloadID),
			zap.Int64("session_id", p.SessionID),
			zap.Error(err))
		return
	}
	if outcome == wakesession.OutcomeExtra {
		if err := s.payloads.MarkOverage(ctx, payloadID); err != nil {
			s.logger.Warn("mark overage failed", zap.Int64("payload_id", payloadID), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.WakeOutcomes.WithLabelValues(string(outcome)).Inc()
	}
	s.publish(eventbus.KindWakeClassified, p.DeviceID, p.SessionID, payloadID, string(outcome), now)
}

func (s *Sink) publish(kind eventbus.Kind, deviceID string, sessionID, payloadID int64, detail string, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Kind:      kind,
		DeviceID:  deviceID,
		SessionID: sessionID,
		PayloadID: payloadID,
		Detail:    detail,
		At:        at,
	})
}
