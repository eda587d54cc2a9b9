package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/device"
	"github.com/taoyao-code/wake-gateway/internal/metrics"
	"github.com/taoyao-code/wake-gateway/internal/presence"
	"github.com/taoyao-code/wake-gateway/internal/transfer"
	"github.com/taoyao-code/wake-gateway/internal/wakesession"
)

// PayloadStatus 唤醒载荷状态
type PayloadStatus string

const (
	PayloadPending   PayloadStatus = "pending"
	PayloadReceiving PayloadStatus = "receiving"
	PayloadComplete  PayloadStatus = "complete"
	PayloadFailed    PayloadStatus = "failed"
)

// Payload 一次唤醒上报（遥测 + 图像）
type Payload struct {
	ID            int64
	DeviceID      string
	SessionID     int64
	ImageName     string
	CapturedAt    time.Time
	Status        PayloadStatus
	TotalChunks   int
	ImageSize     int
	Location      string
	ErrorCode     int
	Temperature   *float64
	Humidity      *float64
	Pressure      *float64
	GasResistance *float64
	RSSI          *int
	Battery       *float64
	Overage       bool
	ImageRef      string
}

// PayloadStore 载荷、传输与活动记录持久化
type PayloadStore interface {
	// CreatePayload 按 (device_id, image_name, captured_at) 幂等创建，返回载荷ID
	CreatePayload(ctx context.Context, p Payload) (int64, error)
	GetPayload(ctx context.Context, id int64) (Payload, error)
	// SaveTransfer 记录传输开始，按 transfer id 幂等
	SaveTransfer(ctx context.Context, transferID string, payloadID int64, deviceID, imageName string, totalChunks int) error
	CompletePayload(ctx context.Context, c transfer.Completed) error
	FailPayload(ctx context.Context, f transfer.Failed) error
	MarkOverage(ctx context.Context, payloadID int64) error
	RecordHeartbeat(ctx context.Context, deviceID string, at time.Time, pendingImages int) error
}

// Devices 设备账本
type Devices interface {
	Get(ctx context.Context, id string) (device.Device, error)
	Touch(ctx context.Context, id string, now time.Time, pendingImages int) (device.Device, error)
	RecordWake(ctx context.Context, id string, wakeAt time.Time) (time.Time, error)
	NextWake(d device.Device, now time.Time) time.Time
}

// Sessions 会话跟踪
type Sessions interface {
	EnsureSession(ctx context.Context, m wakesession.Member, at time.Time) (wakesession.Session, wakesession.Assignment, error)
	Classify(ctx context.Context, m wakesession.Member, ev wakesession.WakeEvent) (wakesession.Outcome, error)
}

// Transfers 分片重组
type Transfers interface {
	Validate(meta transfer.Metadata) error
	Begin(ctx context.Context, meta transfer.Metadata) (string, error)
	AddChunk(ctx context.Context, deviceID, imageName string, index int, data []byte) error
}

// Commands 指令队列
type Commands interface {
	OnPresence(ctx context.Context, deviceID string) (int, error)
	Acknowledge(ctx context.Context, deviceID, commandID string, ok bool, reason string) (bool, error)
}

// Publisher 下行发布
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// HandlerDeps 处理器依赖
type HandlerDeps struct {
	Devices   Devices
	Sessions  Sessions
	Transfers Transfers
	Commands  Commands
	Payloads  PayloadStore
	Presence  presence.Tracker
	Metrics   *metrics.AppMetrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// Handler 入站消息处理
type Handler struct {
	devices   Devices
	sessions  Sessions
	transfers Transfers
	commands  Commands
	payloads  PayloadStore
	presence  presence.Tracker
	metrics   *metrics.AppMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler 创建处理器
func NewHandler(deps HandlerDeps) *Handler {
	h := &Handler{
		devices:   deps.Devices,
		sessions:  deps.Sessions,
		transfers: deps.Transfers,
		commands:  deps.Commands,
		payloads:  deps.Payloads,
		presence:  deps.Presence,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.presence == nil {
		h.presence = presence.New(presence.DefaultTimeout)
	}
	return h
}

// Process worker 入口：处理并记录结果
func (h *Handler) Process(ctx context.Context, deviceID string, msg Message) {
	kind, err := h.Handle(ctx, deviceID, msg)
	result := "ok"
	if err != nil {
		result = "error"
		h.logger.Warn("message rejected",
			zap.String("device_id", deviceID),
			zap.String("topic", msg.Topic),
			zap.String("kind", kind),
			zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.MessagesTotal.WithLabelValues(kind, result).Inc()
	}
}

// Handle 按主题处理一条消息，返回消息类型标签
func (h *Handler) Handle(ctx context.Context, deviceID string, msg Message) (string, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = h.now()
	}
	kind, topicDevice, err := ParseTopic(msg.Topic)
	if err != nil {
		return "unknown", err
	}
	if deviceID == "" {
		deviceID = topicDevice
	}

	switch kind {
	case TopicStatus:
		return "status", h.handleStatus(ctx, deviceID, msg)
	case TopicCommandAck:
		return "cmd_ack", h.handleCommandAck(ctx, deviceID, msg)
	case TopicData:
		v, err := DecodeData(deviceID, msg.Payload)
		if err != nil {
			return "unknown", err
		}
		h.presence.OnSeen(deviceID, msg.ReceivedAt)
		switch m := v.(type) {
		case *MetadataMessage:
			return "metadata", h.handleMetadata(ctx, m, msg.ReceivedAt)
		case *ChunkMessage:
			return "chunk", h.handleChunk(ctx, m)
		}
	}
	return "unknown", fmt.Errorf("%w: %s", ErrUnknownTopic, msg.Topic)
}

func (h *Handler) handleStatus(ctx context.Context, deviceID string, msg Message) error {
	st, err := DecodeStatus(deviceID, msg.Payload)
	if err != nil {
		return err
	}
	now := msg.ReceivedAt
	h.presence.OnSeen(deviceID, now)

	if _, err := h.devices.Touch(ctx, deviceID, now, st.PendingImages); err != nil {
		return err
	}
	if err := h.payloads.RecordHeartbeat(ctx, deviceID, now, st.PendingImages); err != nil {
		h.logger.Warn("record heartbeat failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.HeartbeatTotal.Inc()
		h.metrics.PendingImages.Observe(float64(st.PendingImages))
	}
	if st.PendingImages > 0 {
		h.logger.Debug("device reports backlog",
			zap.String("device_id", deviceID),
			zap.Int("pending_images", st.PendingImages))
	}

	n, err := h.commands.OnPresence(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("drain commands: %w", err)
	}
	if n > 0 {
		h.logger.Info("commands delivered on presence",
			zap.String("device_id", deviceID),
			zap.Int("count", n))
	}
	return nil
}

func (h *Handler) handleMetadata(ctx context.Context, m *MetadataMessage, now time.Time) error {
	if m.ImageName == "" || m.Total() <= 0 {
		return fmt.Errorf("%w: image_name and total chunks required", ErrMalformed)
	}
	d, err := h.devices.Get(ctx, m.DeviceID)
	if errors.Is(err, device.ErrNotFound) {
		return fmt.Errorf("%w: %s", device.ErrNotMapped, m.DeviceID)
	}
	if err != nil {
		return err
	}
	if !d.Mapped() {
		return fmt.Errorf("%w: %s", device.ErrNotMapped, m.DeviceID)
	}
	// 重组器拒绝的元数据不得留下会话或载荷记录
	if err := h.transfers.Validate(transfer.Metadata{
		DeviceID:    m.DeviceID,
		ImageName:   m.ImageName,
		TotalChunks: m.Total(),
	}); err != nil {
		return err
	}

	capturedAt := m.CapturedAt(now)
	sess, _, err := h.sessions.EnsureSession(ctx, d.Member(), capturedAt)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	if m.Error != 0 {
		h.logger.Warn("device reported capture error",
			zap.String("device_id", m.DeviceID),
			zap.String("image_name", m.ImageName),
			zap.Int("error", m.Error))
	}

	payloadID, err := h.payloads.CreatePayload(ctx, Payload{
		DeviceID:      m.DeviceID,
		SessionID:     sess.ID,
		ImageName:     m.ImageName,
		CapturedAt:    capturedAt,
		Status:        PayloadReceiving,
		TotalChunks:   m.Total(),
		ImageSize:     m.ImageSize,
		Location:      m.Location,
		ErrorCode:     m.Error,
		Temperature:   m.Temperature,
		Humidity:      m.Humidity,
		Pressure:      m.Pressure,
		GasResistance: m.GasResistance,
		RSSI:          m.RSSI,
		Battery:       m.Battery,
	})
	if err != nil {
		return fmt.Errorf("create payload: %w", err)
	}

	transferID, err := h.transfers.Begin(ctx, transfer.Metadata{
		DeviceID:     m.DeviceID,
		ImageName:    m.ImageName,
		TotalChunks:  m.Total(),
		ImageSize:    m.ImageSize,
		MaxChunkSize: m.MaxChunkSize,
		PayloadID:    payloadID,
		CapturedAt:   capturedAt,
	})
	if err != nil {
		return err
	}
	if err := h.payloads.SaveTransfer(ctx, transferID, payloadID, m.DeviceID, m.ImageName, m.Total()); err != nil {
		h.logger.Warn("save transfer failed", zap.String("transfer_id", transferID), zap.Error(err))
	}
	h.logger.Info("image transfer announced",
		zap.String("device_id", m.DeviceID),
		zap.String("image_name", m.ImageName),
		zap.Int64("session_id", sess.ID),
		zap.Int64("payload_id", payloadID),
		zap.Int("total_chunks", m.Total()))
	return nil
}

func (h *Handler) handleChunk(ctx context.Context, c *ChunkMessage) error {
	if err := h.transfers.AddChunk(ctx, c.DeviceID, c.ImageName, c.ChunkID, c.Payload); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.ChunksTotal.Inc()
	}
	return nil
}

func (h *Handler) handleCommandAck(ctx context.Context, deviceID string, msg Message) error {
	a, err := DecodeCommandAck(msg.Payload)
	if err != nil {
		return err
	}
	h.presence.OnSeen(deviceID, msg.ReceivedAt)
	applied, err := h.commands.Acknowledge(ctx, deviceID, a.CommandID, a.OK(), a.Error)
	if err != nil {
		return err
	}
	if !applied {
		h.logger.Debug("stale command ack ignored",
			zap.String("device_id", deviceID),
			zap.String("command_id", a.CommandID))
	}
	return nil
}
