package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TopicKind 入站主题类型
type TopicKind string

const (
	TopicStatus     TopicKind = "status"
	TopicData       TopicKind = "data"
	TopicCommandAck TopicKind = "cmd_ack"
)

var (
	ErrUnknownTopic   = errors.New("gateway: unknown topic")
	ErrMalformed      = errors.New("gateway: malformed message")
	ErrDeviceMismatch = errors.New("gateway: device id in payload does not match topic")
)

// 主题约定
const (
	statusPrefix = "device/"
	dataPrefix   = "ESP32CAM/"

	SubscribeStatus     = "device/+/status"
	SubscribeData       = "ESP32CAM/+/data"
	SubscribeCommandAck = "device/+/cmd_ack"
)

// CommandTopic 指令下发主题
func CommandTopic(deviceID string) string { return statusPrefix + deviceID + "/cmd" }

// AckTopic 传输回执主题
func AckTopic(deviceID string) string { return statusPrefix + deviceID + "/ack" }

// ParseTopic 解析主题，返回类型与设备ID
func ParseTopic(topic string) (TopicKind, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	switch {
	case parts[0]+"/" == statusPrefix && parts[2] == "status":
		return TopicStatus, parts[1], nil
	case parts[0]+"/" == statusPrefix && parts[2] == "cmd_ack":
		return TopicCommandAck, parts[1], nil
	case parts[0]+"/" == dataPrefix && parts[2] == "data":
		return TopicData, parts[1], nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
}

// StatusMessage 设备在线/心跳
type StatusMessage struct {
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	PendingImages int    `json:"pendingImg"`
}

// MetadataMessage 图像元数据与遥测
type MetadataMessage struct {
	DeviceID         string   `json:"device_id"`
	CaptureTimestamp string   `json:"capture_timestamp"`
	ImageName        string   `json:"image_name"`
	ImageSize        int      `json:"image_size"`
	MaxChunkSize     int      `json:"max_chunk_size"`
	TotalChunks      *int     `json:"total_chunks_count"`
	LegacyTotal      *int     `json:"total_chunk_count"`
	Location         string   `json:"location"`
	Error            int      `json:"error"`
	Temperature      *float64 `json:"temperature"`
	Humidity         *float64 `json:"humidity"`
	Pressure         *float64 `json:"pressure"`
	GasResistance    *float64 `json:"gas_resistance"`
	RSSI             *int     `json:"rssi"`
	Battery          *float64 `json:"battery"`
}

// Total 声明的分片总数，兼容旧字段名
func (m MetadataMessage) Total() int {
	if m.TotalChunks != nil {
		return *m.TotalChunks
	}
	if m.LegacyTotal != nil {
		return *m.LegacyTotal
	}
	return 0
}

// CapturedAt 解析拍摄时间（UTC）；无法解析时返回 fallback
func (m MetadataMessage) CapturedAt(fallback time.Time) time.Time {
	if t, ok := parseTimestamp(m.CaptureTimestamp); ok {
		return t
	}
	return fallback.UTC()
}

// ChunkMessage 图像分片
type ChunkMessage struct {
	DeviceID     string     `json:"device_id"`
	ImageName    string     `json:"image_name"`
	ChunkID      int        `json:"chunk_id"`
	MaxChunkSize int        `json:"max_chunk_size"`
	Payload      ChunkBytes `json:"payload"`
}

// ChunkBytes 分片数据：整数数组或 base64 字符串
type ChunkBytes []byte

// UnmarshalJSON 兼容两种编码
func (b *ChunkBytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("chunk payload base64: %w", err)
		}
		*b = raw
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("chunk payload byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// CommandAck 设备对指令的回执
type CommandAck struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

// OK 回执是否表示成功
func (a CommandAck) OK() bool {
	switch strings.ToLower(a.Status) {
	case "", "ok", "success", "done":
		return true
	}
	return false
}

// DecodeStatus 解析状态消息
func DecodeStatus(deviceID string, payload []byte) (StatusMessage, error) {
	var m StatusMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return StatusMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkDevice(deviceID, &m.DeviceID); err != nil {
		return StatusMessage{}, err
	}
	if m.PendingImages < 0 {
		m.PendingImages = 0
	}
	return m, nil
}

// DecodeData 解析数据主题；返回 *MetadataMessage 或 *ChunkMessage
func DecodeData(deviceID string, payload []byte) (any, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := probe["chunk_id"]; ok {
		var c ChunkMessage
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("%w: chunk: %v", ErrMalformed, err)
		}
		if err := checkDevice(deviceID, &c.DeviceID); err != nil {
			return nil, err
		}
		if c.ChunkID < 0 {
			return nil, fmt.Errorf("%w: negative chunk id", ErrMalformed)
		}
		return &c, nil
	}
	_, hasTotal := probe["total_chunks_count"]
	_, hasLegacy := probe["total_chunk_count"]
	if !hasTotal && !hasLegacy {
		return nil, fmt.Errorf("%w: neither metadata nor chunk", ErrMalformed)
	}
	var m MetadataMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
	}
	if err := checkDevice(deviceID, &m.DeviceID); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeCommandAck 解析指令回执
func DecodeCommandAck(payload []byte) (CommandAck, error) {
	var a CommandAck
	if err := json.Unmarshal(payload, &a); err != nil {
		return CommandAck{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if a.CommandID == "" {
		return CommandAck{}, fmt.Errorf("%w: command_id required", ErrMalformed)
	}
	return a, nil
}

type ackOK struct {
	ImageName    string `json:"image_name"`
	NextWakeTime string `json:"next_wake_time"`
}

// EncodeAckOK 传输完成回执
func EncodeAckOK(imageName string, nextWake time.Time) ([]byte, error) {
	return json.Marshal(map[string]ackOK{
		"ACK_OK": {ImageName: imageName, NextWakeTime: nextWake.UTC().Format(time.RFC3339)},
	})
}

// EncodeMissing 补传请求
func EncodeMissing(imageName string, missing []int) ([]byte, error) {
	return json.Marshal(struct {
		ImageName     string `json:"image_name"`
		MissingChunks []int  `json:"missing_chunks"`
	}{imageName, missing})
}

// checkDevice 主题中的设备ID为准；载荷缺省时补齐，冲突时拒绝
func checkDevice(topicID string, payloadID *string) error {
	p := strings.TrimSpace(*payloadID)
	if p == "" {
		*payloadID = topicID
		return nil
	}
	if !strings.EqualFold(p, topicID) {
		return fmt.Errorf("%w: topic=%s payload=%s", ErrDeviceMismatch, topicID, p)
	}
	*payloadID = topicID
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
