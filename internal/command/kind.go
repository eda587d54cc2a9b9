package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind 指令类型（封闭集合）
type Kind string

const (
	KindCaptureImage    Kind = "capture_image"
	KindSendImage       Kind = "send_image"
	KindSetWakeSchedule Kind = "set_wake_schedule"
	KindReboot          Kind = "reboot"
	KindFirmwareUpdate  Kind = "firmware_update"
	KindPing            Kind = "ping"
)

var (
	ErrUnknownKind    = errors.New("command: unknown kind")
	ErrInvalidPayload = errors.New("command: invalid payload")
)

// Payload 强类型指令载荷；只能由本包内的类型实现
type Payload interface {
	Kind() Kind
	validate() error
}

// CaptureImage 立即拍照
type CaptureImage struct{}

// SendImage 按文件名补发图像
type SendImage struct {
	Name string `json:"name"`
}

// SetWakeSchedule 下发绝对唤醒时刻（UTC），设备端不解析计划表达式
type SetWakeSchedule struct {
	NextWake time.Time `json:"next_wake"`
}

// Reboot 重启
type Reboot struct{}

// FirmwareUpdate 固件升级
type FirmwareUpdate struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

// Ping 连通性探测
type Ping struct{}

func (CaptureImage) Kind() Kind    { return KindCaptureImage }
func (SendImage) Kind() Kind       { return KindSendImage }
func (SetWakeSchedule) Kind() Kind { return KindSetWakeSchedule }
func (Reboot) Kind() Kind          { return KindReboot }
func (FirmwareUpdate) Kind() Kind  { return KindFirmwareUpdate }
func (Ping) Kind() Kind            { return KindPing }

func (CaptureImage) validate() error { return nil }
func (Reboot) validate() error       { return nil }
func (Ping) validate() error         { return nil }

func (p SendImage) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: image name required", ErrInvalidPayload)
	}
	return nil
}

func (p SetWakeSchedule) validate() error {
	if p.NextWake.IsZero() {
		return fmt.Errorf("%w: next_wake required", ErrInvalidPayload)
	}
	return nil
}

func (p FirmwareUpdate) validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: firmware url required", ErrInvalidPayload)
	}
	return nil
}

// ParseKind 校验类型字符串
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCaptureImage, KindSendImage, KindSetWakeSchedule, KindReboot, KindFirmwareUpdate, KindPing:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// EncodePayload 载荷持久化格式
func EncodePayload(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case CaptureImage, Reboot, Ping:
		return []byte("{}"), nil
	case SendImage, SetWakeSchedule, FirmwareUpdate:
		return json.Marshal(v)
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
}

// DecodePayload 按类型解析载荷
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindCaptureImage:
		p = CaptureImage{}
	case KindReboot:
		p = Reboot{}
	case KindPing:
		p = Ping{}
	case KindSendImage:
		var v SendImage
		err = json.Unmarshal(raw, &v)
		p = v
	case KindSetWakeSchedule:
		var v SetWakeSchedule
		err = json.Unmarshal(raw, &v)
		p = v
	case KindFirmwareUpdate:
		var v FirmwareUpdate
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// WireMessage 设备端 cmd 主题的消息体
func WireMessage(c Command) ([]byte, error) {
	msg := map[string]any{"command_id": c.ID}
	switch p := c.Payload.(type) {
	case CaptureImage:
		msg["capture_image"] = true
	case SendImage:
		msg["send_image"] = p.Name
	case SetWakeSchedule:
		msg["next_wake"] = p.NextWake.UTC().Format(time.RFC3339)
	case Reboot:
		msg["reboot"] = true
	case FirmwareUpdate:
		msg["firmware_update"] = map[string]string{"url": p.URL, "version": p.Version}
	case Ping:
		msg["ping"] = true
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, c.Payload)
	}
	return json.Marshal(msg)
}
