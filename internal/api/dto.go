package api

import (
	"time"

	"github.com/taoyao-code/wake-gateway/internal/command"
	"github.com/taoyao-code/wake-gateway/internal/device"
	"github.com/taoyao-code/wake-gateway/internal/gateway"
	"github.com/taoyao-code/wake-gateway/internal/snapshot"
	"github.com/taoyao-code/wake-gateway/internal/wakesession"
)

type deviceDTO struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	SiteID            int64      `json:"site_id,omitempty"`
	Timezone          string     `json:"timezone"`
	Schedule          string     `json:"schedule"`
	MappedAt          *time.Time `json:"mapped_at,omitempty"`
	LastWakeAt        *time.Time `json:"last_wake_at,omitempty"`
	NextWakeAt        *time.Time `json:"next_wake_at,omitempty"`
	ManualWakePending bool       `json:"manual_wake_pending"`
	ManualWakeAt      *time.Time `json:"manual_wake_at,omitempty"`
	ManualWakeBy      string     `json:"manual_wake_by,omitempty"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	PendingImages     int        `json:"pending_images"`
}

func toDeviceDTO(d device.Device) deviceDTO {
	return deviceDTO{
		ID:                d.ID,
		Status:            string(d.Status),
		SiteID:            d.SiteID,
		Timezone:          d.Timezone,
		Schedule:          d.Schedule,
		MappedAt:          d.MappedAt,
		LastWakeAt:        d.LastWakeAt,
		NextWakeAt:        d.NextWakeAt,
		ManualWakePending: d.ManualWakePending,
		ManualWakeAt:      d.ManualWakeAt,
		ManualWakeBy:      d.ManualWakeBy,
		LastSeenAt:        d.LastSeenAt,
		PendingImages:     d.PendingImages,
	}
}

type commandDTO struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	Kind        string          `json:"kind"`
	Payload     command.Payload `json:"payload"`
	Status      string          `json:"status"`
	Retries     int             `json:"retries"`
	IssuedBy    string          `json:"issued_by"`
	IssuedAt    time.Time       `json:"issued_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	AckedAt     *time.Time      `json:"acked_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

func toCommandDTO(c command.Command) commandDTO {
	return commandDTO{
		ID:          c.ID,
		DeviceID:    c.DeviceID,
		Kind:        string(c.Kind()),
		Payload:     c.Payload,
		Status:      string(c.Status),
		Retries:     c.Retries,
		IssuedBy:    c.IssuedBy,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
		DeliveredAt: c.DeliveredAt,
		AckedAt:     c.AckedAt,
		LastError:   c.LastError,
	}
}

type payloadDTO struct {
	ID            int64     `json:"id"`
	SessionID     int64     `json:"session_id,omitempty"`
	ImageName     string    `json:"image_name"`
	CapturedAt    time.Time `json:"captured_at"`
	Status        string    `json:"status"`
	TotalChunks   int       `json:"total_chunks"`
	ImageSize     int       `json:"image_size"`
	Location      string    `json:"location,omitempty"`
	ErrorCode     int       `json:"error_code"`
	Temperature   *float64  `json:"temperature,omitempty"`
	Humidity      *float64  `json:"humidity,omitempty"`
	Pressure      *float64  `json:"pressure,omitempty"`
	GasResistance *float64  `json:"gas_resistance,omitempty"`
	RSSI          *int      `json:"rssi,omitempty"`
	Battery       *float64  `json:"battery,omitempty"`
	Overage       bool      `json:"overage"`
	ImageRef      string    `json:"image_ref,omitempty"`
}

func toPayloadDTO(p gateway.Payload) payloadDTO {
	return payloadDTO{
		ID:            p.ID,
		SessionID:     p.SessionID,
		ImageName:     p.ImageName,
		CapturedAt:    p.CapturedAt,
		Status:        string(p.Status),
		TotalChunks:   p.TotalChunks,
		ImageSize:     p.ImageSize,
		Location:      p.Location,
		ErrorCode:     p.ErrorCode,
		Temperature:   p.Temperature,
		Humidity:      p.Humidity,
		Pressure:      p.Pressure,
		GasResistance: p.GasResistance,
		RSSI:          p.RSSI,
		Battery:       p.Battery,
		Overage:       p.Overage,
		ImageRef:      p.ImageRef,
	}
}

type summaryDTO struct {
	SessionID int64     `json:"session_id"`
	SiteID    int64     `json:"site_id"`
	Day       string    `json:"day"`
	Timezone  string    `json:"timezone"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Status    string    `json:"status"`
	Devices   int       `json:"devices"`
	Expected  int       `json:"expected"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Extra     int       `json:"extra"`
}

func toSummaryDTO(s wakesession.Summary) summaryDTO {
	return summaryDTO{
		SessionID: s.Session.ID,
		SiteID:    s.Session.SiteID,
		Day:       s.Session.Day,
		Timezone:  s.Session.Timezone,
		Start:     s.Session.Start,
		End:       s.Session.End,
		Status:    string(s.Status),
		Devices:   s.Devices,
		Expected:  s.Expected,
		Completed: s.Completed,
		Failed:    s.Failed,
		Extra:     s.Extra,
	}
}

type snapshotDTO struct {
	SessionID   int64                  `json:"session_id"`
	Round       int                    `json:"round"`
	WindowStart time.Time              `json:"window_start"`
	WindowEnd   time.Time              `json:"window_end"`
	Devices     []snapshot.DeviceEntry `json:"devices"`
	Aggregates  snapshot.Aggregates    `json:"aggregates"`
}

func toSnapshotDTO(s snapshot.Snapshot) snapshotDTO {
	return snapshotDTO{
		SessionID:   s.SessionID,
		Round:       s.Round,
		WindowStart: s.WindowStart,
		WindowEnd:   s.WindowEnd,
		Devices:     s.Devices,
		Aggregates:  s.Aggregates,
	}
}
