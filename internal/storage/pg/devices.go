package pg

import (
	"context"
	"time"

	"github.com/taoyao-code/wake-gateway/internal/device"
	"github.com/taoyao-code/wake-gateway/internal/reliability"
)

var _ device.Store = (*DeviceStore)(nil)

// DeviceStore device.Store 实现
type DeviceStore struct{ *Repository }

// Devices 设备视图
func (r *Repository) Devices() *DeviceStore { return &DeviceStore{r} }

const deviceColumns = `d.id, d.status, COALESCE(d.site_id, 0), COALESCE(s.timezone, ''), d.schedule,
	d.mapped_at, d.last_wake_at, d.next_wake_at, d.manual_wake_pending, d.manual_wake_at,
	COALESCE(d.manual_wake_by, ''), d.last_seen_at, d.pending_images`

func (r *DeviceStore) Get(ctx context.Context, id string) (device.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices d LEFT JOIN sites s ON s.id = d.site_id WHERE d.id = $1`
	var (
		d      device.Device
		status string
	)
	err := r.Pool.QueryRow(ctx, q, id).Scan(&d.ID, &status, &d.SiteID, &d.Timezone, &d.Schedule,
		&d.MappedAt, &d.LastWakeAt, &d.NextWakeAt, &d.ManualWakePending, &d.ManualWakeAt,
		&d.ManualWakeBy, &d.LastSeenAt, &d.PendingImages)
	if noRows(err) {
		return device.Device{}, device.ErrNotFound
	}
	if err != nil {
		return device.Device{}, err
	}
	d.Status = device.Status(status)
	return d, nil
}

// Touch 刷新最近在线时间；未知设备以 pending_mapping 登记
func (r *DeviceStore) Touch(ctx context.Context, id string, now time.Time, pendingImages int) (device.Device, bool, error) {
	const q = `INSERT INTO devices (id, status, last_seen_at, pending_images)
		VALUES ($1, 'pending_mapping', $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			last_seen_at = GREATEST(devices.last_seen_at, EXCLUDED.last_seen_at),
			pending_images = EXCLUDED.pending_images,
			updated_at = NOW()
		RETURNING (xmax = 0)`
	var created bool
	if err := r.Pool.QueryRow(ctx, q, id, now, pendingImages).Scan(&created); err != nil {
		return device.Device{}, false, err
	}
	d, err := r.Get(ctx, id)
	return d, created, err
}

func (r *DeviceStore) SaveWake(ctx context.Context, id string, lastWake, nextWake time.Time, clearManual bool) error {
	const q = `UPDATE devices SET
			last_wake_at = $2,
			next_wake_at = $3,
			manual_wake_pending = CASE WHEN $4 THEN FALSE ELSE manual_wake_pending END,
			manual_wake_at = CASE WHEN $4 THEN NULL ELSE manual_wake_at END,
			manual_wake_by = CASE WHEN $4 THEN NULL ELSE manual_wake_by END,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.Pool.Exec(ctx, q, id, lastWake, nextWake, clearManual)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return device.ErrNotFound
	}
	return nil
}

func (r *DeviceStore) SetManualWake(ctx context.Context, id string, at time.Time, by string) error {
	const q = `UPDATE devices SET manual_wake_pending = TRUE, manual_wake_at = $2, manual_wake_by = $3,
			next_wake_at = $2, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.Pool.Exec(ctx, q, id, at, by)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return device.ErrNotFound
	}
	return nil
}

func (r *DeviceStore) SetSchedule(ctx context.Context, id, expr string, nextWake *time.Time) error {
	const q = `UPDATE devices SET schedule = $2, next_wake_at = COALESCE($3, next_wake_at), updated_at = NOW()
		WHERE id = $1`
	tag, err := r.Pool.Exec(ctx, q, id, expr, nextWake)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return device.ErrNotFound
	}
	return nil
}

// DeviceSchedule reliability.Source：设备计划与站点时区
func (r *Repository) DeviceSchedule(ctx context.Context, id string) (reliability.DeviceSchedule, error) {
	const q = `SELECT d.schedule, COALESCE(s.timezone, '')
		FROM devices d LEFT JOIN sites s ON s.id = d.site_id WHERE d.id = $1`
	var ds reliability.DeviceSchedule
	err := r.Pool.QueryRow(ctx, q, id).Scan(&ds.Expr, &ds.Timezone)
	if noRows(err) {
		return reliability.DeviceSchedule{}, device.ErrNotFound
	}
	return ds, err
}

// ActivityTimes reliability.Source：心跳与上报时间
func (r *Repository) ActivityTimes(ctx context.Context, id string, from, to time.Time) ([]time.Time, error) {
	const q = `SELECT seen_at FROM device_heartbeats WHERE device_id = $1 AND seen_at BETWEEN $2 AND $3
		UNION ALL
		SELECT captured_at FROM wake_payloads WHERE device_id = $1 AND captured_at BETWEEN $2 AND $3
		ORDER BY 1`
	rows, err := r.Pool.Query(ctx, q, id, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordHeartbeat 记录状态消息（活动信号）
func (r *Repository) RecordHeartbeat(ctx context.Context, deviceID string, at time.Time, pendingImages int) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO device_heartbeats (device_id, seen_at, pending_images) VALUES ($1, $2, $3)`,
		deviceID, at, pendingImages)
	return err
}

// PruneHeartbeats 删除 before 之前的心跳记录
func (r *Repository) PruneHeartbeats(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM device_heartbeats WHERE seen_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
