package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taoyao-code/wake-gateway/internal/gateway"
	"github.com/taoyao-code/wake-gateway/internal/snapshot"
	"github.com/taoyao-code/wake-gateway/internal/transfer"
)

var (
	_ gateway.PayloadStore = (*Repository)(nil)
	_ snapshot.Source      = (*Repository)(nil)
)

// CreatePayload 按 (device_id, image_name, captured_at) 幂等
func (r *Repository) CreatePayload(ctx context.Context, p gateway.Payload) (int64, error) {
	const q = `INSERT INTO wake_payloads (device_id, session_id, image_name, captured_at, status,
			total_chunks, image_size, location, error_code, temperature, humidity, pressure,
			gas_resistance, rssi, battery)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (device_id, image_name, captured_at) DO UPDATE SET updated_at = NOW()
		RETURNING id`
	var sessionID *int64
	if p.SessionID != 0 {
		sessionID = &p.SessionID
	}
	status := p.Status
	if status == "" {
		status = gateway.PayloadPending
	}
	var id int64
	err := r.Pool.QueryRow(ctx, q, p.DeviceID, sessionID, p.ImageName, p.CapturedAt, string(status),
		p.TotalChunks, p.ImageSize, p.Location, p.ErrorCode, p.Temperature, p.Humidity, p.Pressure,
		p.GasResistance, p.RSSI, p.Battery).Scan(&id)
	return id, err
}

func (r *Repository) GetPayload(ctx context.Context, id int64) (gateway.Payload, error) {
	const q = `SELECT id, device_id, COALESCE(session_id, 0), image_name, captured_at, status, total_chunks,
			image_size, location, error_code, temperature, humidity, pressure, gas_resistance, rssi, battery,
			overage_flag, COALESCE(image_ref, '')
		FROM wake_payloads WHERE id = $1`
	var (
		p      gateway.Payload
		status string
	)
	err := r.Pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.DeviceID, &p.SessionID, &p.ImageName, &p.CapturedAt,
		&status, &p.TotalChunks, &p.ImageSize, &p.Location, &p.ErrorCode, &p.Temperature, &p.Humidity,
		&p.Pressure, &p.GasResistance, &p.RSSI, &p.Battery, &p.Overage, &p.ImageRef)
	if err != nil {
		return gateway.Payload{}, err
	}
	p.Status = gateway.PayloadStatus(status)
	return p, nil
}

func (r *Repository) SaveTransfer(ctx context.Context, transferID string, payloadID int64, deviceID, imageName string, totalChunks int) error {
	const q = `INSERT INTO image_transfers (id, payload_id, device_id, image_name, total_chunks)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, transferID, payloadID, deviceID, imageName, totalChunks)
	return err
}

// CompletePayload 链接图像并置为完成；重复调用结果不变
func (r *Repository) CompletePayload(ctx context.Context, c transfer.Completed) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE wake_payloads SET status = 'complete', image_ref = $2, updated_at = NOW() WHERE id = $1`,
			c.PayloadID, c.StorageRef); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE image_transfers SET status = 'complete', storage_ref = $2, size_bytes = $3, retries = $4,
				missing = NULL, finished_at = COALESCE(finished_at, NOW())
			 WHERE id = $1`,
			c.TransferID, c.StorageRef, c.Size, c.Retries)
		return err
	})
}

// FailPayload 置为失败；已完成的载荷不回退
func (r *Repository) FailPayload(ctx context.Context, f transfer.Failed) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE wake_payloads SET status = 'failed', updated_at = NOW() WHERE id = $1 AND status <> 'complete'`,
			f.PayloadID); err != nil {
			return err
		}
		missing := make([]int32, len(f.Missing))
		for i, m := range f.Missing {
			missing[i] = int32(m)
		}
		_, err := tx.Exec(ctx,
			`UPDATE image_transfers SET status = 'failed', missing = $2, reason = $3, finished_at = NOW()
			 WHERE id = $1 AND status <> 'complete'`,
			f.TransferID, missing, f.Reason)
		return err
	})
}

func (r *Repository) MarkOverage(ctx context.Context, payloadID int64) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE wake_payloads SET overage_flag = TRUE, updated_at = NOW() WHERE id = $1`, payloadID)
	return err
}

// LatestObservation snapshot.Source：before 之前最近一条遥测。
// 既无遥测也无图像的载荷（如传输失败）不算观测，旧值继续沿用。
func (r *Repository) LatestObservation(ctx context.Context, deviceID string, before time.Time) (*snapshot.Observation, error) {
	const q = `SELECT id, captured_at, temperature, humidity, pressure, score, COALESCE(image_ref, '')
		FROM wake_payloads
		WHERE device_id = $1 AND captured_at < $2
		  AND (temperature IS NOT NULL OR humidity IS NOT NULL OR pressure IS NOT NULL
		       OR score IS NOT NULL OR COALESCE(image_ref, '') <> '')
		ORDER BY captured_at DESC, id DESC
		LIMIT 1`
	var o snapshot.Observation
	err := r.Pool.QueryRow(ctx, q, deviceID, before).Scan(&o.PayloadID, &o.CapturedAt,
		&o.Temperature, &o.Humidity, &o.Pressure, &o.Score, &o.ImageRef)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.CapturedAt = o.CapturedAt.UTC()
	return &o, nil
}

// ListPayloads 设备最近的载荷，运维查询用
func (r *Repository) ListPayloads(ctx context.Context, deviceID string, limit int) ([]gateway.Payload, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id FROM wake_payloads WHERE device_id = $1 ORDER BY captured_at DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	out := make([]gateway.Payload, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetPayload(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
