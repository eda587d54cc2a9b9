package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taoyao-code/wake-gateway/internal/command"
)

var _ command.Store = (*CommandStore)(nil)

// CommandStore command.Store 实现；状态迁移均为带前置条件的 UPDATE
type CommandStore struct{ *Repository }

// Commands 指令视图
func (r *Repository) Commands() *CommandStore { return &CommandStore{r} }

const commandColumns = `id, device_id, kind, payload, status, retries, issued_by, issued_at, expires_at,
	delivered_at, acked_at, next_attempt_at, last_error`

func scanCommand(row pgx.Row) (command.Command, error) {
	var (
		c       command.Command
		kind    string
		status  string
		payload []byte
	)
	if err := row.Scan(&c.ID, &c.DeviceID, &kind, &payload, &status, &c.Retries, &c.IssuedBy,
		&c.IssuedAt, &c.ExpiresAt, &c.DeliveredAt, &c.AckedAt, &c.NextAttemptAt, &c.LastError); err != nil {
		return command.Command{}, err
	}
	p, err := command.DecodePayload(command.Kind(kind), payload)
	if err != nil {
		return command.Command{}, fmt.Errorf("command %s: %w", c.ID, err)
	}
	c.Payload = p
	c.Status = command.Status(status)
	return c, nil
}

func collectCommands(rows pgx.Rows) ([]command.Command, error) {
	defer rows.Close()
	var out []command.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CommandStore) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	var ok bool
	err := r.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1)`, deviceID).Scan(&ok)
	return ok, err
}

func (r *CommandStore) Insert(ctx context.Context, c command.Command) error {
	payload, err := command.EncodePayload(c.Payload)
	if err != nil {
		return err
	}
	const q = `INSERT INTO device_commands (id, device_id, kind, payload, status, retries, issued_by, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.Pool.Exec(ctx, q, c.ID, c.DeviceID, string(c.Kind()), payload, string(c.Status),
		c.Retries, c.IssuedBy, c.IssuedAt, c.ExpiresAt)
	return err
}

func (r *CommandStore) Get(ctx context.Context, id string) (command.Command, error) {
	c, err := scanCommand(r.Pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = $1`, id))
	if noRows(err) {
		return command.Command{}, command.ErrNotFound
	}
	return c, err
}

func (r *CommandStore) ListDue(ctx context.Context, deviceID string, now time.Time, limit int) ([]command.Command, error) {
	q := `SELECT ` + commandColumns + ` FROM device_commands
		WHERE expires_at > $1
		  AND (status = 'pending' OR (status = 'sent' AND next_attempt_at <= $1))
		  AND ($2 = '' OR device_id = $2)
		ORDER BY issued_at, id
		LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, now, deviceID, limit)
	if err != nil {
		return nil, err
	}
	return collectCommands(rows)
}

func (r *CommandStore) MarkSent(ctx context.Context, id string, prev command.Status, prevRetries, retries int, now, nextAttempt time.Time) (bool, error) {
	const q = `UPDATE device_commands
		SET status = 'sent', retries = $4, delivered_at = $5, next_attempt_at = $6
		WHERE id = $1 AND status = $2 AND retries = $3 AND expires_at > $5`
	tag, err := r.Pool.Exec(ctx, q, id, string(prev), prevRetries, retries, now, nextAttempt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CommandStore) MarkFailed(ctx context.Context, id string, prevRetries int, _ time.Time, reason string) (bool, error) {
	const q = `UPDATE device_commands
		SET status = 'failed', last_error = $3, next_attempt_at = NULL
		WHERE id = $1 AND status = 'sent' AND retries = $2`
	tag, err := r.Pool.Exec(ctx, q, id, prevRetries, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CommandStore) Resolve(ctx context.Context, deviceID, id string, to command.Status, now time.Time, reason string) (bool, error) {
	const q = `UPDATE device_commands
		SET status = $3, acked_at = $4, last_error = $5, next_attempt_at = NULL
		WHERE id = $2 AND device_id = $1 AND status = 'sent'`
	tag, err := r.Pool.Exec(ctx, q, deviceID, id, string(to), now, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CommandStore) ExpireDue(ctx context.Context, now time.Time) ([]command.Command, error) {
	q := `UPDATE device_commands
		SET status = 'expired', next_attempt_at = NULL, last_error = 'ttl exceeded'
		WHERE status IN ('pending', 'sent') AND expires_at <= $1
		RETURNING ` + commandColumns
	rows, err := r.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	return collectCommands(rows)
}

func (r *CommandStore) CountByStatus(ctx context.Context) (map[command.Status]int64, error) {
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM device_commands GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[command.Status]int64)
	for rows.Next() {
		var (
			s string
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[command.Status(s)] = n
	}
	return out, rows.Err()
}

// ListByDevice 设备最近的指令，运维查询用
func (r *CommandStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]command.Command, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT `+commandColumns+` FROM device_commands WHERE device_id = $1 ORDER BY issued_at DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	return collectCommands(rows)
}

// ListCommands 运维 API 的设备指令记录
func (r *Repository) ListCommands(ctx context.Context, deviceID string, limit int) ([]command.Command, error) {
	return r.Commands().ListByDevice(ctx, deviceID, limit)
}
