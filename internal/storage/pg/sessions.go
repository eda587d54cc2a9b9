package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taoyao-code/wake-gateway/internal/snapshot"
	"github.com/taoyao-code/wake-gateway/internal/wakesession"
)

var _ wakesession.Store = (*SessionStore)(nil)

// SessionStore wakesession.Store 实现
type SessionStore struct{ *Repository }

// Sessions 会话视图
func (r *Repository) Sessions() *SessionStore { return &SessionStore{r} }

const sessionColumns = `id, site_id, day, timezone, start_at, end_at`

func scanSession(row pgx.Row) (wakesession.Session, error) {
	var s wakesession.Session
	err := row.Scan(&s.ID, &s.SiteID, &s.Day, &s.Timezone, &s.Start, &s.End)
	return s, err
}

// UpsertSession 按 (site_id, day) 幂等；冲突时返回已有记录
func (r *SessionStore) UpsertSession(ctx context.Context, s wakesession.Session) (wakesession.Session, error) {
	q := `INSERT INTO wake_sessions (site_id, day, timezone, start_at, end_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (site_id, day) DO UPDATE SET site_id = wake_sessions.site_id
		RETURNING ` + sessionColumns
	return scanSession(r.Pool.QueryRow(ctx, q, s.SiteID, s.Day, s.Timezone, s.Start, s.End))
}

func (r *SessionStore) GetSession(ctx context.Context, id int64) (wakesession.Session, error) {
	s, err := scanSession(r.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM wake_sessions WHERE id = $1`, id))
	if noRows(err) {
		return wakesession.Session{}, wakesession.ErrNotFound
	}
	return s, err
}

const assignmentColumns = `session_id, device_id, joined_at, expected, completed, failed, extra`

func scanAssignment(row pgx.Row) (wakesession.Assignment, error) {
	var a wakesession.Assignment
	err := row.Scan(&a.SessionID, &a.DeviceID, &a.JoinedAt, &a.Expected, &a.Completed, &a.Failed, &a.Extra)
	return a, err
}

// UpsertAssignment 冲突时只更新 joined_at 与 expected
func (r *SessionStore) UpsertAssignment(ctx context.Context, a wakesession.Assignment) (wakesession.Assignment, error) {
	q := `INSERT INTO session_devices (session_id, device_id, joined_at, expected)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, device_id) DO UPDATE SET
			joined_at = EXCLUDED.joined_at, expected = EXCLUDED.expected
		RETURNING ` + assignmentColumns
	return scanAssignment(r.Pool.QueryRow(ctx, q, a.SessionID, a.DeviceID, a.JoinedAt, a.Expected))
}

func (r *SessionStore) GetAssignment(ctx context.Context, sessionID int64, deviceID string) (wakesession.Assignment, error) {
	a, err := scanAssignment(r.Pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM session_devices WHERE session_id = $1 AND device_id = $2`,
		sessionID, deviceID))
	if noRows(err) {
		return wakesession.Assignment{}, wakesession.ErrNotFound
	}
	return a, err
}

func (r *SessionStore) ListAssignments(ctx context.Context, sessionID int64) ([]wakesession.Assignment, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM session_devices WHERE session_id = $1 ORDER BY device_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []wakesession.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordOutcome 载荷首次分类时写入结果并累加会话计数，同一事务内完成
func (r *SessionStore) RecordOutcome(ctx context.Context, ev wakesession.WakeEvent, o wakesession.Outcome) (wakesession.Outcome, bool, error) {
	var column string
	switch o {
	case wakesession.OutcomeCompleted:
		column = "completed"
	case wakesession.OutcomeFailed:
		column = "failed"
	case wakesession.OutcomeExtra:
		column = "extra"
	default:
		return "", false, fmt.Errorf("unknown outcome %q", o)
	}

	recorded := o
	applied := false
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE wake_payloads SET outcome = $2, overage_flag = ($2 = 'extra'), updated_at = NOW()
			 WHERE id = $1 AND outcome IS NULL`, ev.PayloadID, string(o))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var prev string
			err := tx.QueryRow(ctx, `SELECT COALESCE(outcome, '') FROM wake_payloads WHERE id = $1`, ev.PayloadID).Scan(&prev)
			if noRows(err) {
				return wakesession.ErrNotFound
			}
			if err != nil {
				return err
			}
			recorded = wakesession.Outcome(prev)
			return nil
		}
		tag, err = tx.Exec(ctx,
			`UPDATE session_devices SET `+column+` = `+column+` + 1 WHERE session_id = $1 AND device_id = $2`,
			ev.SessionID, ev.DeviceID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return wakesession.ErrNotFound
		}
		applied = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return recorded, applied, nil
}

// SessionInfo snapshot.Source：会话窗口与成员
func (r *Repository) SessionInfo(ctx context.Context, sessionID int64) (snapshot.SessionInfo, error) {
	var info snapshot.SessionInfo
	err := r.Pool.QueryRow(ctx, `SELECT start_at, end_at FROM wake_sessions WHERE id = $1`, sessionID).
		Scan(&info.Start, &info.End)
	if noRows(err) {
		return snapshot.SessionInfo{}, snapshot.ErrSessionNotFound
	}
	if err != nil {
		return snapshot.SessionInfo{}, err
	}
	rows, err := r.Pool.Query(ctx, `SELECT device_id FROM session_devices WHERE session_id = $1 ORDER BY device_id`, sessionID)
	if err != nil {
		return snapshot.SessionInfo{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return snapshot.SessionInfo{}, err
		}
		info.Devices = append(info.Devices, id)
	}
	return info, rows.Err()
}

// ActiveSessions 窗口与 [from, to] 有交集的会话ID
func (r *Repository) ActiveSessions(ctx context.Context, from, to time.Time) ([]int64, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id FROM wake_sessions WHERE start_at <= $2 AND end_at > $1 ORDER BY id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
