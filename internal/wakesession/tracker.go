package wakesession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taoyao-code/wake-gateway/internal/schedule"
	"go.uber.org/zap"
)

// Outcome 唤醒事件分类结果，三者互斥
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExtra     Outcome = "extra"
)

// Status 会话派生状态
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
)

var (
	ErrNotFound    = errors.New("wakesession: not found")
	ErrNotAssigned = errors.New("wakesession: device not assigned to session")
	ErrNoSite      = errors.New("wakesession: device has no site mapping")
)

const dayLayout = "2006-01-02"

// Session 站点的一个唤醒会话（站点本地日历日）
type Session struct {
	ID       int64
	SiteID   int64
	Day      string // 本地日期 YYYY-MM-DD
	Timezone string
	Start    time.Time
	End      time.Time // 不含
}

// Assignment 设备在会话中的计数
type Assignment struct {
	SessionID int64
	DeviceID  string
	JoinedAt  time.Time
	Expected  int
	Completed int
	Failed    int
	Extra     int
}

// Observed 已分类的唤醒数
func (a Assignment) Observed() int { return a.Completed + a.Failed + a.Extra }

func (a Assignment) reachedExpected() bool { return a.Completed+a.Failed >= a.Expected }

// Member 参与会话的设备
type Member struct {
	DeviceID string
	SiteID   int64
	Timezone string
	Schedule string
	MappedAt time.Time // 设备被分配到站点的时间
}

// WakeEvent 一次待分类的唤醒
type WakeEvent struct {
	PayloadID  int64
	SessionID  int64
	DeviceID   string
	CapturedAt time.Time
	TransferOK bool
}

// Store 会话持久化；所有写入都是按自然键的 upsert
type Store interface {
	// UpsertSession 按 (site_id, day) 幂等创建
	UpsertSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id int64) (Session, error)
	// UpsertAssignment 按 (session_id, device_id) 幂等；冲突时只更新 joined_at 与 expected，计数保持不变
	UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
	GetAssignment(ctx context.Context, sessionID int64, deviceID string) (Assignment, error)
	ListAssignments(ctx context.Context, sessionID int64) ([]Assignment, error)
	// RecordOutcome 每个 payload 只记录一次；重复调用返回首次的结果且 applied=false
	RecordOutcome(ctx context.Context, ev WakeEvent, o Outcome) (recorded Outcome, applied bool, err error)
}

// Tracker 会话跟踪器
type Tracker struct {
	store     Store
	calc      *schedule.Calculator
	tolerance time.Duration
	logger    *zap.Logger
}

// Option 配置项
type Option func(*Tracker)

// WithSlotTolerance 设置判定"计划内唤醒"的时间容差
func WithSlotTolerance(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.tolerance = d
		}
	}
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker 创建会话跟踪器
func NewTracker(store Store, calc *schedule.Calculator, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		calc:      calc,
		tolerance: 30 * time.Minute,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.calc == nil {
		t.calc = schedule.NewCalculator(t.logger)
	}
	return t
}

// Window 返回 at 所在站点本地日的会话窗口
func (t *Tracker) Window(tz string, at time.Time) (day string, start, end time.Time) {
	loc := t.calc.Location(tz)
	local := at.In(loc)
	y, m, d := local.Date()
	s := time.Date(y, m, d, 0, 0, 0, 0, loc)
	e := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return s.Format(dayLayout), s.UTC(), e.UTC()
}

// EnsureSession 确保设备在 at 所在日的会话中，首次出现时按加入时间计算期望次数
func (t *Tracker) EnsureSession(ctx context.Context, m Member, at time.Time) (Session, Assignment, error) {
	if m.SiteID == 0 {
		return Session{}, Assignment{}, ErrNoSite
	}
	day, start, end := t.Window(m.Timezone, at)
	s, err := t.store.UpsertSession(ctx, Session{
		SiteID:   m.SiteID,
		Day:      day,
		Timezone: t.calc.Location(m.Timezone).String(),
		Start:    start,
		End:      end,
	})
	if err != nil {
		return Session{}, Assignment{}, fmt.Errorf("upsert session: %w", err)
	}

	a, err := t.store.GetAssignment(ctx, s.ID, m.DeviceID)
	if err == nil {
		return s, a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, Assignment{}, fmt.Errorf("get assignment: %w", err)
	}

	joined := s.Start
	if m.MappedAt.After(joined) {
		joined = m.MappedAt
	}
	a, err = t.JoinDevice(ctx, s, m, joined)
	return s, a, err
}

// JoinDevice 将设备加入会话；期望次数只统计加入时刻及之后的计划唤醒
func (t *Tracker) JoinDevice(ctx context.Context, s Session, m Member, joinedAt time.Time) (Assignment, error) {
	if joinedAt.Before(s.Start) {
		joinedAt = s.Start
	}
	expected := t.ExpectedCount(s, m, joinedAt)
	a, err := t.store.UpsertAssignment(ctx, Assignment{
		SessionID: s.ID,
		DeviceID:  m.DeviceID,
		JoinedAt:  joinedAt,
		Expected:  expected,
	})
	if err != nil {
		return Assignment{}, fmt.Errorf("upsert assignment: %w", err)
	}
	t.logger.Info("device joined session",
		zap.Int64("session_id", s.ID),
		zap.String("device_id", m.DeviceID),
		zap.Time("joined_at", joinedAt),
		zap.Int("expected", expected))
	return a, nil
}

// ExpectedCount 计算 [joinedAt, session.End) 内的计划唤醒次数
func (t *Tracker) ExpectedCount(s Session, m Member, joinedAt time.Time) int {
	if !joinedAt.Before(s.End) || m.Schedule == "" {
		return 0
	}
	slots, err := t.calc.Between(m.Schedule, m.Timezone, joinedAt, s.End.Add(-time.Nanosecond))
	if err != nil {
		// 计划无法解析时按默认间隔（每天一次）计
		t.logger.Warn("schedule ambiguous, expecting default interval",
			zap.String("device_id", m.DeviceID),
			zap.String("expr", m.Schedule),
			zap.Error(err))
		return 1
	}
	return len(slots)
}

// Classify 对一次唤醒分类，同一 payload 只生效一次
func (t *Tracker) Classify(ctx context.Context, m Member, ev WakeEvent) (Outcome, error) {
	a, err := t.store.GetAssignment(ctx, ev.SessionID, ev.DeviceID)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotAssigned
	}
	if err != nil {
		return "", fmt.Errorf("get assignment: %w", err)
	}

	outcome := OutcomeExtra
	if !a.reachedExpected() && t.inSlot(m, a, ev.CapturedAt) {
		outcome = OutcomeFailed
		if ev.TransferOK {
			outcome = OutcomeCompleted
		}
	}

	recorded, applied, err := t.store.RecordOutcome(ctx, ev, outcome)
	if err != nil {
		return "", fmt.Errorf("record outcome: %w", err)
	}
	if applied {
		t.logger.Info("wake classified",
			zap.Int64("session_id", ev.SessionID),
			zap.String("device_id", ev.DeviceID),
			zap.Int64("payload_id", ev.PayloadID),
			zap.String("outcome", string(recorded)))
	}
	return recorded, nil
}

// inSlot 唤醒是否落在加入之后的某个计划时刻容差内
func (t *Tracker) inSlot(m Member, a Assignment, at time.Time) bool {
	if m.Schedule == "" {
		return false
	}
	from := at.Add(-t.tolerance)
	if from.Before(a.JoinedAt) {
		from = a.JoinedAt
	}
	to := at.Add(t.tolerance)
	if to.Before(from) {
		return false
	}
	slots, err := t.calc.Between(m.Schedule, m.Timezone, from, to)
	if err != nil {
		// 无法解析的计划视为每日一次，任何首个唤醒都在计划内
		return a.Observed() == 0
	}
	return len(slots) > 0
}

// Status 派生会话状态：窗口结束或全部设备达到期望次数即为 complete
func (t *Tracker) Status(ctx context.Context, sessionID int64, now time.Time) (Status, error) {
	s, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !now.Before(s.End) {
		return StatusComplete, nil
	}
	as, err := t.store.ListAssignments(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list assignments: %w", err)
	}
	if len(as) == 0 {
		return StatusInProgress, nil
	}
	for _, a := range as {
		if !a.reachedExpected() {
			return StatusInProgress, nil
		}
	}
	return StatusComplete, nil
}

// Summary 会话汇总
type Summary struct {
	Session   Session
	Status    Status
	Devices   int
	Expected  int
	Completed int
	Failed    int
	Extra     int
}

// Summarize 汇总会话计数
func (t *Tracker) Summarize(ctx context.Context, sessionID int64, now time.Time) (Summary, error) {
	s, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	as, err := t.store.ListAssignments(ctx, sessionID)
	if err != nil {
		return Summary{}, fmt.Errorf("list assignments: %w", err)
	}
	st, err := t.Status(ctx, sessionID, now)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Session: s, Status: st, Devices: len(as)}
	for _, a := range as {
		sum.Expected += a.Expected
		sum.Completed += a.Completed
		sum.Failed += a.Failed
		sum.Extra += a.Extra
	}
	return sum, nil
}
