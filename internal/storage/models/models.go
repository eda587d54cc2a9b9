package models

import (
	"time"
)

// 注意：
// - 与 db/migrations/0001_init_up.sql 对齐
// - 不使用 gorm.Model，显式声明每个字段

// Site 映射 sites 表
type Site struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;type:text;not null"`
	Timezone  string    `gorm:"column:timezone;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Site) TableName() string { return "sites" }

// SessionSnapshot 映射 session_snapshots 表（复合主键：session_id + wake_round）
type SessionSnapshot struct {
	SessionID   int64     `gorm:"column:session_id;primaryKey"`
	WakeRound   int       `gorm:"column:wake_round;primaryKey"`
	WindowStart time.Time `gorm:"column:window_start;not null"`
	WindowEnd   time.Time `gorm:"column:window_end;not null"`
	// 设备条目与汇总以 JSON 存储
	Devices    []byte    `gorm:"column:devices;type:jsonb;not null"`
	Aggregates []byte    `gorm:"column:aggregates;type:jsonb;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (SessionSnapshot) TableName() string { return "session_snapshots" }
