package gormrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/taoyao-code/wake-gateway/internal/snapshot"
	"github.com/taoyao-code/wake-gateway/internal/storage/models"
)

// ErrNotFound 快照不存在
var ErrNotFound = errors.New("gormrepo: snapshot not found")

var _ snapshot.Store = (*SnapshotStore)(nil)

// Open 打开 gorm 连接，连接数与 pgx 池分开限制
func Open(dsn string, maxOpen int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	return db, nil
}

// SnapshotStore 基于 GORM 的快照存储
type SnapshotStore struct {
	db *gorm.DB
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Upsert 按 (session_id, wake_round) 覆盖写入，重复生成结果一致
func (s *SnapshotStore) Upsert(ctx context.Context, snap snapshot.Snapshot) error {
	rec, err := toModel(snap)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "wake_round"}},
			DoUpdates: clause.AssignmentColumns([]string{"window_start", "window_end", "devices", "aggregates", "updated_at"}),
		}).
		Create(&rec).Error
}

// Get 读取某一轮快照
func (s *SnapshotStore) Get(ctx context.Context, sessionID int64, round int) (snapshot.Snapshot, error) {
	var rec models.SessionSnapshot
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND wake_round = ?", sessionID, round).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return snapshot.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return fromModel(rec)
}

// List 会话全部快照，按轮次升序
func (s *SnapshotStore) List(ctx context.Context, sessionID int64) ([]snapshot.Snapshot, error) {
	var recs []models.SessionSnapshot
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("wake_round ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]snapshot.Snapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := fromModel(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func toModel(snap snapshot.Snapshot) (models.SessionSnapshot, error) {
	devices, err := json.Marshal(snap.Devices)
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("encode devices: %w", err)
	}
	agg, err := json.Marshal(snap.Aggregates)
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("encode aggregates: %w", err)
	}
	return models.SessionSnapshot{
		SessionID:   snap.SessionID,
		WakeRound:   snap.Round,
		WindowStart: snap.WindowStart,
		WindowEnd:   snap.WindowEnd,
		Devices:     devices,
		Aggregates:  agg,
	}, nil
}

func fromModel(rec models.SessionSnapshot) (snapshot.Snapshot, error) {
	snap := snapshot.Snapshot{
		SessionID:   rec.SessionID,
		Round:       rec.WakeRound,
		WindowStart: rec.WindowStart.UTC(),
		WindowEnd:   rec.WindowEnd.UTC(),
	}
	if err := json.Unmarshal(rec.Devices, &snap.Devices); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode devices: %w", err)
	}
	if err := json.Unmarshal(rec.Aggregates, &snap.Aggregates); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode aggregates: %w", err)
	}
	return snap, nil
}
