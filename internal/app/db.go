package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/wake-gateway/internal/config"
	"github.com/taoyao-code/wake-gateway/internal/migrate"
	pgstorage "github.com/taoyao-code/wake-gateway/internal/storage/pg"
)

// ConnectDBAndMigrate 建立数据库连接并按需执行迁移
func ConnectDBAndMigrate(ctx context.Context, cfg cfgpkg.DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	dbpool, err := pgstorage.NewPool(ctx, pgstorage.PoolConfig{
		DSN:         cfg.DSN,
		MaxOpen:     cfg.MaxOpenConns,
		MaxIdle:     cfg.MaxIdleConns,
		MaxLifetime: cfg.ConnMaxLifetime,
		TraceSQL:    cfg.TraceSQL,
	}, log)
	if err != nil {
		log.Error("db connect error", zap.Error(err))
		return nil, err
	}
	if !cfg.AutoMigrate {
		return dbpool, nil
	}
	n, err := migrate.Runner{Dir: cfg.MigrationsDir, Logger: log}.Up(ctx, dbpool)
	if err != nil {
		log.Error("db migrate error", zap.Error(err))
		return dbpool, err
	}
	log.Info("db migrations applied", zap.Int("count", n), zap.String("dir", cfg.MigrationsDir))
	return dbpool, nil
}
