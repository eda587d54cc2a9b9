package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
)

// PoolConfig 连接池参数
type PoolConfig struct {
	DSN         string
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	TraceSQL    bool
}

// NewPool 创建 pgx 连接池并探活
func NewPool(ctx context.Context, pc PoolConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	dsn, maxOpen, maxIdle, maxLifetime := pc.DSN, pc.MaxOpen, pc.MaxIdle, pc.MaxLifetime
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	// SQL 追踪只在调试时开启，分片消息量大
	if logger != nil && pc.TraceSQL {
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   &pgxZapLogger{logger: logger},
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	cfg.MaxConns = 10
	if maxOpen > 0 {
		cfg.MaxConns = int32(maxOpen)
	}
	cfg.MinConns = 2
	if maxIdle > 0 {
		cfg.MinConns = int32(maxIdle)
	}
	cfg.MaxConnLifetime = time.Hour
	if maxLifetime > 0 {
		cfg.MaxConnLifetime = maxLifetime
	}
	cfg.MaxConnIdleTime = 15 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// pgxZapLogger 将 pgx 追踪日志转到 zap
type pgxZapLogger struct {
	logger *zap.Logger
}

func (l *pgxZapLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]zap.Field, 0, len(data)+1)
	fields = append(fields, zap.String("component", "pgx"))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case tracelog.LogLevelError:
		l.logger.Error(msg, fields...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, fields...)
	default:
		l.logger.Debug(msg, fields...)
	}
}
