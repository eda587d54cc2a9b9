package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository 网关的 PostgreSQL 持久化，所有写入都是按自然键的条件更新或 upsert
type Repository struct {
	Pool *pgxpool.Pool
}

// NewRepository 创建仓库
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

// Ping 探活
func (r *Repository) Ping(ctx context.Context) error {
	return r.Pool.Ping(ctx)
}

// withTx 在事务中执行 fn
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func noRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
