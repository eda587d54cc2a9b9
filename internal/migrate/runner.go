package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Runner 顺序执行 NNNN_xxx_up.sql 迁移。FS 为空时读取 Dir
type Runner struct {
	Dir    string
	FS     fs.FS
	Logger *zap.Logger
}

// Migration 一个待执行的迁移文件
type Migration struct {
	Version int64
	Name    string
}

const createTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Applied 已应用的版本
func Applied(ctx context.Context, db *pgxpool.Pool) (map[int64]bool, error) {
	if _, err := db.Exec(ctx, createTable); err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	res := make(map[int64]bool, len(versions))
	for _, v := range versions {
		res[v] = true
	}
	return res, nil
}

func (r Runner) fsys() (fs.FS, error) {
	if r.FS != nil {
		return r.FS, nil
	}
	if r.Dir == "" {
		return nil, errors.New("migrate: no migration source")
	}
	return os.DirFS(r.Dir), nil
}

// Discover 按版本排序的向上迁移；文件名前缀不是数字的忽略，重复版本报错
func (r Runner) Discover() ([]Migration, error) {
	fsys, err := r.fsys()
	if err != nil {
		return nil, err
	}
	var out []Migration
	seen := make(map[int64]string)
	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := path.Base(p)
		if !strings.HasSuffix(name, "_up.sql") {
			return nil
		}
		prefix, _, _ := strings.Cut(name, "_")
		ver, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return nil
		}
		if prev, dup := seen[ver]; dup {
			return fmt.Errorf("migrate: duplicate version %d (%s, %s)", ver, prev, p)
		}
		seen[ver] = p
		out = append(out, Migration{Version: ver, Name: p})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up 在各自事务中执行未应用的迁移，返回本次执行的数量
func (r Runner) Up(ctx context.Context, db *pgxpool.Pool) (int, error) {
	fsys, err := r.fsys()
	if err != nil {
		return 0, err
	}
	all, err := r.Discover()
	if err != nil {
		return 0, err
	}
	applied, err := Applied(ctx, db)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		body, err := fs.ReadFile(fsys, m.Name)
		if err != nil {
			return n, err
		}
		err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("migrate %s: %w", m.Name, err)
		}
		if r.Logger != nil {
			r.Logger.Info("migration applied", zap.Int64("version", m.Version), zap.String("file", m.Name))
		}
		n++
	}
	return n, nil
}
