package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/taoyao-code/wake-gateway/internal/transfer"
)

const (
	defaultPermissions = 0o755
	defaultDateFormat  = "20060102"
	imageExtension     = ".jpg"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Store 本地文件系统对象存储，按 设备/日期/传输ID 组织
type Store struct {
	basePath string
}

// NewStore 创建存储并确保根目录存在
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("files: base path is empty")
	}
	if err := os.MkdirAll(basePath, defaultPermissions); err != nil {
		return nil, fmt.Errorf("files: create base dir: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// Put 写入组装完成的对象；同一 TransferID 已存在时直接返回原引用，不重复写
func (s *Store) Put(ctx context.Context, obj transfer.Object, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel := s.relPath(obj)
	full := filepath.Join(s.basePath, rel)

	if st, err := os.Stat(full); err == nil && st.Size() == int64(len(data)) {
		return rel, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), defaultPermissions); err != nil {
		return "", fmt.Errorf("files: create dir: %w", err)
	}

	// 先写临时文件再原子改名，避免读到半截对象
	tmp, err := os.CreateTemp(filepath.Dir(full), ".part-*")
	if err != nil {
		return "", fmt.Errorf("files: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("files: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("files: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("files: rename: %w", err)
	}
	return rel, nil
}

// Open 读取已存对象
func (s *Store) Open(ref string) ([]byte, error) {
	clean := filepath.Clean("/" + ref)
	return os.ReadFile(filepath.Join(s.basePath, clean))
}

func (s *Store) relPath(obj transfer.Object) string {
	captured := obj.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	name := unsafeName.ReplaceAllString(obj.ImageName, "_")
	if filepath.Ext(name) == "" {
		name += imageExtension
	}
	return filepath.Join(
		unsafeName.ReplaceAllString(obj.DeviceID, "_"),
		captured.UTC().Format(defaultDateFormat),
		obj.TransferID+"_"+name,
	)
}
