// Package state 保存同步进度（水位），进程重启后从上次成功的位置继续。
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Storage 状态持久化后端
type Storage interface {
	// Retrieve 读取全部状态；不存在时返回空 map
	Retrieve() (map[string]string, error)
	// Persist 整体写入状态
	Persist(state map[string]string) error
}

// JSONFileStorage 基于本地 JSON 文件的存储
type JSONFileStorage struct {
	path string
	log  *zap.Logger
}

// NewJSONFileStorage 创建文件存储
func NewJSONFileStorage(path string, log *zap.Logger) *JSONFileStorage {
	return &JSONFileStorage{path: path, log: log.Named("state")}
}

// Retrieve 读取状态文件，文件不存在或内容损坏都视为空状态
func (s *JSONFileStorage) Retrieve() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取状态文件失败: %w", err)
	}

	state := map[string]string{}
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn("状态文件无法解析，按空状态处理", zap.String("path", s.path), zap.Error(err))
		return map[string]string{}, nil
	}
	return state, nil
}

// Persist 先写临时文件再 rename，保证已有状态不会被写坏
func (s *JSONFileStorage) Persist(state map[string]string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时状态文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("写入临时状态文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("刷盘失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时状态文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("替换状态文件失败: %w", err)
	}
	return nil
}

const memoryKey = "state"

// MemoryStorage 进程内存储，进程退出即丢失
type MemoryStorage struct {
	c *cache.Cache
}

// NewMemoryStorage 创建内存存储
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{c: cache.New(cache.NoExpiration, 0)}
}

func (s *MemoryStorage) Retrieve() (map[string]string, error) {
	v, ok := s.c.Get(memoryKey)
	if !ok {
		return map[string]string{}, nil
	}
	src := v.(map[string]string)
	out := make(map[string]string, len(src))
	for k, val := range src {
		out[k] = val
	}
	return out, nil
}

func (s *MemoryStorage) Persist(state map[string]string) error {
	cp := make(map[string]string, len(state))
	for k, v := range state {
		cp[k] = v
	}
	s.c.Set(memoryKey, cp, cache.NoExpiration)
	return nil
}

// 编译期检查
var (
	_ Storage = (*JSONFileStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)

// timeLayout 状态中时间戳的格式
const timeLayout = time.RFC3339Nano
