package state

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MinWatermark 没有历史水位时使用的"时间起点"
var MinWatermark = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// State 基于 Storage 的键值状态，每次读写都是整体读-改-写
type State struct {
	mu      sync.Mutex
	storage Storage
	log     *zap.Logger
}

// New 创建状态
func New(storage Storage, log *zap.Logger) *State {
	return &State{storage: storage, log: log.Named("state")}
}

// Get 读取 key，不存在时 ok 为 false
func (s *State) Get(key string) (value string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.storage.Retrieve()
	if err != nil {
		return "", false, err
	}
	value, ok = st[key]
	return value, ok, nil
}

// Set 写入 key
func (s *State) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.storage.Retrieve()
	if err != nil {
		return err
	}
	st[key] = value
	return s.storage.Persist(st)
}

// Watermark 读取水位；不存在或无法解析时返回 MinWatermark
func (s *State) Watermark(key string) (time.Time, error) {
	raw, ok, err := s.Get(key)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return MinWatermark, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		s.log.Warn("水位格式错误，从头开始同步", zap.String("key", key), zap.String("value", raw))
		return MinWatermark, nil
	}
	return t.UTC(), nil
}

// SetWatermark 推进水位；水位只增不减，比当前值小的写入会被忽略
func (s *State) SetWatermark(key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.storage.Retrieve()
	if err != nil {
		return err
	}
	if raw, ok := st[key]; ok {
		if cur, err := time.Parse(timeLayout, raw); err == nil && t.Before(cur) {
			s.log.Warn("忽略回退的水位",
				zap.Time("current", cur), zap.Time("requested", t))
			return nil
		}
	}
	st[key] = t.UTC().Format(timeLayout)
	if err := s.storage.Persist(st); err != nil {
		return fmt.Errorf("保存水位失败: %w", err)
	}
	return nil
}

// ResetWatermark 删除水位，下一轮将全量同步
func (s *State) ResetWatermark(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.storage.Retrieve()
	if err != nil {
		return err
	}
	delete(st, key)
	return s.storage.Persist(st)
}
