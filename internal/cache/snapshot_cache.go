package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-vitals-sync/internal/kv"
	"wisefido-vitals-sync/internal/models"

	"go.uber.org/zap"
)

const (
	// datasetKey 主缓存条目：{data, timestamp}，受 TTL 约束
	datasetKey = "vitals-sync:dataset"
	// historyKey 辅助条目：{history, lastUpdated}，冷启动回填用，不受主 TTL 约束
	historyKey = "vitals-sync:history"
)

// datasetEntry 主缓存条目的持久化形态
type datasetEntry struct {
	Data      []models.Patient `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
}

// historyEntry 按患者分组的读数索引
type historyEntry struct {
	History     map[int][]models.VitalReading `json:"history"`
	LastUpdated time.Time                     `json:"lastUpdated"`
}

// SnapshotCache 本地快照缓存
// 过期条目等同于不存在；反序列化失败按缓存未命中处理，不致命
// 写入是 last-writer-wins：并发成功拉取各自整体覆盖，后写者胜
type SnapshotCache struct {
	kv     kv.KVStore
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewSnapshotCache 创建快照缓存
func NewSnapshotCache(store kv.KVStore, ttl time.Duration, logger *zap.Logger) *SnapshotCache {
	return &SnapshotCache{
		kv:     store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock 替换时间源（仅测试使用）
func (c *SnapshotCache) SetClock(now func() time.Time) {
	c.now = now
}

// SaveDataset 整体写入主缓存条目
func (c *SnapshotCache) SaveDataset(ctx context.Context, patients []models.Patient) error {
	entry := datasetEntry{
		Data:      patients,
		Timestamp: c.now(),
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset entry: %w", err)
	}

	if err := c.kv.Set(ctx, datasetKey, string(jsonData), 0); err != nil {
		return fmt.Errorf("failed to set dataset cache: %w", err)
	}

	c.logger.Debug("Updated dataset cache",
		zap.Int("patient_count", len(patients)),
		zap.String("key", datasetKey),
	)

	return nil
}

// LoadDataset 读取主缓存条目
// 未命中、损坏或超过 TTL 都返回 kv.ErrCacheMiss
func (c *SnapshotCache) LoadDataset(ctx context.Context) ([]models.Patient, error) {
	raw, err := c.kv.Get(ctx, datasetKey)
	if err != nil {
		return nil, err
	}

	var entry datasetEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("Dataset cache entry corrupt, treating as miss", zap.Error(err))
		return nil, kv.ErrCacheMiss
	}

	if c.now().Sub(entry.Timestamp) >= c.ttl {
		c.logger.Debug("Dataset cache entry expired",
			zap.Time("written_at", entry.Timestamp),
			zap.Duration("ttl", c.ttl),
		)
		return nil, kv.ErrCacheMiss
	}

	return entry.Data, nil
}

// SaveHistory 整体写入按患者分组的读数索引
func (c *SnapshotCache) SaveHistory(ctx context.Context, history map[int][]models.VitalReading) error {
	entry := historyEntry{
		History:     history,
		LastUpdated: c.now(),
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	if err := c.kv.Set(ctx, historyKey, string(jsonData), 0); err != nil {
		return fmt.Errorf("failed to set history cache: %w", err)
	}

	return nil
}

// LoadHistory 读取读数索引（独立于主缓存 TTL）
// 未命中或损坏返回 kv.ErrCacheMiss
func (c *SnapshotCache) LoadHistory(ctx context.Context) (map[int][]models.VitalReading, error) {
	raw, err := c.kv.Get(ctx, historyKey)
	if err != nil {
		return nil, err
	}

	var entry historyEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("History cache entry corrupt, treating as miss", zap.Error(err))
		return nil, kv.ErrCacheMiss
	}

	return entry.History, nil
}

// Clear 删除两个缓存条目
func (c *SnapshotCache) Clear(ctx context.Context) error {
	if err := c.kv.Del(ctx, datasetKey, historyKey); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	c.logger.Info("Snapshot cache cleared")
	return nil
}
