package source

import (
	"context"
	"errors"

	"wisefido-vitals-sync/internal/cache"
	"wisefido-vitals-sync/internal/kv"
	"wisefido-vitals-sync/internal/models"

	"go.uber.org/zap"
)

// Loader 初始数据集加载器
// 回退链：本地预置文件 → 有效缓存 → 远端批量历史
// 链上每条失败路径都终结于真实数据或明确错误，不会无限挂起
type Loader struct {
	client *Client
	cache  *cache.SnapshotCache
	logger *zap.Logger
}

// NewLoader 创建加载器
func NewLoader(client *Client, snapCache *cache.SnapshotCache, logger *zap.Logger) *Loader {
	return &Loader{
		client: client,
		cache:  snapCache,
		logger: logger,
	}
}

// Load 解析初始数据集
// 批量历史超预算时返回 *TimeoutError，调用方可提示重试
func (l *Loader) Load(ctx context.Context) ([]models.Patient, error) {
	// 1. 本地预置文件（快路径，不存在时静默跳过）
	patients, err := l.client.FetchLocalFile(ctx)
	if err == nil {
		l.logger.Info("Loaded dataset from local seed file",
			zap.Int("patient_count", len(patients)),
		)
		l.persist(ctx, patients)
		return patients, nil
	}
	l.logger.Debug("Local seed file unavailable, trying cache", zap.Error(err))

	// 2. 有效的持久化缓存（TTL 内）
	patients, err = l.cache.LoadDataset(ctx)
	if err == nil {
		l.logger.Info("Loaded dataset from snapshot cache",
			zap.Int("patient_count", len(patients)),
		)
		return patients, nil
	}
	if !errors.Is(err, kv.ErrCacheMiss) {
		l.logger.Warn("Snapshot cache read failed, trying bulk endpoint", zap.Error(err))
	}

	// 3. 远端批量历史（长预算，可取消；超时是独立错误）
	patients, err = l.client.FetchBulk(ctx)
	if err != nil {
		var timeout *TimeoutError
		if errors.As(err, &timeout) {
			l.logger.Error("Bulk history fetch timed out", zap.Duration("budget", timeout.Budget))
			return nil, err
		}
		l.logger.Error("All dataset sources exhausted", zap.Error(err))
		return nil, err
	}

	// 历史索引存在时用它回填每个患者的读数（主缓存过期不影响该条目）
	if history, herr := l.cache.LoadHistory(ctx); herr == nil {
		patients = hydrateFromHistory(patients, history)
	}

	l.logger.Info("Loaded dataset from bulk history endpoint",
		zap.Int("patient_count", len(patients)),
	)
	l.persist(ctx, patients)
	return patients, nil
}

// persist 把成功物化的数据集写入两个缓存条目，加速下一次冷启动
// 写失败只记日志（last-writer-wins，不影响当前加载）
func (l *Loader) persist(ctx context.Context, patients []models.Patient) {
	if err := l.cache.SaveDataset(ctx, patients); err != nil {
		l.logger.Warn("Failed to persist dataset cache", zap.Error(err))
	}

	history := make(map[int][]models.VitalReading, len(patients))
	for _, p := range patients {
		history[p.ID] = p.Readings
	}
	if err := l.cache.SaveHistory(ctx, history); err != nil {
		l.logger.Warn("Failed to persist history index", zap.Error(err))
	}
}

// hydrateFromHistory 把缓存的读数索引并入批量拉取结果
// 索引里更长的序列优先（批量端点可能只返回较短的近期窗口）
func hydrateFromHistory(patients []models.Patient, history map[int][]models.VitalReading) []models.Patient {
	out := make([]models.Patient, len(patients))
	copy(out, patients)
	for i := range out {
		if cached, ok := history[out[i].ID]; ok && len(cached) > len(out[i].Readings) {
			out[i].Readings = cached
		}
	}
	return out
}
