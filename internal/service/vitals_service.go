package service

import (
	"context"
	"fmt"
	"time"

	"wisefido-vitals-sync/internal/cache"
	"wisefido-vitals-sync/internal/config"
	"wisefido-vitals-sync/internal/kv"
	"wisefido-vitals-sync/internal/models"
	"wisefido-vitals-sync/internal/source"
	"wisefido-vitals-sync/internal/vitals"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VitalsService 生命体征同步服务
// 显式构造、显式传递的句柄对象，不依赖包级可变状态，
// 测试可以实例化互相独立的多个实例
type VitalsService struct {
	config *config.Config
	logger *zap.Logger

	redisClient *redis.Client
	snapCache   *cache.SnapshotCache
	client      *source.Client
	loader      *source.Loader
	store       *vitals.Store
	query       *vitals.QueryService
	poller      *vitals.Poller

	cacheSub uuid.UUID
}

// NewVitalsService 创建生命体征同步服务
func NewVitalsService(cfg *config.Config, logger *zap.Logger) (*VitalsService, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	snapCache := cache.NewSnapshotCache(kv.NewRedisKVStore(redisClient), cfg.Sync.CacheTTL, logger)
	svc := assemble(cfg, logger, snapCache)
	svc.redisClient = redisClient
	return svc, nil
}

// assemble 装配除 Redis 连接之外的全部组件
// 单元测试用假 KVStore 构造的缓存从这里进来
func assemble(cfg *config.Config, logger *zap.Logger, snapCache *cache.SnapshotCache) *VitalsService {
	client := source.NewClient(cfg, logger)
	merger := vitals.NewMerger(vitals.SourceProvenance, logger)
	store := vitals.NewStore(merger, logger)

	svc := &VitalsService{
		config:    cfg,
		logger:    logger,
		snapCache: snapCache,
		client:    client,
		loader:    source.NewLoader(client, snapCache, logger),
		store:     store,
		query:     vitals.NewQueryService(store, vitals.SourceProvenance, logger),
		poller:    vitals.NewPoller(client, store, cfg.Sync.PollInterval, logger),
	}

	// 数据集每次成功变更 → 整体重写两个缓存条目（last-writer-wins）
	svc.cacheSub = store.Subscribe(svc.refreshCache)
	return svc
}

// Start 加载初始数据集并启动实时轮询
func (s *VitalsService) Start(ctx context.Context) error {
	patients, err := s.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load initial dataset: %w", err)
	}
	s.store.ReplaceAll(patients)

	s.poller.Start(ctx)
	return nil
}

// Stop 停止服务；在途的轮询周期跑完才返回
func (s *VitalsService) Stop(ctx context.Context) error {
	s.poller.Stop()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing redis connection", zap.Error(err))
		}
	}

	s.logger.Info("Vitals sync service stopped")
	return nil
}

// StartPolling 启动实时轮询（重复调用为空操作）
func (s *VitalsService) StartPolling(ctx context.Context) {
	s.poller.Start(ctx)
}

// StopPolling 停止实时轮询（幂等）
func (s *VitalsService) StopPolling() {
	s.poller.Stop()
}

// AllPatients 当前全部患者
func (s *VitalsService) AllPatients() []models.Patient {
	return s.store.AllPatients()
}

// PatientByBedID 按床位号查患者
func (s *VitalsService) PatientByBedID(bedID string) (models.Patient, bool) {
	return s.store.PatientByBed(bedID)
}

// LatestReadingForBed 床位的最新一条读数
func (s *VitalsService) LatestReadingForBed(bedID string) (models.VitalReading, bool) {
	patient, ok := s.store.PatientByBed(bedID)
	if !ok {
		return models.VitalReading{}, false
	}
	return patient.LatestReading()
}

// FilteredReadings 床位在回看窗口内的读数（带逐级回退策略）
func (s *VitalsService) FilteredReadings(bedID string, lookback time.Duration) ([]models.VitalReading, error) {
	return s.query.FilteredReadings(bedID, lookback)
}

// Subscribe 订阅数据集变更通知
func (s *VitalsService) Subscribe(fn vitals.Subscriber) uuid.UUID {
	return s.store.Subscribe(fn)
}

// Unsubscribe 退订
func (s *VitalsService) Unsubscribe(token uuid.UUID) {
	s.store.Unsubscribe(token)
}

// ClearCache 强制清空两个缓存条目
func (s *VitalsService) ClearCache(ctx context.Context) error {
	return s.snapCache.Clear(ctx)
}

// refreshCache 数据集变更回调：重写主缓存条目和读数索引
func (s *VitalsService) refreshCache(patients []models.Patient, version uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.snapCache.SaveDataset(ctx, patients); err != nil {
		s.logger.Warn("Failed to refresh dataset cache",
			zap.Uint64("version", version),
			zap.Error(err),
		)
		return
	}

	history := make(map[int][]models.VitalReading, len(patients))
	for _, p := range patients {
		history[p.ID] = p.Readings
	}
	if err := s.snapCache.SaveHistory(ctx, history); err != nil {
		s.logger.Warn("Failed to refresh history index",
			zap.Uint64("version", version),
			zap.Error(err),
		)
	}
}
