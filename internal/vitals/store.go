package vitals

import (
	"sync"

	"wisefido-vitals-sync/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber 数据集变更回调，收到完整患者列表和单调递增的更新版本号
// 消费者用版本号忽略重复投递，不提供缺号检测
type Subscriber func(patients []models.Patient, version uint64)

// Store 进程内数据集的唯一持有者
// 写操作全部经由本对象串行化；患者读数只做整片替换，
// 并发读者看到追加前或追加后的状态，不会看到半写状态
type Store struct {
	mu       sync.RWMutex
	patients []models.Patient
	byID     map[int]int    // patient id → patients 下标
	byBed    map[string]int // bed id → patients 下标
	version  uint64
	subs     map[uuid.UUID]Subscriber
	merger   *Merger
	logger   *zap.Logger
}

// NewStore 创建数据集存储
func NewStore(merger *Merger, logger *zap.Logger) *Store {
	return &Store{
		byID:   make(map[int]int),
		byBed:  make(map[string]int),
		subs:   make(map[uuid.UUID]Subscriber),
		merger: merger,
		logger: logger,
	}
}

// ReplaceAll 整体替换数据集（初始加载）
// 每个患者的序列先过一遍合并引擎，保证排序不变式成立
func (s *Store) ReplaceAll(patients []models.Patient) {
	s.mu.Lock()
	s.patients = make([]models.Patient, 0, len(patients))
	s.byID = make(map[int]int, len(patients))
	s.byBed = make(map[string]int, len(patients))
	for _, p := range patients {
		p.Readings = s.merger.Merge(p.Readings)
		s.byID[p.ID] = len(s.patients)
		s.byBed[p.BedID] = len(s.patients)
		s.patients = append(s.patients, p)
	}
	s.version++
	snapshot, version := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("Dataset replaced",
		zap.Int("patient_count", len(snapshot)),
		zap.Uint64("version", version),
	)
	s.notify(snapshot, version)
}

// IngestSnapshot 摄入一次实时快照：逐患者去重追加，有任何新读数时
// 只广播一次（版本号每次成功变更恰好 +1）
func (s *Store) IngestSnapshot(patients []models.Patient) bool {
	s.mu.Lock()
	changed := false
	for _, p := range patients {
		if s.ingestLocked(p) {
			changed = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return false
	}
	s.version++
	snapshot, version := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot, version)
	return true
}

// ingestLocked 去重追加单个患者的读数；患者首次出现时创建
// 返回是否有新读数落库
func (s *Store) ingestLocked(incoming models.Patient) bool {
	idx, ok := s.byID[incoming.ID]
	if !ok {
		idx = len(s.patients)
		s.byID[incoming.ID] = idx
		s.byBed[incoming.BedID] = idx
		s.patients = append(s.patients, models.Patient{
			ID:     incoming.ID,
			BedID:  incoming.BedID,
			Name:   incoming.Name,
			Age:    incoming.Age,
			Gender: incoming.Gender,
		})
	}

	appended := false
	for _, r := range incoming.Readings {
		if s.hasInstant(idx, r) {
			// 幂等重放：相同时刻的读数直接丢弃
			continue
		}
		merged := s.merger.Merge(append(s.readingsCopy(idx), r))
		s.patients[idx].Readings = merged
		appended = true
	}
	return appended
}

// hasInstant 检查该患者序列里是否已存在相同归一化时刻的读数
func (s *Store) hasInstant(idx int, r models.VitalReading) bool {
	for _, existing := range s.patients[idx].Readings {
		if existing.Timestamp.Equal(r.Timestamp) {
			return true
		}
	}
	return false
}

func (s *Store) readingsCopy(idx int) []models.VitalReading {
	src := s.patients[idx].Readings
	dst := make([]models.VitalReading, len(src))
	copy(dst, src)
	return dst
}

// snapshotLocked 复制当前患者列表（读数切片共享，它们从不原地修改）
func (s *Store) snapshotLocked() ([]models.Patient, uint64) {
	snapshot := make([]models.Patient, len(s.patients))
	copy(snapshot, s.patients)
	return snapshot, s.version
}

// notify 在锁外逐个投递变更通知
func (s *Store) notify(snapshot []models.Patient, version uint64) {
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(snapshot, version)
	}
}

// Subscribe 注册数据集变更观察者，返回用于退订的令牌
func (s *Store) Subscribe(fn Subscriber) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.New()
	s.subs[token] = fn
	return token
}

// Unsubscribe 退订；令牌不存在时为空操作
func (s *Store) Unsubscribe(token uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, token)
}

// Version 当前更新版本号
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// AllPatients 当前全部患者（列表副本）
func (s *Store) AllPatients() []models.Patient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, _ := s.snapshotLocked()
	return snapshot
}

// PatientByBed 按床位号查患者
func (s *Store) PatientByBed(bedID string) (models.Patient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byBed[bedID]
	if !ok {
		return models.Patient{}, false
	}
	return s.patients[idx], true
}

// ReadingsForBed 按床位号取完整读数序列
func (s *Store) ReadingsForBed(bedID string) ([]models.VitalReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byBed[bedID]
	if !ok {
		return nil, false
	}
	return s.patients[idx].Readings, true
}
