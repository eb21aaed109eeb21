package vitals

import (
	"context"
	"sync"
	"time"

	"wisefido-vitals-sync/internal/source"

	"go.uber.org/zap"
)

// LiveSource 实时数据源的三个幂等操作
type LiveSource interface {
	// Advance 让源推进到下一个状态，返回新索引
	Advance(ctx context.Context) (int, error)
	// Persist 让源持久化当前状态，返回快照ID
	Persist(ctx context.Context) (string, error)
	// Snapshot 获取当前快照
	Snapshot(ctx context.Context) (*source.LiveSnapshot, error)
}

// Poller 实时快照轮询器
// 每个周期依次执行 advance → persist → fetch 三个阶段；
// 任一阶段失败只放弃本周期的剩余阶段，下一个周期自然重试。
// 周期全部跑在同一个 goroutine 上，阶段不可能交错执行。
type Poller struct {
	src      LiveSource
	store    *Store
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// lastID 只在轮询 goroutine 上读写
	lastID string
}

// NewPoller 创建轮询器
func NewPoller(src LiveSource, store *Store, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		src:      src,
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Start 启动轮询
// 已在运行时是空操作：重复的定时器会把实时源的推进速率翻倍，
// 破坏它对"当前索引"的维护，所以单飞是正确性要求
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Warn("Poller already running, ignoring duplicate start")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("Starting live snapshot poller",
		zap.Duration("interval", p.interval),
	)
	go p.run(ctx)
}

// Stop 停止轮询；幂等，可在已停止时调用
// 只阻止后续周期，在途的周期跑完才返回
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("Live snapshot poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	// 启动时先直接拉一次快照（跳过 advance/persist），
	// 不让界面空等第一个定时周期
	p.fetch(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle 一次完整轮询周期
func (p *Poller) cycle(ctx context.Context) {
	if _, err := p.src.Advance(ctx); err != nil {
		p.logger.Warn("Advance phase failed, aborting cycle", zap.Error(err))
		return
	}
	if _, err := p.src.Persist(ctx); err != nil {
		p.logger.Warn("Persist phase failed, aborting cycle", zap.Error(err))
		return
	}
	p.fetch(ctx)
}

// fetch 拉取快照；快照ID不变时立即结束（常态路径，必须便宜）
func (p *Poller) fetch(ctx context.Context) {
	snap, err := p.src.Snapshot(ctx)
	if err != nil {
		p.logger.Warn("Fetch phase failed", zap.Error(err))
		return
	}

	if snap.SnapshotID == p.lastID {
		p.logger.Debug("Snapshot unchanged, skipping",
			zap.String("snapshot_id", snap.SnapshotID),
		)
		return
	}
	p.lastID = snap.SnapshotID

	if changed := p.store.IngestSnapshot(snap.Patients); changed {
		p.logger.Info("Ingested live snapshot",
			zap.String("snapshot_id", snap.SnapshotID),
			zap.Int("patient_count", len(snap.Patients)),
		)
	}
}
