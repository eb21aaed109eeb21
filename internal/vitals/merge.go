package vitals

import (
	"sort"
	"time"

	"wisefido-vitals-sync/internal/models"

	"go.uber.org/zap"
)

const (
	// RetentionWindow 历史块最多保留的跨度（UI 最大回看窗口）
	RetentionWindow = 7 * 24 * time.Hour
	// StitchTick 拼接时历史块结束点与实时块起点之间的间隔
	StitchTick = time.Millisecond
	// MaxSeriesLen 无边界时序列长度上限，超过则裁剪
	MaxSeriesLen = 2000
	// TrimSeriesLen 裁剪后保留的最近读数条数
	TrimSeriesLen = 1500
)

// BoundaryPredicate 把单条读数归类为历史块或实时块
// 这是合并引擎的配置输入，不从内容推断
type BoundaryPredicate func(models.VitalReading) models.Provenance

// SourceProvenance 默认谓词：读数在摄入时打上的来源标记
func SourceProvenance(r models.VitalReading) models.Provenance {
	return r.Source
}

// Merger 连续性合并引擎
// 把"本地历史块 + 实时轮询块"两段无关的时间线重整为一条连续、
// 严格递增、无缺口无重叠的序列
type Merger struct {
	classify BoundaryPredicate
	logger   *zap.Logger
}

// NewMerger 创建合并引擎
func NewMerger(classify BoundaryPredicate, logger *zap.Logger) *Merger {
	return &Merger{
		classify: classify,
		logger:   logger,
	}
}

// Merge 重整一个患者的完整读数序列，返回新切片，从不修改输入
//
// 1. 按归一化时刻升序排序
// 2. 用边界谓词找到第一条实时读数
// 3. 两类都存在时：切分 → 对历史段应用保留窗口 → 整体平移历史段，
//    使其恰好结束在实时段起点前一个 tick → 拼接
// 4. 找不到边界时只做长度上限裁剪
//
// 该操作从不失败；退化输入（单条、单一来源）等价于排序 + 裁剪
func (m *Merger) Merge(readings []models.VitalReading) []models.VitalReading {
	out := make([]models.VitalReading, len(readings))
	copy(out, readings)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	if len(out) < 2 {
		return out
	}

	// 第一条实时读数的下标；排序后它之前的都算历史段
	boundary := -1
	for i, r := range out {
		if m.classify(r) == models.ProvenanceLive {
			boundary = i
			break
		}
	}

	// 单一来源（全历史或全实时）：只做长度上限裁剪
	if boundary <= 0 {
		return m.capSize(out)
	}

	historical := m.retain(out[:boundary])
	live := out[boundary:]

	// 平移量 = (实时段起点 - 1 tick) - 历史段终点
	// 平移后历史段恰好结束在实时段起点前一个 tick：无缺口、无重叠
	shift := live[0].Timestamp.Add(-StitchTick).Sub(historical[len(historical)-1].Timestamp)

	stitched := make([]models.VitalReading, 0, len(historical)+len(live))
	for _, r := range historical {
		r.Timestamp = r.Timestamp.Add(shift)
		stitched = append(stitched, r)
	}
	stitched = append(stitched, live...)

	if shift != 0 {
		m.logger.Debug("Stitched historical block onto live block",
			zap.Duration("shift", shift),
			zap.Int("historical_count", len(historical)),
			zap.Int("live_count", len(live)),
		)
	}

	return stitched
}

// retain 对历史段应用保留窗口：跨度超过上限时只留最近的子段
func (m *Merger) retain(historical []models.VitalReading) []models.VitalReading {
	last := historical[len(historical)-1].Timestamp
	if last.Sub(historical[0].Timestamp) <= RetentionWindow {
		return historical
	}

	cutoff := last.Add(-RetentionWindow)
	idx := sort.Search(len(historical), func(i int) bool {
		return !historical[i].Timestamp.Before(cutoff)
	})
	return historical[idx:]
}

// capSize 无边界路径的长度上限：超过上限时保留最近 TrimSeriesLen 条
func (m *Merger) capSize(readings []models.VitalReading) []models.VitalReading {
	if len(readings) <= MaxSeriesLen {
		return readings
	}
	m.logger.Debug("Capping series length",
		zap.Int("before", len(readings)),
		zap.Int("after", TrimSeriesLen),
	)
	return readings[len(readings)-TrimSeriesLen:]
}
