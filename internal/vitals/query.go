package vitals

import (
	"fmt"
	"sort"
	"time"

	"wisefido-vitals-sync/internal/models"

	"go.uber.org/zap"
)

const (
	// thinLiveThreshold 实时块少于该条数视为"薄"，短窗口请求允许历史回填
	thinLiveThreshold = 200
	// shortWindowMax 回填策略只对不超过该跨度的请求生效
	shortWindowMax = 6 * time.Hour
	// backfillTarget 回填的目标点数
	backfillTarget = 120
	// maxReturnPoints 任何返回切片的长度上限
	maxReturnPoints = 1000
)

// QueryService 回看窗口查询服务，只读，从不修改数据集
type QueryService struct {
	store    *Store
	classify BoundaryPredicate
	now      func() time.Time
	logger   *zap.Logger
}

// NewQueryService 创建查询服务
func NewQueryService(store *Store, classify BoundaryPredicate, logger *zap.Logger) *QueryService {
	return &QueryService{
		store:    store,
		classify: classify,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock 替换时间源（仅测试使用）
func (q *QueryService) SetClock(now func() time.Time) {
	q.now = now
}

// FilteredReadings 返回床位在回看窗口内的读数，升序，长度有界
//
// 窗口内点数不足时按固定顺序逐级回退：
//  1. 严格截断过滤（主路径）
//  2. 实时块薄且请求窗口短：用最近的历史读数回填到目标点数
//  3. 窗口加倍重试
//  4. 固定大小的尾部兜底（"绝不显示空白"策略，不保证落在请求窗口内）
//
// 严格过滤能满足时必须返回严格过滤结果，不得跳级
func (q *QueryService) FilteredReadings(bedID string, lookback time.Duration) ([]models.VitalReading, error) {
	readings, ok := q.store.ReadingsForBed(bedID)
	if !ok {
		return nil, fmt.Errorf("unknown bed %q", bedID)
	}
	if len(readings) == 0 {
		return nil, nil
	}

	now := q.now()

	// 1. 严格截断过滤
	strict := filterSince(readings, now.Add(-lookback))
	if len(strict) >= minPointsFor(lookback) {
		return capPoints(strict), nil
	}

	// 2. 薄实时块回填（仅短窗口）
	if lookback <= shortWindowMax {
		if backfilled := q.backfill(readings); len(backfilled) > len(strict) {
			q.logger.Debug("Range query used historical backfill",
				zap.String("bed_id", bedID),
				zap.Duration("lookback", lookback),
				zap.Int("point_count", len(backfilled)),
			)
			return capPoints(backfilled), nil
		}
	}

	// 3. 窗口加倍重试
	expanded := filterSince(readings, now.Add(-2*lookback))
	if len(expanded) > 0 {
		return capPoints(expanded), nil
	}

	// 4. 尾部兜底：无视窗口，返回最近的固定大小尾部
	n := tailSizeFor(lookback)
	if n > len(readings) {
		n = len(readings)
	}
	tail := readings[len(readings)-n:]
	q.logger.Debug("Range query fell back to series tail",
		zap.String("bed_id", bedID),
		zap.Duration("lookback", lookback),
		zap.Int("point_count", len(tail)),
	)
	return capPoints(tail), nil
}

// backfill 历史块回填：薄实时块前面补上最近的历史读数，历史在前实时在后
func (q *QueryService) backfill(readings []models.VitalReading) []models.VitalReading {
	var historical, live []models.VitalReading
	for _, r := range readings {
		if q.classify(r) == models.ProvenanceLive {
			live = append(live, r)
		} else {
			historical = append(historical, r)
		}
	}

	// 混合来源回填：两类都在场且实时块薄时才适用
	if len(live) == 0 || len(live) >= thinLiveThreshold {
		return nil
	}

	need := backfillTarget - len(live)
	if need > len(historical) {
		need = len(historical)
	}
	if need <= 0 {
		return live
	}

	out := make([]models.VitalReading, 0, need+len(live))
	out = append(out, historical[len(historical)-need:]...)
	out = append(out, live...)
	return out
}

// filterSince 截断过滤（序列已升序，二分找起点）
func filterSince(readings []models.VitalReading, cutoff time.Time) []models.VitalReading {
	idx := sort.Search(len(readings), func(i int) bool {
		return !readings[i].Timestamp.Before(cutoff)
	})
	return readings[idx:]
}

// minPointsFor 严格过滤被判为"太少"的阈值，随请求窗口增大
func minPointsFor(lookback time.Duration) int {
	switch {
	case lookback <= time.Hour:
		return 10
	case lookback <= 6*time.Hour:
		return 20
	case lookback <= 24*time.Hour:
		return 50
	default:
		return 100
	}
}

// tailSizeFor 尾部兜底的大小，随请求窗口增大
func tailSizeFor(lookback time.Duration) int {
	switch {
	case lookback <= time.Hour:
		return 30
	case lookback <= 6*time.Hour:
		return 60
	case lookback <= 24*time.Hour:
		return 120
	default:
		return 240
	}
}

// capPoints 输出长度上限：超出时保留最近的 maxReturnPoints 条
func capPoints(readings []models.VitalReading) []models.VitalReading {
	if len(readings) <= maxReturnPoints {
		return readings
	}
	return readings[len(readings)-maxReturnPoints:]
}
