package vitals_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-vitals-sync/internal/models"
	"wisefido-vitals-sync/internal/source"
	"wisefido-vitals-sync/internal/vitals"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeLiveSource 仅用于单元测试的实时源
type fakeLiveSource struct {
	mu            sync.Mutex
	advanceCalls  int
	persistCalls  int
	snapshotCalls int
	advanceErr    error
	persistErr    error
	snap          *source.LiveSnapshot
}

func (f *fakeLiveSource) Advance(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceCalls++
	if f.advanceErr != nil {
		return 0, f.advanceErr
	}
	return f.advanceCalls, nil
}

func (f *fakeLiveSource) Persist(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistCalls++
	if f.persistErr != nil {
		return "", f.persistErr
	}
	return f.snap.SnapshotID, nil
}

func (f *fakeLiveSource) Snapshot(ctx context.Context) (*source.LiveSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls++
	return f.snap, nil
}

func (f *fakeLiveSource) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advanceCalls, f.persistCalls, f.snapshotCalls
}

func (f *fakeLiveSource) setSnapshot(snap *source.LiveSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func octSnapshot(id string, ts time.Time) *source.LiveSnapshot {
	return &source.LiveSnapshot{
		SnapshotID: id,
		Patients: []models.Patient{{
			ID: 1, BedID: "ICU-01", Name: "Patient One", Age: 67, Gender: "F",
			Readings: []models.VitalReading{reading(ts, models.ProvenanceLive)},
		}},
	}
}

func TestPoller_StartupFetchSkipsAdvancePersist(t *testing.T) {
	src := &fakeLiveSource{}
	src.setSnapshot(octSnapshot("snap-1", time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)))
	s := newStore()
	p := vitals.NewPoller(src, s, time.Hour, zap.NewNop())

	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		_, ok := s.PatientByBed("ICU-01")
		return ok
	}, time.Second, 5*time.Millisecond)

	// 启动拉取不经过 advance/persist 阶段
	advance, persist, snapshot := src.counts()
	require.Equal(t, 0, advance)
	require.Equal(t, 0, persist)
	require.Equal(t, 1, snapshot)
}

func TestPoller_SingleFlightStart(t *testing.T) {
	src := &fakeLiveSource{}
	src.setSnapshot(octSnapshot("snap-1", time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)))
	p := vitals.NewPoller(src, newStore(), 10*time.Millisecond, zap.NewNop())

	// 连续两次 start：只能装上一个定时器
	p.Start(context.Background())
	p.Start(context.Background())

	require.Eventually(t, func() bool {
		advance, _, _ := src.counts()
		return advance >= 5
	}, 2*time.Second, 5*time.Millisecond)

	// 双定时器会把调用频率翻倍；定时器在高负载下只会变慢不会变快，
	// 所以固定观察窗内的调用次数上界能区分单双定时器
	before, _, _ := src.counts()
	time.Sleep(200 * time.Millisecond)
	after, _, _ := src.counts()
	p.Stop()

	require.LessOrEqual(t, after-before, 30) // 单定时器约 20 个周期，双定时器约 40
	require.Greater(t, after, before)        // 轮询确实在跑
}

func TestPoller_UnchangedSnapshotIDSkipsIngest(t *testing.T) {
	src := &fakeLiveSource{}
	src.setSnapshot(octSnapshot("snap-1", time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)))
	s := newStore()
	p := vitals.NewPoller(src, s, 10*time.Millisecond, zap.NewNop())

	p.Start(context.Background())

	require.Eventually(t, func() bool {
		_, _, snapshot := src.counts()
		return snapshot >= 3
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	// 快照ID一直是 snap-1：只有首次拉取触发摄入，版本号只动一次
	require.Equal(t, uint64(1), s.Version())
}

func TestPoller_ChangedSnapshotIDIngests(t *testing.T) {
	firstTS := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeLiveSource{}
	src.setSnapshot(octSnapshot("snap-1", firstTS))
	s := newStore()
	p := vitals.NewPoller(src, s, 10*time.Millisecond, zap.NewNop())

	p.Start(context.Background())

	require.Eventually(t, func() bool {
		return s.Version() == 1
	}, time.Second, 5*time.Millisecond)

	src.setSnapshot(octSnapshot("snap-2", firstTS.Add(5*time.Second)))

	require.Eventually(t, func() bool {
		return s.Version() == 2
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	patient, ok := s.PatientByBed("ICU-01")
	require.True(t, ok)
	require.Len(t, patient.Readings, 2)
	requireAscending(t, patient.Readings)
}

func TestPoller_AdvanceFailureAbortsCycleOnly(t *testing.T) {
	src := &fakeLiveSource{advanceErr: errors.New("connection refused")}
	src.setSnapshot(octSnapshot("snap-1", time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)))
	p := vitals.NewPoller(src, newStore(), 10*time.Millisecond, zap.NewNop())

	p.Start(context.Background())

	// advance 持续失败：后续阶段被跳过，但每个周期都会重试
	require.Eventually(t, func() bool {
		advance, _, _ := src.counts()
		return advance >= 3
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	_, persist, snapshot := src.counts()
	require.Equal(t, 0, persist)
	require.Equal(t, 1, snapshot) // 仅启动拉取
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	src := &fakeLiveSource{}
	src.setSnapshot(octSnapshot("snap-1", time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)))
	p := vitals.NewPoller(src, newStore(), 10*time.Millisecond, zap.NewNop())

	// 未启动时 stop 是空操作
	p.Stop()

	p.Start(context.Background())
	p.Stop()
	p.Stop()

	// stop 之后可以重新 start
	p.Start(context.Background())
	p.Stop()
}

func TestPoller_SeptemberOntoOctoberScenario(t *testing.T) {
	// 本地文件给出患者 1 的 3 条九月读数；实时源给出 1 条十月读数。
	// 一个轮询周期后：4 条读数，九月块平移到十月读数前 1ms，升序
	s := newStore()
	septBase := time.Date(2025, 9, 3, 10, 0, 0, 0, time.UTC)
	s.ReplaceAll([]models.Patient{{
		ID: 1, BedID: "ICU-01", Name: "Patient One", Age: 67, Gender: "F",
		Readings: []models.VitalReading{
			reading(septBase, models.ProvenanceHistorical),
			reading(septBase.Add(5*time.Minute), models.ProvenanceHistorical),
			reading(septBase.Add(10*time.Minute), models.ProvenanceHistorical),
		},
	}})

	octTS := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeLiveSource{}
	src.setSnapshot(octSnapshot("snap-1", octTS))

	p := vitals.NewPoller(src, s, 10*time.Millisecond, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		patient, ok := s.PatientByBed("ICU-01")
		return ok && len(patient.Readings) == 4
	}, 2*time.Second, 5*time.Millisecond)

	patient, _ := s.PatientByBed("ICU-01")
	requireAscending(t, patient.Readings)
	require.True(t, patient.Readings[2].Timestamp.Equal(octTS.Add(-time.Millisecond)))
	require.True(t, patient.Readings[3].Timestamp.Equal(octTS))
	require.Equal(t, models.ProvenanceLive, patient.Readings[3].Source)

	// 九月块内部间距保持 5 分钟
	require.Equal(t, 5*time.Minute, patient.Readings[1].Timestamp.Sub(patient.Readings[0].Timestamp))
}
