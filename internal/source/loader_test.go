package source_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-vitals-sync/internal/cache"
	"wisefido-vitals-sync/internal/models"
	"wisefido-vitals-sync/internal/source"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLoader(t *testing.T, baseURL string, kvStore *fakeKVStore) (*source.Loader, *cache.SnapshotCache) {
	t.Helper()
	snapCache := cache.NewSnapshotCache(kvStore, 5*time.Minute, zap.NewNop())
	client := source.NewClient(testConfig(baseURL), zap.NewNop())
	return source.NewLoader(client, snapCache, zap.NewNop()), snapCache
}

func TestLoader_LocalFileFastPath(t *testing.T) {
	var bulkHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/patients.json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(bulkBody))
		case "/api/patients/history":
			atomic.AddInt32(&bulkHits, 1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(bulkBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	kvStore := newFakeKVStore()
	loader, snapCache := newLoader(t, srv.URL, kvStore)

	patients, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, patients, 1)
	require.Equal(t, "ICU-01", patients[0].BedID)

	// 快路径命中时不碰批量端点
	require.Equal(t, int32(0), atomic.LoadInt32(&bulkHits))

	// 成功物化的数据集写入了两个缓存条目
	cached, err := snapCache.LoadDataset(context.Background())
	require.NoError(t, err)
	require.Len(t, cached, 1)

	history, err := snapCache.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history[1], 2)
}

func TestLoader_FallsBackToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 本地文件静默缺席
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	kvStore := newFakeKVStore()
	loader, snapCache := newLoader(t, srv.URL, kvStore)

	require.NoError(t, snapCache.SaveDataset(context.Background(), []models.Patient{
		{ID: 9, BedID: "ICU-09", Name: "Cached Patient"},
	}))

	patients, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, patients, 1)
	require.Equal(t, "ICU-09", patients[0].BedID)
}

func TestLoader_FallsBackToBulkAndHydratesHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/patients/history":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(bulkBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	kvStore := newFakeKVStore()
	loader, snapCache := newLoader(t, srv.URL, kvStore)

	// 主缓存为空，但读数索引里有比批量端点更长的序列
	longer := make([]models.VitalReading, 5)
	base := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	for i := range longer {
		longer[i] = models.VitalReading{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			HeartRate: 70 + i,
			Source:    models.ProvenanceHistorical,
		}
	}
	require.NoError(t, snapCache.SaveHistory(context.Background(), map[int][]models.VitalReading{1: longer}))

	patients, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, patients, 1)

	// 批量结果只有 2 条读数，被索引里的 5 条回填
	require.Len(t, patients[0].Readings, 5)
}

func TestLoader_BulkTimeoutSurfacedDistinctly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/patients/history" {
			time.Sleep(500 * time.Millisecond)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	kvStore := newFakeKVStore()
	snapCache := cache.NewSnapshotCache(kvStore, 5*time.Minute, zap.NewNop())
	cfg := testConfig(srv.URL)
	cfg.Sync.BulkTimeout = 50 * time.Millisecond
	loader := source.NewLoader(source.NewClient(cfg, zap.NewNop()), snapCache, zap.NewNop())

	_, err := loader.Load(context.Background())
	require.Error(t, err)

	var timeout *source.TimeoutError
	require.True(t, errors.As(err, &timeout), "expected *TimeoutError, got %T: %v", err, err)
}

func TestLoader_AllSourcesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	kvStore := newFakeKVStore()
	loader, _ := newLoader(t, srv.URL, kvStore)

	// 每条失败路径都终结于明确错误，不会无限挂起
	_, err := loader.Load(context.Background())
	require.ErrorIs(t, err, source.ErrSourceUnavailable)
}
