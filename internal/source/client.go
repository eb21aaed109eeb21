package source

import (
	"context"
	"errors"
	"fmt"

	"wisefido-vitals-sync/internal/config"
	"wisefido-vitals-sync/internal/models"
	"wisefido-vitals-sync/internal/timeutil"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// bulkPatient 批量历史端点与本地预置文件共用的 wire 结构
type bulkPatient struct {
	ID     int           `json:"id"`
	BedID  string        `json:"bed_id"`
	Name   string        `json:"name"`
	Age    int           `json:"age"`
	Gender string        `json:"gender"`
	Vitals []bulkReading `json:"vitals"`
}

// bulkReading 富形态读数（嵌套血压对象）
type bulkReading struct {
	Timestamp     string `json:"timestamp"`
	BloodPressure struct {
		Systolic  int `json:"systolic"`
		Diastolic int `json:"diastolic"`
	} `json:"blood_pressure"`
	Pulse           int     `json:"pulse"`
	RespirationRate int     `json:"respiration_rate"`
	SpO2            int     `json:"spo2"`
	Temperature     float64 `json:"temperature"`
}

// advanceResponse 实时源 /advance 响应
type advanceResponse struct {
	Index int `json:"index"`
}

// persistResponse 实时源 /persist 响应
type persistResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

// snapshotResponse 实时源 /snapshot 响应
// 每个患者携带零或一条最新读数
type snapshotResponse struct {
	SnapshotID string `json:"snapshot_id"`
	Patients   []struct {
		ID      int          `json:"id"`
		BedID   string       `json:"bed_id"`
		Name    string       `json:"name"`
		Age     int          `json:"age"`
		Gender  string       `json:"gender"`
		Reading *bulkReading `json:"reading"`
	} `json:"patients"`
}

// LiveSnapshot 实时源的一次快照
type LiveSnapshot struct {
	SnapshotID string
	Patients   []models.Patient
}

// Client 数据源 HTTP 客户端（批量历史、本地预置文件、实时源三个面）
// 每类调用有独立的时间预算；实时源调用不在周期内重试，失败交给下一个周期
type Client struct {
	http   *resty.Client
	cfg    *config.Config
	logger *zap.Logger
}

// NewClient 创建数据源客户端
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:   client,
		cfg:    cfg,
		logger: logger,
	}
}

// FetchLocalFile 拉取本地预置数据文件（快路径，短预算）
func (c *Client) FetchLocalFile(ctx context.Context) ([]models.Patient, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Sync.LocalFileTimeout)
	defer cancel()

	return c.fetchBulkShaped(ctx, c.cfg.Endpoints.LocalFileURL)
}

// FetchBulk 拉取批量历史数据（载荷大，长预算，可取消）
// 超出预算返回 *TimeoutError，区别于一般性失败
func (c *Client) FetchBulk(ctx context.Context) ([]models.Patient, error) {
	budget := c.cfg.Sync.BulkTimeout
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	patients, err := c.fetchBulkShaped(ctx, c.cfg.Endpoints.BulkURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Budget: budget}
		}
		return nil, err
	}
	return patients, nil
}

// fetchBulkShaped 拉取并解码批量形态的患者数组，读数标记为历史来源
func (c *Client) fetchBulkShaped(ctx context.Context, url string) ([]models.Patient, error) {
	var payload []bulkPatient
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(url)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrSourceUnavailable, url, resp.StatusCode())
	}

	patients := make([]models.Patient, 0, len(payload))
	for _, p := range payload {
		readings := make([]models.VitalReading, 0, len(p.Vitals))
		for _, v := range p.Vitals {
			reading, err := convertReading(v, models.ProvenanceHistorical)
			if err != nil {
				// 时间戳解析失败向上传播，不得用 "now" 兜底
				return nil, fmt.Errorf("patient %d: %w", p.ID, err)
			}
			readings = append(readings, reading)
		}
		patients = append(patients, models.Patient{
			ID:       p.ID,
			BedID:    p.BedID,
			Name:     p.Name,
			Age:      p.Age,
			Gender:   p.Gender,
			Readings: readings,
		})
	}

	c.logger.Info("Fetched bulk-shaped dataset",
		zap.String("url", url),
		zap.Int("patient_count", len(patients)),
	)

	return patients, nil
}

// Advance 让实时源推进到下一个状态，返回新索引
func (c *Client) Advance(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Sync.LiveTimeout)
	defer cancel()

	var result advanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(c.cfg.Endpoints.LiveBaseURL + "/advance")

	if err != nil {
		return 0, fmt.Errorf("%w: advance: %v", ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("%w: advance returned status %d", ErrSourceUnavailable, resp.StatusCode())
	}
	return result.Index, nil
}

// Persist 让实时源持久化当前状态，返回快照ID
func (c *Client) Persist(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Sync.LiveTimeout)
	defer cancel()

	var result persistResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(c.cfg.Endpoints.LiveBaseURL + "/persist")

	if err != nil {
		return "", fmt.Errorf("%w: persist: %v", ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: persist returned status %d", ErrSourceUnavailable, resp.StatusCode())
	}
	return result.SnapshotID, nil
}

// Snapshot 获取实时源当前快照（快照ID + 每患者零或一条最新读数）
func (c *Client) Snapshot(ctx context.Context) (*LiveSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Sync.LiveTimeout)
	defer cancel()

	var result snapshotResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(c.cfg.Endpoints.LiveBaseURL + "/snapshot")

	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: snapshot returned status %d", ErrSourceUnavailable, resp.StatusCode())
	}

	snap := &LiveSnapshot{SnapshotID: result.SnapshotID}
	for _, p := range result.Patients {
		patient := models.Patient{
			ID:     p.ID,
			BedID:  p.BedID,
			Name:   p.Name,
			Age:    p.Age,
			Gender: p.Gender,
		}
		if p.Reading != nil {
			reading, err := convertReading(*p.Reading, models.ProvenanceLive)
			if err != nil {
				return nil, fmt.Errorf("patient %d: %w", p.ID, err)
			}
			patient.Readings = []models.VitalReading{reading}
		}
		snap.Patients = append(snap.Patients, patient)
	}

	return snap, nil
}

// convertReading wire 读数 → 领域读数（时间戳归一化 + 来源标记）
func convertReading(v bulkReading, src models.Provenance) (models.VitalReading, error) {
	ts, err := timeutil.Normalize(v.Timestamp)
	if err != nil {
		return models.VitalReading{}, err
	}
	return models.VitalReading{
		Timestamp:   ts,
		HeartRate:   v.Pulse,
		BPSystolic:  v.BloodPressure.Systolic,
		BPDiastolic: v.BloodPressure.Diastolic,
		RespRate:    v.RespirationRate,
		Temperature: v.Temperature,
		SpO2:        v.SpO2,
		Source:      src,
	}, nil
}
