package config

import (
	"os"
	"strconv"
	"time"
)

// Config 生命体征同步服务配置
type Config struct {
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// 数据源端点
	Endpoints struct {
		// 本地预置数据文件端点（快路径，不存在时静默跳过）
		LocalFileURL string
		// 批量历史数据端点
		BulkURL string
		// 实时数据源基地址（/advance /persist /snapshot）
		LiveBaseURL string
	}

	Sync struct {
		// 轮询间隔，默认 5 秒
		PollInterval time.Duration
		// 快照缓存 TTL，默认 5 分钟
		CacheTTL time.Duration
		// 批量历史拉取预算（载荷较大），默认 120 秒
		BulkTimeout time.Duration
		// 本地预置文件拉取预算（快路径），默认 3 秒
		LocalFileTimeout time.Duration
		// 实时源单次调用预算，默认 10 秒
		LiveTimeout time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.Endpoints.LocalFileURL = getEnv("VITALS_LOCAL_FILE_URL", "http://localhost:8090/data/patients.json")
	cfg.Endpoints.BulkURL = getEnv("VITALS_BULK_URL", "http://localhost:8090/api/patients/history")
	cfg.Endpoints.LiveBaseURL = getEnv("VITALS_LIVE_BASE_URL", "http://localhost:8090/api/live")

	cfg.Sync.PollInterval = getEnvSeconds("VITALS_POLL_INTERVAL", 5)
	cfg.Sync.CacheTTL = getEnvSeconds("VITALS_CACHE_TTL", 300)
	cfg.Sync.BulkTimeout = getEnvSeconds("VITALS_BULK_TIMEOUT", 120)
	cfg.Sync.LocalFileTimeout = getEnvSeconds("VITALS_LOCAL_FILE_TIMEOUT", 3)
	cfg.Sync.LiveTimeout = getEnvSeconds("VITALS_LIVE_TIMEOUT", 10)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return time.Duration(defaultSeconds) * time.Second
}
