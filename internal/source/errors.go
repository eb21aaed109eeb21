package source

import (
	"errors"
	"fmt"
	"time"
)

// ErrSourceUnavailable 网络调用失败或数据源不可达
// 加载链里按"换下一个源"恢复；轮询期间由下一个周期自然重试
var ErrSourceUnavailable = errors.New("source unavailable")

// TimeoutError 批量历史拉取超出时间预算
// 与一般性失败区分开，UI 据此提供"重试"而不是静默空态
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bulk history fetch exceeded %s budget", e.Budget)
}

// Unwrap 超时同时也是一种源不可用，加载链可统一判断
func (e *TimeoutError) Unwrap() error {
	return ErrSourceUnavailable
}
