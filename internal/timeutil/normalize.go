package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// ParseError 时间戳无法归一化
// 调用方不得用 "now" 兜底，否则会破坏序列的排序不变式
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot normalize timestamp %q", e.Input)
}

// legacyLayout 旧系统导出的日期格式（日在前）
const legacyLayout = "02/01/2006, 15:04:05"

// generalLayouts 通用解析尝试顺序
var generalLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize 将异构时间戳编码归一化为可比较的时间点
// 含逗号的字符串按 `日/月/年, 时:分:秒` 解释，否则逐个尝试通用格式
// 两种解释都失败时返回 *ParseError
func Normalize(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, &ParseError{Input: raw}
	}

	if strings.Contains(s, ",") {
		t, err := time.Parse(legacyLayout, s)
		if err != nil {
			return time.Time{}, &ParseError{Input: raw}
		}
		return t.UTC(), nil
	}

	for _, layout := range generalLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ParseError{Input: raw}
}
