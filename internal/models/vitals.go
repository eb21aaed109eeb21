package models

import "time"

// Provenance 读数的来源类别
type Provenance int

const (
	ProvenanceUnknown Provenance = iota
	// ProvenanceHistorical 来自静态历史块（本地预置文件或批量历史接口）
	ProvenanceHistorical
	// ProvenanceLive 来自实时快照轮询
	ProvenanceLive
)

// VitalReading 单个患者在某一时刻的一次生命体征观测
// 创建后不可变；Timestamp 已经过 timeutil 归一化
// 数值仅记录生理参考范围（心率 20-300、收缩压 50-250、舒张压 30-150、
// 呼吸 5-60、体温 30-43、SpO2 50-100），超出范围不拒收，只是临床上不可信
type VitalReading struct {
	Timestamp   time.Time  `json:"timestamp"`
	HeartRate   int        `json:"heart_rate"`
	BPSystolic  int        `json:"bp_systolic"`
	BPDiastolic int        `json:"bp_diastolic"`
	RespRate    int        `json:"resp_rate"`
	Temperature float64    `json:"temperature"`
	SpO2        int        `json:"spo2"`
	Source      Provenance `json:"source"`
}

// Patient 患者身份信息 + 按时间升序排列的读数序列
// 不变式：Readings 按 Timestamp 严格升序，无重复时刻（在追加时保证）
// 读数切片只做整片替换，从不原地逐元素修改
type Patient struct {
	ID       int            `json:"id"`
	BedID    string         `json:"bed_id"`
	Name     string         `json:"name"`
	Age      int            `json:"age"`
	Gender   string         `json:"gender"`
	Readings []VitalReading `json:"readings"`
}

// LatestReading 返回最新一条读数（序列为空时返回 false）
func (p *Patient) LatestReading() (VitalReading, bool) {
	if len(p.Readings) == 0 {
		return VitalReading{}, false
	}
	return p.Readings[len(p.Readings)-1], true
}
