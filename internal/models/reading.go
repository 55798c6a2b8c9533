package models

import "time"

// Source 数据源
type Source string

const (
	SourcePrimary   Source = "primary"   // 低延迟传感器（Arduino）
	SourceSecondary Source = "secondary" // 云中继（ThingSpeak）
	SourceCache     Source = "cache"     // 两路都失联时的降级伪状态，仅用于 activeSource
)

// Valid 是否为真实数据源（cache 不是）
func (s Source) Valid() bool {
	return s == SourcePrimary || s == SourceSecondary
}

// Quality 读数质量等级
type Quality string

const (
	QualityGood     Quality = "good"
	QualityWarning  Quality = "warning"
	QualityCritical Quality = "critical"
)

// Reading 规范化后的 BPM 读数，创建后不可变
type Reading struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"deviceId"`
	BPM          int       `json:"bpm"`
	Source       Source    `json:"source"`
	Quality      Quality   `json:"quality"`
	ProcessedBPM float64   `json:"processedBpm"`
	Confidence   float64   `json:"confidence"`
	IsAnomaly    bool      `json:"isAnomaly"`
	RateOfChange float64   `json:"rateOfChange"`
	Timestamp    time.Time `json:"timestamp"`
}
