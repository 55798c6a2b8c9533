package models

import (
	"encoding/json"
	"time"
)

// RawPayload 带来源标记的原始厂商载荷
type RawPayload struct {
	Source     Source
	DeviceID   string // 来自 topic / URL，可被 body 中的 deviceId 覆盖
	Body       []byte
	ReceivedAt time.Time
}

// PrimaryPayload Arduino 传感器上报
type PrimaryPayload struct {
	DeviceID      string   `json:"deviceId"`
	BPM           *float64 `json:"bpm"`
	AvgBPM        *float64 `json:"avgBpm,omitempty"`
	Smoothed      bool     `json:"smoothed,omitempty"`
	SignalQuality *float64 `json:"signalQuality,omitempty"` // 0-100
	Battery       *int     `json:"battery,omitempty"`
	Firmware      *string  `json:"firmware,omitempty"`
}

// ThingSpeakEntry ThingSpeak channel feed 条目，field 值可能是字符串或数字
type ThingSpeakEntry struct {
	CreatedAt string          `json:"created_at"`
	EntryID   int64           `json:"entry_id"`
	Field1    json.RawMessage `json:"field1"`
	Field2    json.RawMessage `json:"field2,omitempty"`
}

// HeartbeatPayload 显式存活 ping
type HeartbeatPayload struct {
	DeviceID string  `json:"deviceId"`
	Battery  *int    `json:"battery,omitempty"`
	Firmware *string `json:"firmware,omitempty"`
}
