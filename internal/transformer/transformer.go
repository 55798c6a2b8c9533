package transformer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"wisefido-bpm/internal/models"

	"github.com/google/uuid"
)

const (
	// 物理合理范围
	MinBPM = 0
	MaxBPM = 300

	PrimaryConfidence   = 0.95
	SecondaryConfidence = 0.80
	// 厂商侧已平滑的数据置信度折扣
	SmoothingPenalty = 0.8
)

// Normalizer 把厂商载荷转换为规范 Reading，无副作用
type Normalizer struct {
	primaryDeviceID   string
	secondaryDeviceID string
	newID             func() string
}

// NewNormalizer 创建 Normalizer，deviceId 缺失时使用对应来源的默认设备
func NewNormalizer(primaryDeviceID, secondaryDeviceID string) *Normalizer {
	return &Normalizer{
		primaryDeviceID:   primaryDeviceID,
		secondaryDeviceID: secondaryDeviceID,
		newID:             func() string { return uuid.New().String() },
	}
}

// Normalize 校验并转换原始载荷；返回的 Reading 尚未分级（Quality/IsAnomaly/RateOfChange 为零值）
func (n *Normalizer) Normalize(raw models.RawPayload) (models.Reading, error) {
	switch raw.Source {
	case models.SourcePrimary:
		return n.normalizePrimary(raw)
	case models.SourceSecondary:
		return n.normalizeSecondary(raw)
	default:
		return models.Reading{}, malformed("unknown source %q", raw.Source)
	}
}

func (n *Normalizer) normalizePrimary(raw models.RawPayload) (models.Reading, error) {
	var p models.PrimaryPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return models.Reading{}, malformed("primary payload is not valid JSON: %v", err)
	}
	if p.BPM == nil {
		return models.Reading{}, malformed("primary payload missing bpm")
	}
	bpm, err := checkBPM("bpm", *p.BPM)
	if err != nil {
		return models.Reading{}, err
	}

	processed := float64(bpm)
	if p.AvgBPM != nil {
		if _, err := checkBPM("avgBpm", *p.AvgBPM); err != nil {
			return models.Reading{}, err
		}
		processed = *p.AvgBPM
	}

	confidence := PrimaryConfidence
	if p.Smoothed {
		confidence *= SmoothingPenalty
	}
	if p.SignalQuality != nil {
		sq := *p.SignalQuality
		if math.IsNaN(sq) || sq < 0 || sq > 100 {
			return models.Reading{}, malformed("signalQuality %v out of range [0,100]", sq)
		}
		confidence *= sq / 100
	}

	return models.Reading{
		ID:           n.newID(),
		DeviceID:     firstNonEmpty(p.DeviceID, raw.DeviceID, n.primaryDeviceID),
		BPM:          bpm,
		Source:       models.SourcePrimary,
		ProcessedBPM: processed,
		Confidence:   clamp01(confidence),
		Timestamp:    raw.ReceivedAt,
	}, nil
}

func (n *Normalizer) normalizeSecondary(raw models.RawPayload) (models.Reading, error) {
	var e models.ThingSpeakEntry
	if err := json.Unmarshal(raw.Body, &e); err != nil {
		return models.Reading{}, malformed("thingspeak entry is not valid JSON: %v", err)
	}
	v, ok, err := parseField(e.Field1)
	if err != nil {
		return models.Reading{}, err
	}
	if !ok {
		return models.Reading{}, malformed("thingspeak entry %d missing field1", e.EntryID)
	}
	bpm, err := checkBPM("field1", v)
	if err != nil {
		return models.Reading{}, err
	}

	processed := float64(bpm)
	confidence := SecondaryConfidence
	avg, ok, err := parseField(e.Field2)
	if err != nil {
		return models.Reading{}, err
	}
	if ok {
		if _, err := checkBPM("field2", avg); err != nil {
			return models.Reading{}, err
		}
		processed = avg
		confidence *= SmoothingPenalty
	}

	return models.Reading{
		ID:           n.newID(),
		DeviceID:     firstNonEmpty(raw.DeviceID, n.secondaryDeviceID),
		BPM:          bpm,
		Source:       models.SourceSecondary,
		ProcessedBPM: processed,
		Confidence:   clamp01(confidence),
		Timestamp:    raw.ReceivedAt,
	}, nil
}

// Heartbeat 解析显式存活 ping；空 body 视为只有来源信息的 ping
func (n *Normalizer) Heartbeat(raw models.RawPayload) (models.Heartbeat, error) {
	if !raw.Source.Valid() {
		return models.Heartbeat{}, malformed("unknown source %q", raw.Source)
	}
	var p models.HeartbeatPayload
	if len(strings.TrimSpace(string(raw.Body))) > 0 {
		if err := json.Unmarshal(raw.Body, &p); err != nil {
			return models.Heartbeat{}, malformed("heartbeat payload is not valid JSON: %v", err)
		}
	}
	if p.Battery != nil && (*p.Battery < 0 || *p.Battery > 100) {
		return models.Heartbeat{}, malformed("battery %d out of range [0,100]", *p.Battery)
	}

	def := n.primaryDeviceID
	if raw.Source == models.SourceSecondary {
		def = n.secondaryDeviceID
	}
	return models.Heartbeat{
		Source:          raw.Source,
		DeviceID:        firstNonEmpty(p.DeviceID, raw.DeviceID, def),
		BatteryLevel:    p.Battery,
		FirmwareVersion: p.Firmware,
	}, nil
}

// PrimaryMeta 从主传感器读数载荷中提取电量/固件，用于更新设备信息
func PrimaryMeta(body []byte) (battery *int, firmware *string) {
	var p models.PrimaryPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil
	}
	if p.Battery != nil && (*p.Battery < 0 || *p.Battery > 100) {
		p.Battery = nil
	}
	return p.Battery, p.Firmware
}

func checkBPM(field string, v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < MinBPM || v > MaxBPM {
		return 0, malformed("%s %v out of range [%d,%d]", field, v, MinBPM, MaxBPM)
	}
	return int(math.Round(v)), nil
}

// parseField ThingSpeak 的 field 可能是 "72"、72 或 null
func parseField(raw json.RawMessage) (float64, bool, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, false, malformed("invalid field value %s", s)
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return 0, false, nil
		}
		s = str
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, malformed("field value %q is not numeric", s)
	}
	return v, true, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
