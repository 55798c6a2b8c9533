package classifier

import (
	"math"
	"time"

	"wisefido-bpm/internal/models"
)

// Thresholds 分级与异常检测阈值
type Thresholds struct {
	CriticalLow   int // bpm < CriticalLow -> critical
	CriticalHigh  int // bpm > CriticalHigh -> critical
	WarningLow    int // bpm < WarningLow -> warning
	WarningHigh   int // bpm > WarningHigh -> warning
	AnomalyDelta  float64
	AnomalyWindow time.Duration
	MinConfidence float64
}

// DefaultThresholds 默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalLow:   50,
		CriticalHigh:  120,
		WarningLow:    60,
		WarningHigh:   100,
		AnomalyDelta:  20,
		AnomalyWindow: 10 * time.Second,
		MinConfidence: 0.5,
	}
}

// Classifier 质量分级 + 异常标记
type Classifier struct {
	t Thresholds
}

func New(t Thresholds) *Classifier {
	return &Classifier{t: t}
}

// Thresholds 当前阈值
func (c *Classifier) Thresholds() Thresholds {
	return c.t
}

// Quality 按阈值分级，边界值（如 50、120）属于 warning
func (c *Classifier) Quality(bpm int) models.Quality {
	switch {
	case bpm < c.t.CriticalLow || bpm > c.t.CriticalHigh:
		return models.QualityCritical
	case bpm < c.t.WarningLow || bpm > c.t.WarningHigh:
		return models.QualityWarning
	default:
		return models.QualityGood
	}
}

// Classify 填充 Quality / RateOfChange / IsAnomaly
// prev 为上一条被接受的读数（没有则为 nil）
func (c *Classifier) Classify(r models.Reading, prev *models.Reading) models.Reading {
	r.Quality = c.Quality(r.BPM)
	r.RateOfChange = 0
	r.IsAnomaly = false

	if prev != nil {
		r.RateOfChange = r.ProcessedBPM - prev.ProcessedBPM
		gap := r.Timestamp.Sub(prev.Timestamp)
		if gap >= 0 && gap <= c.t.AnomalyWindow && math.Abs(r.RateOfChange) > c.t.AnomalyDelta {
			r.IsAnomaly = true
		}
	}
	if r.Confidence < c.t.MinConfidence {
		r.IsAnomaly = true
	}
	return r
}
