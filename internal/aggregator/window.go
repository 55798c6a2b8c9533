package aggregator

import (
	"wisefido-bpm/internal/models"
)

// TrendSpan 趋势比较使用的每段读数数量
const TrendSpan = 5

// Window 最近 N 条已接受读数（新的在前）
// 非并发安全，由 engine 的单写者锁保护
type Window struct {
	capacity int
	readings []models.Reading
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 100
	}
	return &Window{capacity: capacity, readings: make([]models.Reading, 0, capacity)}
}

// Push 插入到最前，超出容量时丢弃最旧的
func (w *Window) Push(r models.Reading) {
	if len(w.readings) < w.capacity {
		w.readings = append(w.readings, models.Reading{})
	}
	copy(w.readings[1:], w.readings[:len(w.readings)-1])
	w.readings[0] = r
}

// Latest 最近一条读数
func (w *Window) Latest() (models.Reading, bool) {
	if len(w.readings) == 0 {
		return models.Reading{}, false
	}
	return w.readings[0], true
}

// Recent 最近 limit 条（新的在前），返回副本
func (w *Window) Recent(limit int) []models.Reading {
	if limit <= 0 || limit > len(w.readings) {
		limit = len(w.readings)
	}
	out := make([]models.Reading, limit)
	copy(out, w.readings[:limit])
	return out
}

func (w *Window) Len() int { return len(w.readings) }

// GoodFraction 窗口内 good 读数占比；空窗口视为 1
func (w *Window) GoodFraction() float64 {
	if len(w.readings) == 0 {
		return 1
	}
	good := 0
	for _, r := range w.readings {
		if r.Quality == models.QualityGood {
			good++
		}
	}
	return float64(good) / float64(len(w.readings))
}

// Stats 统计窗口内非异常读数
func (w *Window) Stats() models.Stats {
	s := models.Stats{Trend: models.TrendStable}
	var sum int
	normal := make([]models.Reading, 0, len(w.readings))
	for _, r := range w.readings {
		if r.IsAnomaly {
			continue
		}
		normal = append(normal, r)
		if s.Count == 0 || r.BPM < s.Min {
			s.Min = r.BPM
		}
		if s.Count == 0 || r.BPM > s.Max {
			s.Max = r.BPM
		}
		sum += r.BPM
		s.Count++
	}
	if s.Count > 0 {
		s.Average = float64(sum) / float64(s.Count)
	}
	s.Trend = Trend(normal)
	return s
}

// Trend 比较最近 5 条与之前 5 条非异常读数的均值（输入新的在前）
// 不足 10 条或均值相等时为 stable
func Trend(newestFirst []models.Reading) models.Trend {
	if len(newestFirst) < 2*TrendSpan {
		return models.TrendStable
	}
	recent := mean(newestFirst[:TrendSpan])
	previous := mean(newestFirst[TrendSpan : 2*TrendSpan])
	switch {
	case recent > previous:
		return models.TrendIncreasing
	case recent < previous:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

func mean(rs []models.Reading) float64 {
	var sum int
	for _, r := range rs {
		sum += r.BPM
	}
	return float64(sum) / float64(len(rs))
}
