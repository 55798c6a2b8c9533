package aggregator

import (
	"math"
	"time"

	"wisefido-bpm/internal/models"
)

// HealthConfig cacheHealthScore 参数
type HealthConfig struct {
	PrimaryInterval   time.Duration // primary 期望心跳间隔
	SecondaryInterval time.Duration // secondary 期望心跳间隔
	Tolerance         float64       // 间隔 <= interval*Tolerance 视为准时
	History           int           // 保留的心跳间隔数
	TimeConstant      time.Duration // EWMA 时间常数
	ScheduleWeight    float64
	QualityWeight     float64
	RecencyWeight     float64
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		PrimaryInterval:   10 * time.Second,
		SecondaryInterval: 30 * time.Second,
		Tolerance:         1.5,
		History:           10,
		TimeConstant:      5 * time.Second,
		ScheduleWeight:    0.4,
		QualityWeight:     0.3,
		RecencyWeight:     0.3,
	}
}

type heartbeatHistory struct {
	last   time.Time
	onTime []bool
}

// HealthScorer 平滑的综合健康分
// 心跳缺失累积时分数单调下降；只有收到活动来源的新心跳后才允许回升，回升按 EWMA 连续变化
type HealthScorer struct {
	cfg          HealthConfig
	score        float64
	lastUpdate   time.Time
	history      map[models.Source]*heartbeatHistory
	freshForRise bool
}

// NewHealthScorer 初始分数为 1（healthy）
func NewHealthScorer(cfg HealthConfig, now time.Time) *HealthScorer {
	return &HealthScorer{
		cfg:        cfg,
		score:      1,
		lastUpdate: now,
		history: map[models.Source]*heartbeatHistory{
			models.SourcePrimary:   {last: now},
			models.SourceSecondary: {last: now},
		},
	}
}

// Score 当前分数
func (h *HealthScorer) Score() float64 { return h.score }

// ObserveHeartbeat 记录一次心跳的到达间隔是否准时
// 只有 src 为当前活动来源时才允许下一次 Update 回升
func (h *HealthScorer) ObserveHeartbeat(src, active models.Source, at time.Time) {
	hist, ok := h.history[src]
	if !ok {
		return
	}
	if at.After(hist.last) {
		interval := at.Sub(hist.last)
		onTime := float64(interval) <= float64(h.interval(src))*h.cfg.Tolerance
		hist.onTime = append(hist.onTime, onTime)
		if len(hist.onTime) > h.cfg.History {
			hist.onTime = hist.onTime[len(hist.onTime)-h.cfg.History:]
		}
		hist.last = at
	}
	if src == active {
		h.freshForRise = true
	}
}

// ScheduleFraction 活动来源最近心跳的准时比例，当前未到的心跳按缺失计入
func (h *HealthScorer) ScheduleFraction(active models.Source, now time.Time) float64 {
	hist, ok := h.history[active]
	if !ok {
		return 0
	}
	onTime := 0
	for _, v := range hist.onTime {
		if v {
			onTime++
		}
	}
	missed := 0
	if age := now.Sub(hist.last); age > 0 {
		missed = int(age / h.interval(active))
	}
	total := len(hist.onTime) + missed
	if total == 0 {
		return 1
	}
	return float64(onTime) / float64(total)
}

// Raw 未平滑的分数
func (h *HealthScorer) Raw(active models.Source, lastHeartbeat time.Time, window time.Duration, goodFraction float64, now time.Time) float64 {
	if !active.Valid() {
		return clamp01(h.cfg.QualityWeight * goodFraction)
	}
	recency := 1 - float64(now.Sub(lastHeartbeat))/float64(window)
	raw := h.cfg.ScheduleWeight*h.ScheduleFraction(active, now) +
		h.cfg.QualityWeight*goodFraction +
		h.cfg.RecencyWeight*clamp01(recency)
	return clamp01(raw)
}

// Update 按经过的时间做 EWMA，返回新分数
func (h *HealthScorer) Update(active models.Source, lastHeartbeat time.Time, window time.Duration, goodFraction float64, now time.Time) float64 {
	raw := h.Raw(active, lastHeartbeat, window, goodFraction, now)

	dt := now.Sub(h.lastUpdate)
	if dt <= 0 {
		return h.score
	}
	alpha := 1 - math.Exp(-float64(dt)/float64(h.cfg.TimeConstant))
	next := h.score + alpha*(raw-h.score)
	if next > h.score && !h.freshForRise {
		next = h.score
	}

	h.score = clamp01(next)
	h.lastUpdate = now
	h.freshForRise = false
	return h.score
}

func (h *HealthScorer) interval(src models.Source) time.Duration {
	if src == models.SourceSecondary {
		return h.cfg.SecondaryInterval
	}
	return h.cfg.PrimaryInterval
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
