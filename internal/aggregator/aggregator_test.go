package aggregator

import (
	"testing"
	"time"

	"wisefido-bpm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func pushAll(w *Window, bpms ...int) {
	for i, bpm := range bpms {
		w.Push(models.Reading{BPM: bpm, Quality: models.QualityGood, Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
}

func TestWindow_NewestFirstAndBounded(t *testing.T) {
	w := NewWindow(3)
	pushAll(w, 70, 71, 72, 73)

	require.Equal(t, 3, w.Len())
	recent := w.Recent(0)
	assert.Equal(t, []int{73, 72, 71}, []int{recent[0].BPM, recent[1].BPM, recent[2].BPM})

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 73, latest.BPM)

	assert.Len(t, w.Recent(2), 2)
}

func TestWindow_EmptyLatest(t *testing.T) {
	_, ok := NewWindow(5).Latest()
	assert.False(t, ok)
}

func TestStats_ExcludesAnomalies(t *testing.T) {
	w := NewWindow(10)
	pushAll(w, 70, 80)
	w.Push(models.Reading{BPM: 200, IsAnomaly: true, Quality: models.QualityCritical})

	s := w.Stats()
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 75.0, s.Average)
	assert.Equal(t, 70, s.Min)
	assert.Equal(t, 80, s.Max)
	assert.Equal(t, models.TrendStable, s.Trend)
}

func TestStats_Empty(t *testing.T) {
	s := NewWindow(10).Stats()
	assert.Equal(t, 0, s.Count)
	assert.Equal(t, 0.0, s.Average)
	assert.Equal(t, models.TrendStable, s.Trend)
}

func TestTrend(t *testing.T) {
	w := NewWindow(20)
	pushAll(w, 70, 70, 70, 70, 70, 75, 76, 77, 78, 79)
	assert.Equal(t, models.TrendIncreasing, w.Stats().Trend)

	w = NewWindow(20)
	pushAll(w, 80, 80, 80, 80, 80, 70, 70, 70, 70, 70)
	assert.Equal(t, models.TrendDecreasing, w.Stats().Trend)

	w = NewWindow(20)
	pushAll(w, 70, 72, 74, 76, 78, 78, 76, 74, 72, 70)
	assert.Equal(t, models.TrendStable, w.Stats().Trend, "equal means break toward stable")

	w = NewWindow(20)
	pushAll(w, 60, 70, 80, 90, 100, 110, 120, 130, 140)
	assert.Equal(t, models.TrendStable, w.Stats().Trend, "fewer than 10 readings")
}

func TestTrend_SkipsAnomalies(t *testing.T) {
	w := NewWindow(20)
	pushAll(w, 70, 70, 70, 70, 70, 80, 80, 80, 80)
	w.Push(models.Reading{BPM: 10, IsAnomaly: true})
	assert.Equal(t, models.TrendStable, w.Stats().Trend)

	pushAll(w, 80)
	assert.Equal(t, models.TrendIncreasing, w.Stats().Trend)
}

func TestGoodFraction(t *testing.T) {
	w := NewWindow(10)
	assert.Equal(t, 1.0, w.GoodFraction())

	pushAll(w, 70, 70, 70)
	w.Push(models.Reading{BPM: 45, Quality: models.QualityCritical})
	assert.Equal(t, 0.75, w.GoodFraction())
}

func TestHealthScorer_DecreasesMonotonicallyDuringSilence(t *testing.T) {
	h := NewHealthScorer(DefaultHealthConfig(), t0)
	window := 60 * time.Second

	// 稳定心跳
	last := t0
	for sec := 1; sec <= 60; sec++ {
		now := t0.Add(time.Duration(sec) * time.Second)
		if sec%10 == 0 {
			h.ObserveHeartbeat(models.SourcePrimary, models.SourcePrimary, now)
			last = now
		}
		h.Update(models.SourcePrimary, last, window, 1, now)
	}
	require.GreaterOrEqual(t, h.Score(), 0.8)

	prev := h.Score()
	for sec := 61; sec <= 180; sec++ {
		now := t0.Add(time.Duration(sec) * time.Second)
		s := h.Update(models.SourcePrimary, last, window, 1, now)
		require.LessOrEqual(t, s, prev, "t=%d", sec)
		prev = s
	}
	assert.Less(t, h.Score(), 0.5)
}

func TestHealthScorer_RecoversWithoutSteps(t *testing.T) {
	cfg := DefaultHealthConfig()
	h := NewHealthScorer(cfg, t0)
	window := 60 * time.Second

	for sec := 1; sec <= 120; sec++ {
		h.Update(models.SourcePrimary, t0, window, 1, t0.Add(time.Duration(sec)*time.Second))
	}
	low := h.Score()
	require.Less(t, low, 0.4)

	prev := low
	for sec := 121; sec <= 300; sec++ {
		now := t0.Add(time.Duration(sec) * time.Second)
		h.ObserveHeartbeat(models.SourcePrimary, models.SourcePrimary, now)
		s := h.Update(models.SourcePrimary, now, window, 1, now)
		// 1s 的 EWMA 步长上限为 1-exp(-1/5)
		require.LessOrEqual(t, s-prev, 0.19, "t=%d", sec)
		prev = s
	}
	assert.Greater(t, h.Score(), low)
}

func TestHealthScorer_InactiveHeartbeatDoesNotRaiseScore(t *testing.T) {
	h := NewHealthScorer(DefaultHealthConfig(), t0)
	window := 60 * time.Second

	for sec := 1; sec <= 120; sec++ {
		h.Update(models.SourcePrimary, t0, window, 1, t0.Add(time.Duration(sec)*time.Second))
	}
	low := h.Score()

	// 主设备仍是活动来源，只有备用心跳到达
	now := t0.Add(121 * time.Second)
	h.ObserveHeartbeat(models.SourceSecondary, models.SourcePrimary, now)
	assert.Equal(t, low, h.Update(models.SourcePrimary, now, window, 1, now))

	now = now.Add(time.Second)
	h.ObserveHeartbeat(models.SourcePrimary, models.SourcePrimary, now)
	assert.Greater(t, h.Update(models.SourcePrimary, now, window, 1, now), low)
}

func TestHealthScorer_CacheStateScoresQualityOnly(t *testing.T) {
	h := NewHealthScorer(DefaultHealthConfig(), t0)
	raw := h.Raw(models.SourceCache, t0, time.Minute, 1, t0.Add(time.Hour))
	assert.InDelta(t, 0.3, raw, 1e-9)
}

func TestHealthScorer_ScheduleFraction(t *testing.T) {
	h := NewHealthScorer(DefaultHealthConfig(), t0)
	h.ObserveHeartbeat(models.SourcePrimary, models.SourcePrimary, t0.Add(10*time.Second))
	h.ObserveHeartbeat(models.SourcePrimary, models.SourcePrimary, t0.Add(40*time.Second)) // late

	assert.Equal(t, 0.5, h.ScheduleFraction(models.SourcePrimary, t0.Add(45*time.Second)))
	// 又过了 20s，缺失两次
	assert.Equal(t, 0.25, h.ScheduleFraction(models.SourcePrimary, t0.Add(60*time.Second)))
}

func TestHealthFromScore(t *testing.T) {
	assert.Equal(t, models.HealthHealthy, models.HealthFromScore(0.8))
	assert.Equal(t, models.HealthDegraded, models.HealthFromScore(0.79))
	assert.Equal(t, models.HealthDegraded, models.HealthFromScore(0.4))
	assert.Equal(t, models.HealthCritical, models.HealthFromScore(0.39))
}
