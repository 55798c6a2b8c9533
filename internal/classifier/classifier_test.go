package classifier

import (
	"testing"
	"time"

	"wisefido-bpm/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestQuality_Boundaries(t *testing.T) {
	c := New(DefaultThresholds())

	cases := []struct {
		bpm  int
		want models.Quality
	}{
		{45, models.QualityCritical},
		{49, models.QualityCritical},
		{50, models.QualityWarning},
		{59, models.QualityWarning},
		{60, models.QualityGood},
		{72, models.QualityGood},
		{100, models.QualityGood},
		{101, models.QualityWarning},
		{120, models.QualityWarning},
		{121, models.QualityCritical},
		{0, models.QualityCritical},
		{300, models.QualityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Quality(tc.bpm), "bpm=%d", tc.bpm)
	}
}

func reading(bpm int, at time.Time) models.Reading {
	return models.Reading{BPM: bpm, ProcessedBPM: float64(bpm), Confidence: 0.95, Timestamp: at}
}

func TestClassify_FirstReadingHasNoRateOfChange(t *testing.T) {
	c := New(DefaultThresholds())
	r := c.Classify(reading(72, time.Now()), nil)

	assert.Equal(t, models.QualityGood, r.Quality)
	assert.Equal(t, 0.0, r.RateOfChange)
	assert.False(t, r.IsAnomaly)
}

func TestClassify_SpikeWithinWindowIsAnomalous(t *testing.T) {
	c := New(DefaultThresholds())
	t0 := time.Now()
	prev := reading(75, t0)

	r := c.Classify(reading(130, t0.Add(5*time.Second)), &prev)
	assert.Equal(t, models.QualityCritical, r.Quality)
	assert.Equal(t, 55.0, r.RateOfChange)
	assert.True(t, r.IsAnomaly)

	// 同样的跳变，但间隔超出 10 秒窗口
	r = c.Classify(reading(130, t0.Add(11*time.Second)), &prev)
	assert.Equal(t, 55.0, r.RateOfChange)
	assert.False(t, r.IsAnomaly)
}

func TestClassify_NegativeDelta(t *testing.T) {
	c := New(DefaultThresholds())
	t0 := time.Now()
	prev := reading(130, t0)

	r := c.Classify(reading(74, t0.Add(2*time.Second)), &prev)
	assert.Equal(t, -56.0, r.RateOfChange)
	assert.True(t, r.IsAnomaly)
	assert.Equal(t, models.QualityGood, r.Quality)
}

func TestClassify_DeltaAtThresholdIsNotAnomalous(t *testing.T) {
	c := New(DefaultThresholds())
	t0 := time.Now()
	prev := reading(70, t0)

	r := c.Classify(reading(90, t0.Add(time.Second)), &prev)
	assert.Equal(t, 20.0, r.RateOfChange)
	assert.False(t, r.IsAnomaly)
}

func TestClassify_LowConfidenceIsAnomalous(t *testing.T) {
	c := New(DefaultThresholds())
	r := reading(72, time.Now())
	r.Confidence = 0.49

	got := c.Classify(r, nil)
	assert.True(t, got.IsAnomaly)
	assert.Equal(t, models.QualityGood, got.Quality)
}

func TestClassify_CustomThresholds(t *testing.T) {
	th := DefaultThresholds()
	th.CriticalHigh = 140
	c := New(th)

	assert.Equal(t, models.QualityWarning, c.Quality(130))
	assert.Equal(t, models.QualityCritical, c.Quality(141))
}
