package evaluator

import (
	"fmt"
	"testing"
	"time"

	"wisefido-bpm/internal/arbiter"
	"wisefido-bpm/internal/classifier"
	"wisefido-bpm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const device = "ARDUINO_UNO_001"

func newTestEvaluator(cfg Config) *Evaluator {
	e := New(cfg)
	n := 0
	e.builder.newID = func() string {
		n++
		return fmt.Sprintf("alert-%d", n)
	}
	return e
}

func classified(bpm int, at time.Time) models.Reading {
	c := classifier.New(classifier.DefaultThresholds())
	return c.Classify(models.Reading{
		DeviceID: device, BPM: bpm, ProcessedBPM: float64(bpm), Confidence: 0.95,
		Source: models.SourcePrimary, Timestamp: at,
	}, nil)
}

// trackedBook 告警集合加活动来源的连续正常计数，与引擎的用法一致
type trackedBook struct {
	*Book
	streak int
}

func newTrackedBook(capacity int) *trackedBook {
	return &trackedBook{Book: NewBook(capacity)}
}

// 用 Book 驱动一串读数，返回所有变更
func run(e *Evaluator, b *trackedBook, readings ...models.Reading) []Mutation {
	var all []Mutation
	for _, r := range readings {
		var muts []Mutation
		muts, b.streak = e.EvaluateReading(r, b.Unresolved(), b.streak)
		for _, m := range muts {
			b.Apply(m)
		}
		all = append(all, muts...)
	}
	return all
}

func TestLowBPM_CreatesOneAlert(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	r := classified(45, t0)
	require.Equal(t, models.QualityCritical, r.Quality)

	muts, streak := e.EvaluateReading(r, nil, 2)
	require.Len(t, muts, 1)
	assert.Equal(t, 0, streak)

	a := muts[0].Alert
	assert.Equal(t, MutationCreated, muts[0].Kind)
	assert.Equal(t, models.AlertLowBPM, a.Type)
	assert.Equal(t, models.SeverityCritical, a.Severity)
	require.NotNil(t, a.BPMValue)
	assert.Equal(t, 45, *a.BPMValue)
	assert.Equal(t, "BPM reading of 45 below threshold of 50", a.Message)
	assert.False(t, a.Acknowledged)
	assert.Nil(t, a.ResolvedAt)
}

func TestHighBPM_Message(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	muts, _ := e.EvaluateReading(classified(125, t0), nil, 0)
	require.Len(t, muts, 1)
	assert.Equal(t, models.AlertHighBPM, muts[0].Alert.Type)
	assert.Equal(t, "BPM reading of 125 exceeds threshold of 120", muts[0].Alert.Message)
}

func TestWarningReading_NoAlertByDefault(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	muts, streak := e.EvaluateReading(classified(110, t0), nil, 2)
	assert.Empty(t, muts)
	assert.Equal(t, 0, streak)
}

func TestWarningReading_AlertsWhenMinSeverityWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSeverity = models.SeverityWarning
	e := newTestEvaluator(cfg)

	muts, _ := e.EvaluateReading(classified(110, t0), nil, 0)
	require.Len(t, muts, 1)
	assert.Equal(t, models.SeverityWarning, muts[0].Alert.Severity)
	assert.Equal(t, "BPM reading of 110 exceeds threshold of 100", muts[0].Alert.Message)
}

func TestDedup_RefreshesToMostExtreme(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := newTrackedBook(100)

	muts := run(e, b,
		classified(125, t0),
		classified(140, t0.Add(time.Minute)),
		classified(130, t0.Add(2*time.Minute)),
	)

	require.Len(t, muts, 2)
	assert.Equal(t, MutationCreated, muts[0].Kind)
	assert.Equal(t, MutationUpdated, muts[1].Kind)
	assert.Equal(t, 1, b.Count())

	a, ok := b.Get(muts[0].Alert.ID)
	require.True(t, ok)
	assert.Equal(t, 140, *a.BPMValue)
	assert.Equal(t, "BPM reading of 140 exceeds threshold of 120", a.Message)
}

func TestDedup_EscalatesSeverity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSeverity = models.SeverityWarning
	e := newTestEvaluator(cfg)
	b := newTrackedBook(100)

	run(e, b, classified(110, t0), classified(105, t0.Add(time.Second)), classified(125, t0.Add(2*time.Second)))
	require.Equal(t, 1, b.Count())
	a := b.Recent(1)[0]
	assert.Equal(t, models.SeverityCritical, a.Severity)
	assert.Equal(t, 125, *a.BPMValue)
}

func TestDedup_ExpiresAfterWindow(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := newTrackedBook(100)

	muts := run(e, b, classified(125, t0), classified(126, t0.Add(5*time.Minute+time.Second)))
	require.Len(t, muts, 2)
	assert.Equal(t, MutationCreated, muts[1].Kind)
	assert.Equal(t, 2, b.Count())
}

func TestDedup_AcknowledgedAlertDoesNotSuppress(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := newTrackedBook(100)

	muts := run(e, b, classified(45, t0))
	ack, ok := Acknowledge(muts[0].Alert)
	require.True(t, ok)
	b.Apply(ack)

	muts = run(e, b, classified(44, t0.Add(time.Minute)))
	require.Len(t, muts, 1)
	assert.Equal(t, MutationCreated, muts[0].Kind)
}

func TestDedup_DifferentTypesAreIndependent(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := newTrackedBook(100)

	muts := run(e, b, classified(125, t0), classified(45, t0.Add(time.Second)))
	require.Len(t, muts, 2)
	assert.Equal(t, models.AlertHighBPM, muts[0].Alert.Type)
	assert.Equal(t, models.AlertLowBPM, muts[1].Alert.Type)
}

func TestAutoResolve_AfterThreeNormalReadings(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := newTrackedBook(100)

	var readings []models.Reading
	for i, bpm := range []int{72, 75, 130, 74, 73, 72} {
		readings = append(readings, classified(bpm, t0.Add(time.Duration(i)*5*time.Second)))
	}

	muts := run(e, b, readings[:5]...)
	require.Len(t, muts, 1)
	alertID := muts[0].Alert.ID
	a, _ := b.Get(alertID)
	assert.Nil(t, a.ResolvedAt, "two normal readings must not resolve")

	muts = run(e, b, readings[5])
	require.Len(t, muts, 1)
	assert.Equal(t, MutationResolved, muts[0].Kind)
	a, _ = b.Get(alertID)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, readings[5].Timestamp, *a.ResolvedAt)
	assert.Equal(t, 1, b.Count(), "resolved alert stays in history")
}

func TestAutoResolve_StreakResetByWarning(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := newTrackedBook(100)

	run(e, b, classified(45, t0), classified(70, t0.Add(time.Second)), classified(70, t0.Add(2*time.Second)),
		classified(55, t0.Add(3*time.Second)), classified(70, t0.Add(4*time.Second)))
	a := b.Recent(1)[0]
	assert.Nil(t, a.ResolvedAt)
	assert.Equal(t, 1, b.streak)
}

func TestAutoResolve_LeavesOtherTypesAlone(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := newTrackedBook(100)
	b.Apply(e.DeviceOffline(models.Device{DeviceID: device}, time.Minute, t0))

	run(e, b, classified(70, t0), classified(70, t0), classified(70, t0))
	a := b.Recent(1)[0]
	assert.Equal(t, models.AlertDeviceOffline, a.Type)
	assert.Nil(t, a.ResolvedAt)
}

func TestAutoResolve_AlertFromPreviousSourceDevice(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := newTrackedBook(100)
	muts := run(e, b, classified(130, t0))
	require.Len(t, muts, 1)
	alertID := muts[0].Alert.ID

	// 切换后由备用设备继续读数，计数从零开始
	b.streak = 0
	backup := func(bpm int, at time.Time) models.Reading {
		r := classified(bpm, at)
		r.DeviceID = "THINGSPEAK_BACKUP"
		r.Source = models.SourceSecondary
		return r
	}

	// 备用设备的超限读数按自身设备去重，不合并到主设备告警
	muts = run(e, b, backup(131, t0.Add(time.Minute)))
	require.Len(t, muts, 1)
	assert.Equal(t, MutationCreated, muts[0].Kind)
	assert.Equal(t, "THINGSPEAK_BACKUP", muts[0].Alert.DeviceID)

	muts = run(e, b, backup(72, t0.Add(2*time.Minute)), backup(72, t0.Add(3*time.Minute)), backup(72, t0.Add(4*time.Minute)))
	require.Len(t, muts, 2)
	a, _ := b.Get(alertID)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, device, a.DeviceID)
	assert.Empty(t, b.Unresolved())
}

func TestAcknowledge_Idempotent(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	muts, _ := e.EvaluateReading(classified(45, t0), nil, 0)

	once, changed := Acknowledge(muts[0].Alert)
	require.True(t, changed)
	assert.True(t, once.Alert.Acknowledged)

	_, changed = Acknowledge(once.Alert)
	assert.False(t, changed)
}

func TestEvaluateTransition(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())

	m := e.EvaluateTransition(arbiter.Transition{From: models.SourcePrimary, To: models.SourceSecondary, At: t0}, "THINGSPEAK_BACKUP")
	assert.Equal(t, models.AlertSourceFailover, m.Alert.Type)
	assert.Equal(t, models.SeverityWarning, m.Alert.Severity)
	assert.Equal(t, "THINGSPEAK_BACKUP", m.Alert.DeviceID)
	assert.Equal(t, "System failover: Switched to secondary data source", m.Alert.Message)

	m = e.EvaluateTransition(arbiter.Transition{From: models.SourceSecondary, To: models.SourceCache, At: t0}, "THINGSPEAK_BACKUP")
	assert.Equal(t, models.SystemDeviceID, m.Alert.DeviceID)
}

func TestDeviceOfflineAndStorage_AlwaysCritical(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())

	m := e.DeviceOffline(models.Device{DeviceID: device}, 61*time.Second, t0)
	assert.Equal(t, models.SeverityCritical, m.Alert.Severity)
	assert.Equal(t, "Device ARDUINO_UNO_001 offline: no heartbeat for 1m1s", m.Alert.Message)

	m = e.StorageUnavailable(fmt.Errorf("connection refused"), t0)
	assert.Equal(t, models.SeverityCritical, m.Alert.Severity)
	assert.Equal(t, models.AlertStorageUnavailable, m.Alert.Type)
	assert.Equal(t, models.SystemDeviceID, m.Alert.DeviceID)
}

func TestBook_EvictsOnlyClosedAlerts(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := NewBook(2)

	first := e.DeviceOffline(models.Device{DeviceID: "d1"}, time.Minute, t0)
	b.Apply(first)
	b.Apply(e.DeviceOffline(models.Device{DeviceID: "d2"}, time.Minute, t0))
	b.Apply(e.DeviceOffline(models.Device{DeviceID: "d3"}, time.Minute, t0))
	assert.Equal(t, 3, b.Count(), "open alerts are never evicted")

	resolved, ok := Resolve(first.Alert, t0)
	require.True(t, ok)
	b.Apply(resolved)
	b.Apply(e.DeviceOffline(models.Device{DeviceID: "d4"}, time.Minute, t0))

	assert.Equal(t, 3, b.Count())
	_, found := b.Get(first.Alert.ID)
	assert.False(t, found)
}

func TestBook_RecentNewestFirst(t *testing.T) {
	e := newTestEvaluator(DefaultConfig())
	b := NewBook(10)
	for i := 0; i < 4; i++ {
		b.Apply(e.DeviceOffline(models.Device{DeviceID: fmt.Sprintf("d%d", i)}, time.Minute, t0))
	}
	recent := b.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "d3", recent[0].DeviceID)
	assert.Equal(t, "d2", recent[1].DeviceID)

	found, ok := b.FindUnresolved("d1", models.AlertDeviceOffline)
	require.True(t, ok)
	assert.Equal(t, "d1", found.DeviceID)
}
