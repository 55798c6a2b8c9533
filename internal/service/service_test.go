package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wisefido-bpm/internal/config"
	"wisefido-bpm/internal/models"
	"wisefido-bpm/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ENV_FILE", t.TempDir()+"/missing.env")
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.BPM.MetricsInterval = 0
	return cfg
}

func TestEngineConfig_MapsServiceConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.BPM.CriticalHigh = 140
	cfg.BPM.PrimaryWindow = 30 * time.Second
	cfg.BPM.RestoreHeartbeats = 3
	cfg.BPM.AlertMinSeverity = "warning"
	cfg.BPM.PrimaryDeviceID = "ARDUINO_NANO_7"
	cfg.BPM.PrimaryInterval = 5 * time.Second

	ec := EngineConfig(cfg)
	assert.Equal(t, 140, ec.Thresholds.CriticalHigh)
	assert.Equal(t, 140, ec.Alerts.Thresholds.CriticalHigh)
	assert.Equal(t, 30*time.Second, ec.Policy.PrimaryWindow)
	assert.Equal(t, 3, ec.Policy.RestoreHeartbeats)
	assert.Equal(t, models.SeverityWarning, ec.Alerts.MinSeverity)
	assert.Equal(t, 5*time.Second, ec.Health.PrimaryInterval)
	assert.Equal(t, time.Duration(0), ec.MetricsInterval)

	require.Len(t, ec.Devices, 2)
	assert.Equal(t, "ARDUINO_NANO_7", ec.Devices[0].DeviceID)
	assert.Equal(t, "THINGSPEAK_BACKUP", ec.Devices[1].DeviceID)
}

func TestRetentionJob_PurgesOldReadings(t *testing.T) {
	store := repository.NewMemoryStore(0)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i, age := range []time.Duration{-40 * 24 * time.Hour, -31 * 24 * time.Hour, -time.Hour} {
		require.NoError(t, store.SaveReading(ctx, models.Reading{
			ID:        string(rune('a' + i)),
			DeviceID:  "ARDUINO_UNO_001",
			BPM:       70,
			Timestamp: now.Add(age),
		}))
	}

	job, err := NewRetentionJob("@every 1h", 30, store, zap.NewNop())
	require.NoError(t, err)
	job.now = func() time.Time { return now }

	assert.Equal(t, int64(2), job.RunOnce(ctx))
	left, err := store.RecentReadings(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	assert.Equal(t, int64(0), job.RunOnce(ctx))
}

type failingPurger struct{}

func (failingPurger) PurgeReadingsBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestRetentionJob_Errors(t *testing.T) {
	_, err := NewRetentionJob("every hour please", 30, failingPurger{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewRetentionJob("@every 1h", 0, failingPurger{}, zap.NewNop())
	assert.Error(t, err)

	job, err := NewRetentionJob("@daily", 7, failingPurger{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, int64(0), job.RunOnce(context.Background()))

	job.Start()
	job.Stop()
}

func TestServer_ListenServeStop(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("pong")) })
	srv := NewServer("127.0.0.1:0", h, zap.NewNop())
	require.NoError(t, srv.Listen())
	assert.NotEqual(t, "127.0.0.1:0", srv.Addr())

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	require.NoError(t, srv.Stop(context.Background()))
	assert.NoError(t, <-done)
}

func TestBPMService_InMemoryHandler(t *testing.T) {
	cfg := testConfig(t)
	svc, err := NewBPMService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	h := svc.Handler()
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/primary", strings.NewReader(`{"bpm":75}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	now := time.Now().UTC()
	readings, err := svc.Engine().History(context.Background(), "ARDUINO_UNO_001", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", w.Body.String())
}

func TestBPMService_StartStopWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Enabled.Redis = true
	cfg.Redis.Addr = mr.Addr()

	svc, err := NewBPMService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	startErr := make(chan error, 1)
	go func() { startErr <- svc.Start(ctx) }()

	// redis sink 订阅后才会收到事件
	require.Eventually(t, func() bool { return svc.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = svc.Engine().IngestRaw(models.RawPayload{Source: models.SourcePrimary, Body: []byte(`{"bpm":80}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := mr.Get(cfg.Cache.ReadingKey)
		return err == nil && strings.Contains(v, `"bpm":80`)
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, mr.Exists(cfg.Cache.StatusKey))

	cancel()
	require.NoError(t, <-startErr)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	assert.NoError(t, svc.Stop(stopCtx))
}

func TestNewBPMService_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enabled.Redis = true
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := NewBPMService(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
