package transformer

import (
	"errors"
	"testing"
	"time"

	"wisefido-bpm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	n := NewNormalizer("ARDUINO_UNO_001", "THINGSPEAK_BACKUP")
	n.newID = func() string { return "reading-1" }
	return n
}

func primary(body string) models.RawPayload {
	return models.RawPayload{Source: models.SourcePrimary, Body: []byte(body), ReceivedAt: receivedAt}
}

func secondary(body string) models.RawPayload {
	return models.RawPayload{Source: models.SourceSecondary, Body: []byte(body), ReceivedAt: receivedAt}
}

func TestNormalize_Primary(t *testing.T) {
	r, err := newTestNormalizer().Normalize(primary(`{"deviceId":"ARDUINO_UNO_002","bpm":72}`))
	require.NoError(t, err)

	assert.Equal(t, "reading-1", r.ID)
	assert.Equal(t, "ARDUINO_UNO_002", r.DeviceID)
	assert.Equal(t, 72, r.BPM)
	assert.Equal(t, 72.0, r.ProcessedBPM)
	assert.Equal(t, models.SourcePrimary, r.Source)
	assert.InDelta(t, 0.95, r.Confidence, 1e-9)
	assert.Equal(t, receivedAt, r.Timestamp)
}

func TestNormalize_PrimaryDefaultsDevice(t *testing.T) {
	r, err := newTestNormalizer().Normalize(primary(`{"bpm":72}`))
	require.NoError(t, err)
	assert.Equal(t, "ARDUINO_UNO_001", r.DeviceID)

	raw := primary(`{"bpm":72}`)
	raw.DeviceID = "ARDUINO_FROM_TOPIC"
	r, err = newTestNormalizer().Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "ARDUINO_FROM_TOPIC", r.DeviceID)
}

func TestNormalize_PrimarySmoothingLowersConfidence(t *testing.T) {
	r, err := newTestNormalizer().Normalize(primary(`{"bpm":80,"avgBpm":78.5,"smoothed":true}`))
	require.NoError(t, err)
	assert.Equal(t, 78.5, r.ProcessedBPM)
	assert.InDelta(t, 0.76, r.Confidence, 1e-9)

	r, err = newTestNormalizer().Normalize(primary(`{"bpm":80,"signalQuality":50}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.475, r.Confidence, 1e-9)
}

func TestNormalize_Secondary(t *testing.T) {
	r, err := newTestNormalizer().Normalize(secondary(`{"created_at":"2024-01-01T12:00:00Z","entry_id":7,"field1":"74"}`))
	require.NoError(t, err)
	assert.Equal(t, "THINGSPEAK_BACKUP", r.DeviceID)
	assert.Equal(t, 74, r.BPM)
	assert.InDelta(t, 0.80, r.Confidence, 1e-9)

	r, err = newTestNormalizer().Normalize(secondary(`{"entry_id":8,"field1":74,"field2":"73.2"}`))
	require.NoError(t, err)
	assert.Equal(t, 73.2, r.ProcessedBPM)
	assert.InDelta(t, 0.64, r.Confidence, 1e-9)
}

func TestNormalize_Boundaries(t *testing.T) {
	n := newTestNormalizer()

	r, err := n.Normalize(primary(`{"bpm":0}`))
	require.NoError(t, err)
	assert.Equal(t, 0, r.BPM)

	r, err = n.Normalize(primary(`{"bpm":300}`))
	require.NoError(t, err)
	assert.Equal(t, 300, r.BPM)
}

func TestNormalize_Malformed(t *testing.T) {
	cases := map[string]models.RawPayload{
		"invalid json":          primary(`{"bpm":`),
		"missing bpm":           primary(`{"deviceId":"x"}`),
		"bpm above range":       primary(`{"bpm":301}`),
		"bpm below range":       primary(`{"bpm":-1}`),
		"avg out of range":      primary(`{"bpm":70,"avgBpm":900}`),
		"signal quality":        primary(`{"bpm":70,"signalQuality":150}`),
		"missing field1":        secondary(`{"entry_id":1}`),
		"empty field1":          secondary(`{"entry_id":1,"field1":""}`),
		"non numeric field1":    secondary(`{"entry_id":1,"field1":"abc"}`),
		"secondary above range": secondary(`{"entry_id":1,"field1":"400"}`),
		"unknown source":        {Source: models.SourceCache, Body: []byte(`{"bpm":70}`)},
	}

	n := newTestNormalizer()
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrMalformedPayload))
		})
	}
}

func TestHeartbeat(t *testing.T) {
	n := newTestNormalizer()

	hb, err := n.Heartbeat(primary(`{"battery":85,"firmware":"1.2.3"}`))
	require.NoError(t, err)
	assert.Equal(t, "ARDUINO_UNO_001", hb.DeviceID)
	require.NotNil(t, hb.BatteryLevel)
	assert.Equal(t, 85, *hb.BatteryLevel)
	assert.Equal(t, "1.2.3", *hb.FirmwareVersion)

	hb, err = n.Heartbeat(secondary(``))
	require.NoError(t, err)
	assert.Equal(t, "THINGSPEAK_BACKUP", hb.DeviceID)

	_, err = n.Heartbeat(primary(`{"battery":120}`))
	assert.True(t, errors.Is(err, models.ErrMalformedPayload))
}

func TestPrimaryMeta(t *testing.T) {
	battery, firmware := PrimaryMeta([]byte(`{"bpm":70,"battery":40,"firmware":"2.0.0"}`))
	require.NotNil(t, battery)
	assert.Equal(t, 40, *battery)
	assert.Equal(t, "2.0.0", *firmware)

	battery, firmware = PrimaryMeta([]byte(`not json`))
	assert.Nil(t, battery)
	assert.Nil(t, firmware)
}
