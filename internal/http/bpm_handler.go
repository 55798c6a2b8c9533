package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"wisefido-bpm/internal/broadcast"
	"wisefido-bpm/internal/engine"
	"wisefido-bpm/internal/models"

	"go.uber.org/zap"
)

const maxIngestBody = 64 << 10

// Engine 处理引擎对 HTTP 层暴露的能力
type Engine interface {
	Status() models.SystemStatus
	Devices() []models.Device
	RecentReadings(limit int) []models.Reading
	RecentAlerts(limit int) []models.Alert
	Stats() models.Stats
	Metrics() engine.MetricsSnapshot
	StorageAvailable() bool
	Acknowledge(ctx context.Context, id string) (models.Alert, error)
	History(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error)
	IngestRaw(raw models.RawPayload) (engine.IngestResult, error)
	HandleHeartbeat(raw models.RawPayload) error
}

// BPMHandler 看板查询、告警确认与 HTTP 推送入口
type BPMHandler struct {
	engine Engine
	hub    *broadcast.Hub
	logger *zap.Logger
}

func NewBPMHandler(e Engine, hub *broadcast.Hub, logger *zap.Logger) *BPMHandler {
	return &BPMHandler{engine: e, hub: hub, logger: logger}
}

// GetReadings GET /api/bpm-data?limit=50
func (h *BPMHandler) GetReadings(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), 50, 1000)
	writeJSON(w, http.StatusOK, map[string]any{"readings": h.engine.RecentReadings(limit)})
}

// GetDevices GET /api/devices
func (h *BPMHandler) GetDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": h.engine.Devices()})
}

// GetAlerts GET /api/alerts?limit=20
func (h *BPMHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), 20, 1000)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": h.engine.RecentAlerts(limit)})
}

// GetSystemStatus GET /api/system-status
func (h *BPMHandler) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// GetStats GET /api/stats
func (h *BPMHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// GetSystemHealth GET /api/system-health
func (h *BPMHandler) GetSystemHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"systemStatus":     h.engine.Status(),
		"stats":            h.engine.Stats(),
		"metrics":          h.engine.Metrics(),
		"observers":        h.hub.Stats(),
		"storageAvailable": h.engine.StorageAvailable(),
	})
}

// AcknowledgeAlert PATCH /api/alerts/{id}/acknowledge
func (h *BPMHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request, id string) {
	a, err := h.engine.Acknowledge(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a)
	case errors.Is(err, models.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, models.ErrStorageUnavailable):
		h.logger.Error("Failed to acknowledge alert", zap.String("alert_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		h.logger.Error("Failed to acknowledge alert", zap.String("alert_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to acknowledge alert")
	}
}

// GetHistory GET /api/readings/history?deviceId=&start=&end=
// start/end 为 RFC3339，默认最近一小时
func (h *BPMHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("deviceId"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	end := time.Now().UTC()
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
		end = t
	}
	start := end.Add(-time.Hour)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
		start = t
	}
	if start.After(end) {
		writeError(w, http.StatusBadRequest, "start must not be after end")
		return
	}

	readings, err := h.engine.History(r.Context(), deviceID, start, end)
	if err != nil {
		h.logger.Error("Failed to query reading history",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

// Ingest POST /api/ingest/{primary|secondary}
func (h *BPMHandler) Ingest(w http.ResponseWriter, r *http.Request, source models.Source) {
	body, err := readBody(r, maxIngestBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	res, err := h.engine.IngestRaw(models.RawPayload{
		Source:   source,
		DeviceID: r.URL.Query().Get("deviceId"),
		Body:     body,
	})
	if err != nil {
		if errors.Is(err, models.ErrMalformedPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to ingest reading")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": res.Accepted,
		"reading":  res.Reading,
	})
}

// Heartbeat POST /api/heartbeat/{primary|secondary}
func (h *BPMHandler) Heartbeat(w http.ResponseWriter, r *http.Request, source models.Source) {
	body, err := readBody(r, maxIngestBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := h.engine.HandleHeartbeat(models.RawPayload{Source: source, Body: body}); err != nil {
		if errors.Is(err, models.ErrMalformedPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
