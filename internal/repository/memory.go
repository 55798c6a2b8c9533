package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-bpm/internal/models"
)

// MemoryStore 数据库未启用时的内存存储
// 读数按容量环形保留；告警全部保留
type MemoryStore struct {
	mu          sync.RWMutex
	maxReadings int
	readings    []models.Reading // 按写入顺序
	alerts      map[string]models.Alert
	alertOrder  []string
	devices     map[string]models.Device
	status      *models.SystemStatus
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore maxReadings<=0 时默认 10000
func NewMemoryStore(maxReadings int) *MemoryStore {
	if maxReadings <= 0 {
		maxReadings = 10000
	}
	return &MemoryStore{
		maxReadings: maxReadings,
		alerts:      make(map[string]models.Alert),
		devices:     make(map[string]models.Device),
	}
}

func (m *MemoryStore) SaveReading(_ context.Context, r models.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	if over := len(m.readings) - m.maxReadings; over > 0 {
		m.readings = append([]models.Reading(nil), m.readings[over:]...)
	}
	return nil
}

func (m *MemoryStore) RecentReadings(_ context.Context, limit int) ([]models.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.readings) {
		limit = len(m.readings)
	}
	out := make([]models.Reading, 0, limit)
	for i := len(m.readings) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.readings[i])
	}
	return out, nil
}

func (m *MemoryStore) ReadingsInRange(_ context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Reading
	for _, r := range m.readings {
		if r.DeviceID == deviceID && !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) PurgeReadingsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.readings[:0]
	var purged int64
	for _, r := range m.readings {
		if r.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	m.readings = kept
	return purged, nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, a models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.alerts[a.ID]; ok {
		a.Acknowledged = a.Acknowledged || existing.Acknowledged
		if existing.ResolvedAt != nil {
			a.ResolvedAt = existing.ResolvedAt
		}
	} else {
		m.alertOrder = append(m.alertOrder, a.ID)
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%s", models.ErrAlertNotFound, id)
	}
	return &a, nil
}

func (m *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.alertOrder) {
		limit = len(m.alertOrder)
	}
	out := make([]models.Alert, 0, limit)
	for i := len(m.alertOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[m.alertOrder[i]])
	}
	return out, nil
}

func (m *MemoryStore) SaveDevice(_ context.Context, d models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.devices[d.DeviceID]; ok {
		if d.BatteryLevel == nil {
			d.BatteryLevel = existing.BatteryLevel
		}
		if d.FirmwareVersion == nil {
			d.FirmwareVersion = existing.FirmwareVersion
		}
	}
	m.devices[d.DeviceID] = d
	return nil
}

func (m *MemoryStore) ListDevices(_ context.Context) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) SaveSystemStatus(_ context.Context, s models.SystemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != nil && m.status.FailoverCount > s.FailoverCount {
		s.FailoverCount = m.status.FailoverCount
	}
	m.status = &s
	return nil
}

func (m *MemoryStore) LoadSystemStatus(_ context.Context) (*models.SystemStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == nil {
		return nil, models.ErrNotFound
	}
	s := *m.status
	return &s, nil
}
