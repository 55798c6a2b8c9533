package evaluator

import (
	"wisefido-bpm/internal/models"
)

// Book 内存中的告警集合
// 非并发安全，由 engine 的单写者锁保护
type Book struct {
	capacity int
	order    []string // 按创建顺序
	byID     map[string]*models.Alert
}

// NewBook capacity 为保留的告警条数上限；只会淘汰已确认或已恢复的旧告警
func NewBook(capacity int) *Book {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Book{
		capacity: capacity,
		byID:     make(map[string]*models.Alert),
	}
}

// Apply 应用一次变更
func (b *Book) Apply(m Mutation) {
	a := m.Alert
	if existing, ok := b.byID[a.ID]; ok {
		*existing = a
		return
	}
	b.byID[a.ID] = &a
	b.order = append(b.order, a.ID)
	b.evict()
}

func (b *Book) evict() {
	for len(b.order) > b.capacity {
		idx := -1
		for i, id := range b.order {
			if !b.byID[id].Open() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		delete(b.byID, b.order[idx])
		b.order = append(b.order[:idx], b.order[idx+1:]...)
	}
}

// Get 按 id 查询
func (b *Book) Get(id string) (models.Alert, bool) {
	a, ok := b.byID[id]
	if !ok {
		return models.Alert{}, false
	}
	return *a, true
}

// Unresolved 所有未恢复的告警，按创建顺序
func (b *Book) Unresolved() []models.Alert {
	var out []models.Alert
	for _, id := range b.order {
		a := b.byID[id]
		if a.ResolvedAt == nil {
			out = append(out, *a)
		}
	}
	return out
}

// FindUnresolved 设备上某类型最近一条未恢复的告警
func (b *Book) FindUnresolved(deviceID string, alertType models.AlertType) (models.Alert, bool) {
	for i := len(b.order) - 1; i >= 0; i-- {
		a := b.byID[b.order[i]]
		if a.DeviceID == deviceID && a.Type == alertType && a.ResolvedAt == nil {
			return *a, true
		}
	}
	return models.Alert{}, false
}

// Recent 最新的 limit 条告警，新的在前
func (b *Book) Recent(limit int) []models.Alert {
	if limit <= 0 || limit > len(b.order) {
		limit = len(b.order)
	}
	out := make([]models.Alert, 0, limit)
	for i := len(b.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *b.byID[b.order[i]])
	}
	return out
}

// Count 告警总数
func (b *Book) Count() int {
	return len(b.order)
}
