package models

// EventReason 产生更新事件的原因
type EventReason string

const (
	ReasonReading  EventReason = "reading"
	ReasonFailover EventReason = "failover"
	ReasonAlert    EventReason = "alert"
	ReasonDevice   EventReason = "device"
	ReasonHealth   EventReason = "health" // systemHealth 等级变化
)

// UpdateEvent 推送给观察者的更新事件，seq 在进程内严格递增
type UpdateEvent struct {
	Type          string        `json:"type"`
	Seq           uint64        `json:"seq"`
	Reason        EventReason   `json:"reason"`
	LatestReading *Reading      `json:"latestReading,omitempty"`
	SystemStatus  *SystemStatus `json:"systemStatus,omitempty"`
	Alert         *Alert        `json:"alert,omitempty"`
	Device        *Device       `json:"device,omitempty"`
}

// UpdateEventType 事件 type 字段固定值
const UpdateEventType = "update"
