package models

import "time"

// DeviceStatus 设备在线状态
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Device 数据源设备，只由其自身来源的心跳修改
type Device struct {
	DeviceID        string       `json:"deviceId"`
	Name            string       `json:"name"`
	Type            Source       `json:"type"`
	Status          DeviceStatus `json:"status"`
	LastHeartbeat   time.Time    `json:"lastHeartbeat"`
	BatteryLevel    *int         `json:"batteryLevel,omitempty"`
	FirmwareVersion *string      `json:"firmwareVersion,omitempty"`
}

// Heartbeat 一次心跳（读数或显式 ping）
type Heartbeat struct {
	Source          Source
	DeviceID        string
	BatteryLevel    *int
	FirmwareVersion *string
}
