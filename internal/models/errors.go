package models

import "errors"

var (
	// ErrMalformedPayload 数据源发来的载荷非法：丢弃，不影响仲裁状态
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrSourceTimeout 心跳超时，只作为切换原因
	ErrSourceTimeout = errors.New("source heartbeat timeout")
	// ErrStorageUnavailable 持久化失败，内存中继续处理并产生 critical 系统告警
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrObserverDelivery 单个观察者推送失败，不向外传播
	ErrObserverDelivery = errors.New("observer delivery failure")
	// ErrAlertNotFound 告警不存在
	ErrAlertNotFound = errors.New("alert not found")
	// ErrNotFound 通用的查询未命中
	ErrNotFound = errors.New("not found")
)
