package evaluator

import (
	"fmt"
	"time"

	"wisefido-bpm/internal/arbiter"
	"wisefido-bpm/internal/classifier"
	"wisefido-bpm/internal/models"
)

// Config 告警规则配置
type Config struct {
	DedupWindow  time.Duration   // 同设备同类型未确认告警的去重窗口
	ResolveCount int             // 连续正常读数达到该值后自动恢复
	MinSeverity  models.Severity // 触发阈值告警的最低读数等级
	Thresholds   classifier.Thresholds
}

// DefaultConfig 默认配置：5 分钟去重，3 次正常恢复，critical 才告警
func DefaultConfig() Config {
	return Config{
		DedupWindow:  5 * time.Minute,
		ResolveCount: 3,
		MinSeverity:  models.SeverityCritical,
		Thresholds:   classifier.DefaultThresholds(),
	}
}

// MutationKind 告警变更类型
type MutationKind string

const (
	MutationCreated      MutationKind = "created"
	MutationUpdated      MutationKind = "updated"
	MutationResolved     MutationKind = "resolved"
	MutationAcknowledged MutationKind = "acknowledged"
)

// Mutation 一次告警变更，Alert 为变更后的完整快照
type Mutation struct {
	Kind  MutationKind
	Alert models.Alert
}

// Evaluator 告警规则：输入读数/切换/设备事件与当前告警集合，输出变更，不持有状态
type Evaluator struct {
	cfg     Config
	builder *AlertBuilder
}

func New(cfg Config) *Evaluator {
	if cfg.ResolveCount < 1 {
		cfg.ResolveCount = 1
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = models.SeverityCritical
	}
	return &Evaluator{cfg: cfg, builder: NewAlertBuilder()}
}

// Config 当前配置
func (e *Evaluator) Config() Config {
	return e.cfg
}

// EvaluateReading 评估一条来自活动来源的已分级读数
// unresolved 为所有未恢复的告警；normalStreak 为活动来源此前的连续正常读数数
// 连续正常达到 ResolveCount 时恢复所有设备上未恢复的阈值告警，
// 故障切换前主设备上的告警由备用来源的正常读数恢复
// 返回变更列表和新的连续正常读数数
func (e *Evaluator) EvaluateReading(r models.Reading, unresolved []models.Alert, normalStreak int) ([]Mutation, int) {
	if alertType, severity, ok := e.breach(r); ok {
		return e.onBreach(r, alertType, severity, unresolved), 0
	}
	if r.Quality != models.QualityGood {
		return nil, 0
	}

	normalStreak++
	if normalStreak < e.cfg.ResolveCount {
		return nil, normalStreak
	}

	var muts []Mutation
	for _, a := range unresolved {
		if !a.Type.IsThreshold() || a.ResolvedAt != nil {
			continue
		}
		resolvedAt := r.Timestamp
		a.ResolvedAt = &resolvedAt
		muts = append(muts, Mutation{Kind: MutationResolved, Alert: a})
	}
	return muts, normalStreak
}

// breach 读数等级达到 MinSeverity 时返回告警类型与级别
func (e *Evaluator) breach(r models.Reading) (models.AlertType, models.Severity, bool) {
	var severity models.Severity
	switch r.Quality {
	case models.QualityCritical:
		severity = models.SeverityCritical
	case models.QualityWarning:
		severity = models.SeverityWarning
	default:
		return "", "", false
	}
	if severity.Rank() < e.cfg.MinSeverity.Rank() {
		return "", "", false
	}
	if r.BPM > e.cfg.Thresholds.WarningHigh {
		return models.AlertHighBPM, severity, true
	}
	return models.AlertLowBPM, severity, true
}

func (e *Evaluator) onBreach(r models.Reading, alertType models.AlertType, severity models.Severity, unresolved []models.Alert) []Mutation {
	for _, a := range unresolved {
		if a.DeviceID != r.DeviceID || a.Type != alertType || !a.Open() {
			continue
		}
		age := r.Timestamp.Sub(a.CreatedAt)
		if age < 0 || age > e.cfg.DedupWindow {
			continue
		}

		// 去重：刷新为更极端的值，级别只升不降
		changed := false
		if a.BPMValue == nil || moreExtreme(alertType, r.BPM, *a.BPMValue) {
			a.BPMValue = intPtr(r.BPM)
			a.Message = thresholdMessage(alertType, r.BPM, e.threshold(alertType, severity))
			changed = true
		}
		if severity.Rank() > a.Severity.Rank() {
			a.Severity = severity
			a.Message = thresholdMessage(alertType, *a.BPMValue, e.threshold(alertType, severity))
			changed = true
		}
		if !changed {
			return nil
		}
		return []Mutation{{Kind: MutationUpdated, Alert: a}}
	}

	alert := e.builder.Build(r.DeviceID, alertType, severity,
		thresholdMessage(alertType, r.BPM, e.threshold(alertType, severity)), intPtr(r.BPM), r.Timestamp)
	return []Mutation{{Kind: MutationCreated, Alert: alert}}
}

func (e *Evaluator) threshold(alertType models.AlertType, severity models.Severity) int {
	t := e.cfg.Thresholds
	switch {
	case alertType == models.AlertHighBPM && severity == models.SeverityCritical:
		return t.CriticalHigh
	case alertType == models.AlertHighBPM:
		return t.WarningHigh
	case severity == models.SeverityCritical:
		return t.CriticalLow
	default:
		return t.WarningLow
	}
}

func moreExtreme(alertType models.AlertType, candidate, current int) bool {
	if alertType == models.AlertHighBPM {
		return candidate > current
	}
	return candidate < current
}

// EvaluateTransition 每次切换产生一条 source_failover 告警（warning）
// deviceID 为新来源对应的设备，切到 cache 时为 SYSTEM
func (e *Evaluator) EvaluateTransition(tr arbiter.Transition, deviceID string) Mutation {
	if deviceID == "" || tr.To == models.SourceCache {
		deviceID = models.SystemDeviceID
	}
	alert := e.builder.Build(deviceID, models.AlertSourceFailover, models.SeverityWarning,
		failoverMessage(tr.To), nil, tr.At)
	return Mutation{Kind: MutationCreated, Alert: alert}
}

// DeviceOffline 设备离线告警，固定为 critical
func (e *Evaluator) DeviceOffline(d models.Device, silence time.Duration, now time.Time) Mutation {
	msg := fmt.Sprintf("Device %s offline: no heartbeat for %s", d.DeviceID, silence.Round(time.Second))
	alert := e.builder.Build(d.DeviceID, models.AlertDeviceOffline, models.SeverityCritical, msg, nil, now)
	return Mutation{Kind: MutationCreated, Alert: alert}
}

// StorageUnavailable 持久化故障告警，固定为 critical
func (e *Evaluator) StorageUnavailable(cause error, now time.Time) Mutation {
	msg := "Storage unavailable: readings are kept in memory only"
	if cause != nil {
		msg = fmt.Sprintf("Storage unavailable: %v", cause)
	}
	alert := e.builder.Build(models.SystemDeviceID, models.AlertStorageUnavailable, models.SeverityCritical, msg, nil, now)
	return Mutation{Kind: MutationCreated, Alert: alert}
}

// Resolve 把告警标记为已恢复；已恢复的返回 false
func Resolve(a models.Alert, at time.Time) (Mutation, bool) {
	if a.ResolvedAt != nil {
		return Mutation{}, false
	}
	a.ResolvedAt = &at
	return Mutation{Kind: MutationResolved, Alert: a}, true
}

// Acknowledge 确认告警；幂等，已确认的返回 false
func Acknowledge(a models.Alert) (Mutation, bool) {
	if a.Acknowledged {
		return Mutation{}, false
	}
	a.Acknowledged = true
	return Mutation{Kind: MutationAcknowledged, Alert: a}, true
}
