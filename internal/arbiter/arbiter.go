package arbiter

import (
	"fmt"
	"time"

	"wisefido-bpm/internal/models"
)

// Policy 存活窗口与回切策略
type Policy struct {
	PrimaryWindow   time.Duration
	SecondaryWindow time.Duration
	// RestoreHeartbeats 从 secondary 切回 primary 需要的连续新鲜心跳数，默认 1（不做迟滞）
	RestoreHeartbeats int
}

// DefaultPolicy 默认策略：primary 60s，secondary 120s，单次心跳即回切
func DefaultPolicy() Policy {
	return Policy{
		PrimaryWindow:     60 * time.Second,
		SecondaryWindow:   120 * time.Second,
		RestoreHeartbeats: 1,
	}
}

// Transition 一次 activeSource 切换
type Transition struct {
	From          models.Source
	To            models.Source
	At            time.Time
	FailoverCount int   // 切换后的计数
	Cause         error // 因心跳超时离开原来源时为 models.ErrSourceTimeout
}

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s (failover #%d)", t.From, t.To, t.FailoverCount)
}

// Arbiter 数据源仲裁状态机
// 非并发安全：由 engine 在单写者锁内调用，切换、计数在同一步完成
type Arbiter struct {
	policy        Policy
	active        models.Source
	lastPrimary   time.Time
	lastSecondary time.Time
	failoverCount int
	restoreStreak int
}

// New 以 now 为起点初始化：active=primary，两路心跳时间为 now
func New(policy Policy, now time.Time) *Arbiter {
	if policy.RestoreHeartbeats < 1 {
		policy.RestoreHeartbeats = 1
	}
	return &Arbiter{
		policy:        policy,
		active:        models.SourcePrimary,
		lastPrimary:   now,
		lastSecondary: now,
	}
}

// RestoreFailoverCount 进程重启后恢复累计切换次数
func (a *Arbiter) RestoreFailoverCount(n int) {
	if n > a.failoverCount {
		a.failoverCount = n
	}
}

func (a *Arbiter) Policy() Policy                    { return a.policy }
func (a *Arbiter) Active() models.Source             { return a.active }
func (a *Arbiter) FailoverCount() int                { return a.failoverCount }
func (a *Arbiter) LastPrimaryHeartbeat() time.Time   { return a.lastPrimary }
func (a *Arbiter) LastSecondaryHeartbeat() time.Time { return a.lastSecondary }

// LastHeartbeat 指定来源的最近心跳
func (a *Arbiter) LastHeartbeat(src models.Source) time.Time {
	if src == models.SourceSecondary {
		return a.lastSecondary
	}
	return a.lastPrimary
}

// Window 指定来源的存活窗口
func (a *Arbiter) Window(src models.Source) time.Duration {
	if src == models.SourceSecondary {
		return a.policy.SecondaryWindow
	}
	return a.policy.PrimaryWindow
}

// PrimaryLive now - lastPrimary < PrimaryWindow
func (a *Arbiter) PrimaryLive(now time.Time) bool {
	return now.Sub(a.lastPrimary) < a.policy.PrimaryWindow
}

// SecondaryLive now - lastSecondary < SecondaryWindow
func (a *Arbiter) SecondaryLive(now time.Time) bool {
	return now.Sub(a.lastSecondary) < a.policy.SecondaryWindow
}

// Heartbeat 记录一次心跳并立即重新仲裁
func (a *Arbiter) Heartbeat(src models.Source, now time.Time) *Transition {
	switch src {
	case models.SourcePrimary:
		if a.active != models.SourcePrimary {
			if a.PrimaryLive(now) {
				a.restoreStreak++
			} else {
				a.restoreStreak = 1
			}
		}
		if now.After(a.lastPrimary) {
			a.lastPrimary = now
		}
	case models.SourceSecondary:
		if now.After(a.lastSecondary) {
			a.lastSecondary = now
		}
	default:
		return nil
	}
	return a.Evaluate(now)
}

// Evaluate 按当前时间仲裁；有切换时返回 Transition，并已递增计数
func (a *Arbiter) Evaluate(now time.Time) *Transition {
	if !a.PrimaryLive(now) {
		a.restoreStreak = 0
	}

	next := a.desired(now)
	if next == a.active {
		return nil
	}

	tr := &Transition{From: a.active, To: next, At: now}
	if a.active == models.SourcePrimary || (a.active == models.SourceSecondary && next == models.SourceCache) {
		tr.Cause = models.ErrSourceTimeout
	}

	a.active = next
	a.failoverCount++
	a.restoreStreak = 0
	tr.FailoverCount = a.failoverCount
	return tr
}

func (a *Arbiter) desired(now time.Time) models.Source {
	pLive := a.PrimaryLive(now)
	sLive := a.SecondaryLive(now)

	switch {
	case pLive && (a.active == models.SourcePrimary || !sLive || a.restoreStreak >= a.policy.RestoreHeartbeats):
		return models.SourcePrimary
	case sLive:
		return models.SourceSecondary
	default:
		return models.SourceCache
	}
}
