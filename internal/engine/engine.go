package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-bpm/internal/aggregator"
	"wisefido-bpm/internal/arbiter"
	"wisefido-bpm/internal/broadcast"
	"wisefido-bpm/internal/classifier"
	"wisefido-bpm/internal/evaluator"
	"wisefido-bpm/internal/models"
	"wisefido-bpm/internal/repository"
	"wisefido-bpm/internal/transformer"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config 引擎配置
type Config struct {
	Thresholds classifier.Thresholds
	Policy     arbiter.Policy
	Alerts     evaluator.Config
	Health     aggregator.HealthConfig

	WindowSize      int           // 内存中保留的读数条数
	AlertCapacity   int           // 内存中保留的告警条数
	InboundQueue    int           // 输入队列长度
	PersistQueue    int           // 持久化队列长度
	PersistTimeout  time.Duration // 单次写入超时
	TickInterval    time.Duration // 超时检测周期
	MetricsInterval time.Duration // 指标输出周期，0 表示不输出

	Devices []models.Device // 启动时注册的设备
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	t := classifier.DefaultThresholds()
	alerts := evaluator.DefaultConfig()
	alerts.Thresholds = t
	return Config{
		Thresholds:      t,
		Policy:          arbiter.DefaultPolicy(),
		Alerts:          alerts,
		Health:          aggregator.DefaultHealthConfig(),
		WindowSize:      100,
		AlertCapacity:   1000,
		InboundQueue:    256,
		PersistQueue:    1024,
		PersistTimeout:  5 * time.Second,
		TickInterval:    time.Second,
		MetricsInterval: 60 * time.Second,
		Devices:         DefaultDevices(),
	}
}

// DefaultDevices 出厂注册的两个数据源设备
func DefaultDevices() []models.Device {
	firmware := "1.2.3"
	return []models.Device{
		{DeviceID: "ARDUINO_UNO_001", Name: "Arduino Uno BPM Sensor", Type: models.SourcePrimary, FirmwareVersion: &firmware},
		{DeviceID: "THINGSPEAK_BACKUP", Name: "ThingSpeak Cloud Backup", Type: models.SourceSecondary},
	}
}

// Option 引擎可选项
type Option func(*Engine)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStore 启用持久化
func WithStore(store repository.Store) Option {
	return func(e *Engine) { e.store = store }
}

// IngestResult 一次读数的处理结果
type IngestResult struct {
	Reading  models.Reading
	Accepted bool // false 表示来自非活动来源，只计为心跳
}

type inbound struct {
	raw       models.RawPayload
	heartbeat bool
}

// Engine 单写者处理引擎
// 所有对 SystemStatus、告警集合、故障切换计数的修改都在 mu 下完成
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	store  repository.Store
	hub    *broadcast.Hub

	normalizer *transformer.Normalizer
	classifier *classifier.Classifier
	arbiter    *arbiter.Arbiter
	evaluator  *evaluator.Evaluator
	book       *evaluator.Book
	window     *aggregator.Window
	scorer     *aggregator.HealthScorer

	status       models.SystemStatus
	normalStreak int // 活动来源的连续正常读数，切换时清零
	devices      map[string]*models.Device
	sourceDevice map[models.Source]string // 每个来源最近一次心跳的设备

	storageDown atomic.Bool
	inbound     chan inbound
	persistQ    chan persistOp
	metrics     *Metrics
}

// New 创建引擎；两路心跳以创建时间为起点
func New(cfg Config, hub *broadcast.Hub, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		hub:          hub,
		devices:      make(map[string]*models.Device),
		sourceDevice: make(map[models.Source]string),
		metrics:      &Metrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.InboundQueue <= 0 {
		e.cfg.InboundQueue = 256
	}
	if e.cfg.PersistQueue <= 0 {
		e.cfg.PersistQueue = 1024
	}
	if e.cfg.PersistTimeout <= 0 {
		e.cfg.PersistTimeout = 5 * time.Second
	}
	if e.cfg.TickInterval <= 0 {
		e.cfg.TickInterval = time.Second
	}
	e.cfg.Alerts.Thresholds = e.cfg.Thresholds

	now := e.now()
	e.metrics.StartTime = now
	e.classifier = classifier.New(e.cfg.Thresholds)
	e.arbiter = arbiter.New(e.cfg.Policy, now)
	e.evaluator = evaluator.New(e.cfg.Alerts)
	e.book = evaluator.NewBook(e.cfg.AlertCapacity)
	e.window = aggregator.NewWindow(e.cfg.WindowSize)
	e.scorer = aggregator.NewHealthScorer(e.cfg.Health, now)
	e.status = models.NewSystemStatus(now)
	e.inbound = make(chan inbound, e.cfg.InboundQueue)
	e.persistQ = make(chan persistOp, e.cfg.PersistQueue)

	for _, d := range e.cfg.Devices {
		dev := d
		dev.Status = models.DeviceOnline
		dev.LastHeartbeat = now
		e.devices[dev.DeviceID] = &dev
		if _, ok := e.sourceDevice[dev.Type]; !ok {
			e.sourceDevice[dev.Type] = dev.DeviceID
		}
	}
	e.normalizer = transformer.NewNormalizer(e.sourceDevice[models.SourcePrimary], e.sourceDevice[models.SourceSecondary])
	return e
}

// Hub 事件广播器
func (e *Engine) Hub() *broadcast.Hub { return e.hub }

// Metrics 指标快照
func (e *Engine) Metrics() MetricsSnapshot { return e.metrics.GetSnapshot() }

// Restore 从存储恢复故障切换计数、设备信息、最近告警和读数
// 活动来源与心跳时间不恢复，每次启动重新仲裁
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var errs error

	st, err := e.store.LoadSystemStatus(ctx)
	devices, devErr := e.store.ListDevices(ctx)
	alerts, alertErr := e.store.RecentAlerts(ctx, e.cfg.AlertCapacity)
	readings, readErr := e.store.RecentReadings(ctx, e.cfg.WindowSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		errs = multierr.Append(errs, fmt.Errorf("load system status: %w", err))
	default:
		e.arbiter.RestoreFailoverCount(st.FailoverCount)
		e.status.FailoverCount = e.arbiter.FailoverCount()
	}

	if devErr != nil {
		errs = multierr.Append(errs, fmt.Errorf("load devices: %w", devErr))
	}
	for _, d := range devices {
		if cur, ok := e.devices[d.DeviceID]; ok {
			if d.BatteryLevel != nil {
				cur.BatteryLevel = d.BatteryLevel
			}
			if d.FirmwareVersion != nil {
				cur.FirmwareVersion = d.FirmwareVersion
			}
			continue
		}
		if !d.Type.Valid() {
			continue
		}
		dev := d
		dev.Status = models.DeviceOffline
		e.devices[dev.DeviceID] = &dev
	}

	if alertErr != nil {
		errs = multierr.Append(errs, fmt.Errorf("load alerts: %w", alertErr))
	}
	for i := len(alerts) - 1; i >= 0; i-- {
		e.book.Apply(evaluator.Mutation{Kind: evaluator.MutationCreated, Alert: alerts[i]})
	}
	if _, ok := e.book.FindUnresolved(models.SystemDeviceID, models.AlertStorageUnavailable); ok {
		e.storageDown.Store(true)
	}

	if readErr != nil {
		errs = multierr.Append(errs, fmt.Errorf("load readings: %w", readErr))
	}
	for i := len(readings) - 1; i >= 0; i-- {
		e.window.Push(readings[i])
	}

	e.logger.Info("Engine state restored",
		zap.Int("failover_count", e.status.FailoverCount),
		zap.Int("devices", len(e.devices)),
		zap.Int("alerts", e.book.Count()),
		zap.Int("readings", e.window.Len()),
	)
	return errs
}

// Submit 异步提交一条读数载荷；队列满时返回 false
func (e *Engine) Submit(raw models.RawPayload) bool {
	return e.offer(inbound{raw: raw})
}

// SubmitHeartbeat 异步提交一次显式心跳
func (e *Engine) SubmitHeartbeat(raw models.RawPayload) bool {
	return e.offer(inbound{raw: raw, heartbeat: true})
}

func (e *Engine) offer(in inbound) bool {
	select {
	case e.inbound <- in:
		return true
	default:
		e.metrics.add(&e.metrics.InboundDropped)
		e.logger.Warn("Inbound queue full, dropping payload",
			zap.String("source", string(in.raw.Source)),
			zap.Bool("heartbeat", in.heartbeat),
		)
		return false
	}
}

// Run 运行处理循环，直到 ctx 取消；退出前写完已排队的持久化
func (e *Engine) Run(ctx context.Context) error {
	persistCtx, stopPersist := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runPersister(persistCtx)
	}()
	if e.cfg.MetricsInterval > 0 {
		go e.reportMetrics(ctx, e.cfg.MetricsInterval)
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info("BPM engine started",
		zap.Duration("tick_interval", e.cfg.TickInterval),
		zap.Duration("primary_window", e.cfg.Policy.PrimaryWindow),
		zap.Duration("secondary_window", e.cfg.Policy.SecondaryWindow),
	)

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.persistStatus(e.status)
			e.mu.Unlock()
			stopPersist()
			wg.Wait()
			e.logger.Info("BPM engine stopped")
			return nil
		case in := <-e.inbound:
			e.safely("inbound", func() { e.handleInbound(in) })
		case <-ticker.C:
			e.safely("tick", e.Tick)
		}
	}
}

// safely 单条事件处理异常不影响后续事件
func (e *Engine) safely(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered from panic in engine loop",
				zap.String("stage", stage),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func (e *Engine) handleInbound(in inbound) {
	if in.heartbeat {
		_ = e.HandleHeartbeat(in.raw)
		return
	}
	_, _ = e.IngestRaw(in.raw)
}

// IngestRaw 同步处理一条读数载荷；接收时间在此刻打上
func (e *Engine) IngestRaw(raw models.RawPayload) (IngestResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	raw.ReceivedAt = now
	r, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.metrics.add(&e.metrics.PayloadsMalformed)
		e.logger.Warn("Dropping malformed payload",
			zap.String("source", string(raw.Source)),
			zap.Error(err),
		)
		return IngestResult{}, err
	}
	if err := e.checkDeviceLocked(r.Source, r.DeviceID); err != nil {
		e.metrics.add(&e.metrics.PayloadsMalformed)
		e.logger.Warn("Dropping payload for device of another source",
			zap.String("source", string(r.Source)),
			zap.String("device_id", r.DeviceID),
			zap.Error(err),
		)
		return IngestResult{}, err
	}

	hb := models.Heartbeat{Source: r.Source, DeviceID: r.DeviceID}
	if r.Source == models.SourcePrimary {
		hb.BatteryLevel, hb.FirmwareVersion = transformer.PrimaryMeta(raw.Body)
	}
	e.heartbeatLocked(now, hb)

	if e.arbiter.Active() != r.Source {
		e.metrics.add(&e.metrics.ReadingsShadowed)
		e.logger.Debug("Reading from inactive source counted as heartbeat only",
			zap.String("source", string(r.Source)),
			zap.String("active_source", string(e.arbiter.Active())),
			zap.Int("bpm", r.BPM),
		)
		if e.refreshLocked(now) {
			e.publishLocked(models.UpdateEvent{Reason: models.ReasonHealth})
		}
		return IngestResult{Reading: r}, nil
	}

	var prev *models.Reading
	if latest, ok := e.window.Latest(); ok {
		prev = &latest
	}
	r = e.classifier.Classify(r, prev)
	e.window.Push(r)
	e.metrics.readingAccepted(now)
	e.persistReading(r)

	var muts []evaluator.Mutation
	muts, e.normalStreak = e.evaluator.EvaluateReading(r, e.book.Unresolved(), e.normalStreak)

	e.refreshLocked(now)
	reading := r
	e.publishLocked(models.UpdateEvent{Reason: models.ReasonReading, LatestReading: &reading})
	for _, m := range muts {
		e.applyAlertLocked(m)
	}
	return IngestResult{Reading: r, Accepted: true}, nil
}

// HandleHeartbeat 同步处理一次显式心跳
func (e *Engine) HandleHeartbeat(raw models.RawPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	raw.ReceivedAt = now
	hb, err := e.normalizer.Heartbeat(raw)
	if err != nil {
		e.metrics.add(&e.metrics.PayloadsMalformed)
		e.logger.Warn("Dropping malformed heartbeat",
			zap.String("source", string(raw.Source)),
			zap.Error(err),
		)
		return err
	}
	if err := e.checkDeviceLocked(hb.Source, hb.DeviceID); err != nil {
		e.metrics.add(&e.metrics.PayloadsMalformed)
		e.logger.Warn("Dropping heartbeat for device of another source",
			zap.String("source", string(hb.Source)),
			zap.String("device_id", hb.DeviceID),
			zap.Error(err),
		)
		return err
	}
	e.heartbeatLocked(now, hb)
	if e.refreshLocked(now) {
		e.publishLocked(models.UpdateEvent{Reason: models.ReasonHealth})
	}
	return nil
}

// Tick 周期检测：来源超时、设备离线、健康分衰减
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickLocked(e.now())
}

func (e *Engine) tickLocked(now time.Time) {
	if tr := e.arbiter.Evaluate(now); tr != nil {
		e.transitionLocked(*tr)
	}

	for _, id := range e.deviceIDsLocked() {
		d := e.devices[id]
		if d.Status != models.DeviceOnline {
			continue
		}
		silence := now.Sub(d.LastHeartbeat)
		if silence < e.arbiter.Window(d.Type) {
			continue
		}
		d.Status = models.DeviceOffline
		e.logger.Warn("Device offline",
			zap.String("device_id", d.DeviceID),
			zap.Duration("silence", silence),
		)
		e.persistDevice(*d)
		dev := *d
		e.publishLocked(models.UpdateEvent{Reason: models.ReasonDevice, Device: &dev})
		e.applyAlertLocked(e.evaluator.DeviceOffline(dev, silence, now))
	}

	if e.refreshLocked(now) {
		e.publishLocked(models.UpdateEvent{Reason: models.ReasonHealth})
		e.persistStatus(e.status)
	}
}

// checkDeviceLocked 已登记设备只接受其所属来源的载荷
func (e *Engine) checkDeviceLocked(src models.Source, deviceID string) error {
	if d, ok := e.devices[deviceID]; ok && d.Type != src {
		return fmt.Errorf("%w: device %s belongs to the %s source, got %s", models.ErrMalformedPayload, deviceID, d.Type, src)
	}
	return nil
}

// heartbeatLocked 更新设备、评分器和仲裁器；调用前须通过 checkDeviceLocked
func (e *Engine) heartbeatLocked(now time.Time, hb models.Heartbeat) {
	e.metrics.add(&e.metrics.HeartbeatsReceived)
	e.touchDeviceLocked(now, hb)
	if tr := e.arbiter.Heartbeat(hb.Source, now); tr != nil {
		e.transitionLocked(*tr)
	}
	e.scorer.ObserveHeartbeat(hb.Source, e.arbiter.Active(), now)
}

func (e *Engine) touchDeviceLocked(now time.Time, hb models.Heartbeat) {
	d, known := e.devices[hb.DeviceID]
	if !known {
		d = &models.Device{
			DeviceID: hb.DeviceID,
			Name:     hb.DeviceID,
			Type:     hb.Source,
			Status:   models.DeviceOffline,
		}
		e.devices[hb.DeviceID] = d
		e.logger.Info("Registered new device",
			zap.String("device_id", hb.DeviceID),
			zap.String("type", string(hb.Source)),
		)
	}

	e.sourceDevice[hb.Source] = d.DeviceID
	wasOnline := d.Status == models.DeviceOnline
	d.Status = models.DeviceOnline
	d.LastHeartbeat = now
	if hb.BatteryLevel != nil {
		d.BatteryLevel = hb.BatteryLevel
	}
	if hb.FirmwareVersion != nil {
		d.FirmwareVersion = hb.FirmwareVersion
	}
	e.persistDevice(*d)

	if wasOnline {
		return
	}
	if known {
		e.logger.Info("Device back online", zap.String("device_id", d.DeviceID))
	}
	dev := *d
	e.publishLocked(models.UpdateEvent{Reason: models.ReasonDevice, Device: &dev})
	if open, ok := e.book.FindUnresolved(d.DeviceID, models.AlertDeviceOffline); ok {
		if m, ok := evaluator.Resolve(open, now); ok {
			e.applyAlertLocked(m)
		}
	}
}

// transitionLocked 切换、计数、告警、广播在同一个临界区内完成
func (e *Engine) transitionLocked(tr arbiter.Transition) {
	e.metrics.add(&e.metrics.Failovers)
	e.logger.Warn("Active source changed",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Int("failover_count", tr.FailoverCount),
		zap.NamedError("cause", tr.Cause),
	)

	e.normalStreak = 0
	e.refreshLocked(tr.At)
	alert := e.recordAlertLocked(e.evaluator.EvaluateTransition(tr, e.sourceDevice[tr.To]))
	e.publishLocked(models.UpdateEvent{Reason: models.ReasonFailover, Alert: &alert})
	e.persistStatus(e.status)
}

// refreshLocked 同步 SystemStatus；返回健康等级是否变化
func (e *Engine) refreshLocked(now time.Time) bool {
	prev := e.status.SystemHealth
	active := e.arbiter.Active()

	score := e.scorer.Update(active, e.arbiter.LastHeartbeat(active), e.arbiter.Window(active), e.window.GoodFraction(), now)
	health := models.HealthFromScore(score)
	if active == models.SourceCache {
		health = models.HealthCritical
	}

	e.status.ActiveSource = active
	e.status.FailoverCount = e.arbiter.FailoverCount()
	e.status.LastPrimaryHeartbeat = e.arbiter.LastPrimaryHeartbeat()
	e.status.LastSecondaryHeartbeat = e.arbiter.LastSecondaryHeartbeat()
	e.status.CacheHealthScore = score
	e.status.SystemHealth = health
	e.status.UpdatedAt = now
	return health != prev
}

// recordAlertLocked 应用告警变更并持久化，不广播
func (e *Engine) recordAlertLocked(m evaluator.Mutation) models.Alert {
	e.book.Apply(m)
	e.persistAlert(m.Alert)

	a := m.Alert
	switch m.Kind {
	case evaluator.MutationCreated:
		e.metrics.add(&e.metrics.AlertsCreated)
		e.logger.Warn("Alert raised",
			zap.String("alert_id", a.ID),
			zap.String("device_id", a.DeviceID),
			zap.String("type", string(a.Type)),
			zap.String("severity", string(a.Severity)),
			zap.String("message", a.Message),
		)
	case evaluator.MutationResolved:
		e.metrics.add(&e.metrics.AlertsResolved)
		e.logger.Info("Alert resolved",
			zap.String("alert_id", a.ID),
			zap.String("type", string(a.Type)),
		)
	default:
		e.logger.Debug("Alert updated",
			zap.String("alert_id", a.ID),
			zap.String("kind", string(m.Kind)),
		)
	}
	return a
}

func (e *Engine) applyAlertLocked(m evaluator.Mutation) {
	a := e.recordAlertLocked(m)
	e.publishLocked(models.UpdateEvent{Reason: models.ReasonAlert, Alert: &a})
}

// publishLocked 附上当前 SystemStatus 快照后广播
func (e *Engine) publishLocked(ev models.UpdateEvent) {
	st := e.status
	ev.SystemStatus = &st
	e.hub.Publish(ev)
}

// Acknowledge 确认告警；幂等
// 内存中没有的告警到存储中查找
func (e *Engine) Acknowledge(ctx context.Context, id string) (models.Alert, error) {
	e.mu.Lock()
	if a, ok := e.book.Get(id); ok {
		if m, changed := evaluator.Acknowledge(a); changed {
			e.applyAlertLocked(m)
			a = m.Alert
		}
		e.mu.Unlock()
		return a, nil
	}
	e.mu.Unlock()

	if e.store == nil {
		return models.Alert{}, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	stored, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return models.Alert{}, err
	}
	m, changed := evaluator.Acknowledge(*stored)
	if !changed {
		return *stored, nil
	}
	if err := e.store.SaveAlert(ctx, m.Alert); err != nil {
		return models.Alert{}, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	a := m.Alert
	e.publishLocked(models.UpdateEvent{Reason: models.ReasonAlert, Alert: &a})
	return a, nil
}

// Status 当前 SystemStatus；查询前先按当前时间仲裁，不会读到过期的活动来源
func (e *Engine) Status() models.SystemStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickLocked(e.now())
	return e.status
}

// Devices 全部设备，按 deviceId 排序
func (e *Engine) Devices() []models.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickLocked(e.now())

	ids := e.deviceIDsLocked()
	out := make([]models.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.devices[id])
	}
	return out
}

func (e *Engine) deviceIDsLocked() []string {
	ids := make([]string, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecentReadings 最近的读数，最新在前
func (e *Engine) RecentReadings(limit int) []models.Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Recent(limit)
}

// RecentAlerts 最近的告警，最新在前
func (e *Engine) RecentAlerts(limit int) []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Recent(limit)
}

// Stats 窗口统计
func (e *Engine) Stats() models.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Stats()
}

// History 某设备 [start, end] 内的读数，按时间升序
// 未启用存储时只能查到内存窗口中的读数
func (e *Engine) History(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	if e.store != nil {
		return e.store.ReadingsInRange(ctx, deviceID, start, end)
	}

	e.mu.Lock()
	recent := e.window.Recent(0)
	e.mu.Unlock()

	out := make([]models.Reading, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		r := recent[i]
		if r.DeviceID != deviceID || r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// StorageAvailable 最近一次写入是否成功
func (e *Engine) StorageAvailable() bool {
	return e.store != nil && !e.storageDown.Load()
}
