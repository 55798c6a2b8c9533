package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-bpm/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ThingSpeakPoller 轮询备用数据源（ThingSpeak channel 最新条目）
// 只转发 entry_id 比上次新的条目；没有新条目不算心跳
// 设置 maxAge 后，created_at 早于 maxAge 的条目只记录 entry_id，不转发
type ThingSpeakPoller struct {
	httpClient *resty.Client
	channelID  string
	apiKey     string
	deviceID   string
	interval   time.Duration
	ingestor   Ingestor
	logger     *zap.Logger
	maxAge     time.Duration
	now        func() time.Time

	lastEntryID int64
}

// NewThingSpeakPoller 创建轮询器
func NewThingSpeakPoller(baseURL, channelID, apiKey, deviceID string, interval time.Duration, ingestor Ingestor, logger *zap.Logger) *ThingSpeakPoller {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")

	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ThingSpeakPoller{
		httpClient: client,
		channelID:  channelID,
		apiKey:     apiKey,
		deviceID:   deviceID,
		interval:   interval,
		ingestor:   ingestor,
		logger:     logger,
		now:        time.Now,
	}
}

// SetMaxAge 条目最大年龄，通常取备用来源的超时窗口；0 表示不检查
func (p *ThingSpeakPoller) SetMaxAge(d time.Duration) *ThingSpeakPoller {
	p.maxAge = d
	return p
}

// Start 按间隔轮询，直到 ctx 取消；启动时立即执行一次
func (p *ThingSpeakPoller) Start(ctx context.Context) error {
	p.logger.Info("ThingSpeak poller started",
		zap.String("channel_id", p.channelID),
		zap.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ThingSpeak poller stopped")
			return nil
		case <-ticker.C:
			p.pollAndLog(ctx)
		}
	}
}

func (p *ThingSpeakPoller) pollAndLog(ctx context.Context) {
	if _, err := p.Poll(ctx); err != nil {
		p.logger.Warn("ThingSpeak poll failed", zap.Error(err))
	}
}

// Poll 拉取一次；返回是否转发了新条目
func (p *ThingSpeakPoller) Poll(ctx context.Context) (bool, error) {
	req := p.httpClient.R().SetContext(ctx)
	if p.apiKey != "" {
		req.SetQueryParam("api_key", p.apiKey)
	}
	resp, err := req.Get(fmt.Sprintf("/channels/%s/feeds/last.json", p.channelID))
	if err != nil {
		return false, fmt.Errorf("failed to call ThingSpeak API: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("ThingSpeak API returned status %d", resp.StatusCode())
	}

	body := bytes.TrimSpace(resp.Body())
	// 空 channel 返回 -1
	if len(body) == 0 || string(body) == "-1" {
		return false, nil
	}

	var entry models.ThingSpeakEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return false, fmt.Errorf("%w: thingspeak response: %v", models.ErrMalformedPayload, err)
	}
	if entry.EntryID <= p.lastEntryID {
		return false, nil
	}
	if age, ok := p.entryAge(entry); ok && age > p.maxAge {
		// 旧条目不算心跳
		p.lastEntryID = entry.EntryID
		p.logger.Debug("Skipping stale ThingSpeak entry",
			zap.Int64("entry_id", entry.EntryID),
			zap.String("created_at", entry.CreatedAt),
			zap.Duration("age", age),
		)
		return false, nil
	}

	raw := models.RawPayload{
		Source:   models.SourceSecondary,
		DeviceID: p.deviceID,
		Body:     append([]byte(nil), body...),
	}
	if !p.ingestor.Submit(raw) {
		return false, fmt.Errorf("%w: thingspeak entry %d", ErrQueueFull, entry.EntryID)
	}
	p.lastEntryID = entry.EntryID

	p.logger.Debug("Forwarded ThingSpeak entry", zap.Int64("entry_id", entry.EntryID))
	return true, nil
}

// entryAge created_at 缺失或无法解析时不判断年龄，交给下游校验
func (p *ThingSpeakPoller) entryAge(entry models.ThingSpeakEntry) (time.Duration, bool) {
	if p.maxAge <= 0 || entry.CreatedAt == "" {
		return 0, false
	}
	created, err := time.Parse(time.RFC3339, entry.CreatedAt)
	if err != nil {
		return 0, false
	}
	return p.now().Sub(created), true
}
