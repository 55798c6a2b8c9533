package streamclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"wisefido-bpm/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrRetriesExhausted 连续失败次数达到 MaxAttempts
var ErrRetriesExhausted = errors.New("stream retries exhausted")

// RetryPolicy 重连策略：固定间隔；MaxAttempts 为连续失败上限，0 表示不限
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy 5 秒固定间隔，无限重试
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: 5 * time.Second}
}

// Handler 处理一个更新事件
type Handler func(ev models.UpdateEvent)

// Client 订阅 /api/stream 的 SSE 客户端，每次重连都是新的订阅（不补发）
type Client struct {
	httpClient *resty.Client
	path       string
	policy     RetryPolicy
	logger     *zap.Logger
}

func NewClient(baseURL string, policy RetryPolicy, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache")

	if policy.Delay <= 0 {
		policy.Delay = DefaultRetryPolicy().Delay
	}
	return &Client{
		httpClient: client,
		path:       "/api/stream",
		policy:     policy,
		logger:     logger,
	}
}

// Run 持续订阅直到 ctx 取消；连接中断后等待 Delay 重连
func (c *Client) Run(ctx context.Context, handle Handler) error {
	failures := 0
	for {
		received, err := c.subscribe(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}

		if received || err == nil {
			failures = 0
		}
		if err != nil {
			failures++
			c.logger.Warn("Stream disconnected",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", c.policy.Delay),
			)
			if c.policy.MaxAttempts > 0 && failures >= c.policy.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err)
			}
		} else {
			c.logger.Info("Stream closed by server", zap.Duration("retry_in", c.policy.Delay))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.policy.Delay):
		}
	}
}

// subscribe 一次连接；received 表示本次连接至少收到过一个事件
func (c *Client) subscribe(ctx context.Context, handle Handler) (received bool, err error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.path)
	if err != nil {
		return false, fmt.Errorf("failed to connect stream: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return false, fmt.Errorf("stream returned status %d", resp.StatusCode())
	}
	c.logger.Info("Stream connected", zap.String("url", c.httpClient.BaseURL+c.path))

	n, err := c.read(body, handle)
	return n > 0, err
}

// read 解析 SSE 帧：data 行累积到空行为止；注释和 retry/id 行忽略
func (c *Client) read(r io.Reader, handle Handler) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	count := 0
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev models.UpdateEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				c.logger.Warn("Skipping undecodable stream event", zap.Error(err))
			} else {
				count++
				handle(ev)
			}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("stream read failed: %w", err)
	}
	return count, nil
}
