// Package provider 封装对上游收信服务的轮询拉取。
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailzen/syncd/internal/domain"
)

// ErrProviderUnavailable 上游在重试耗尽后仍不可用。
var ErrProviderUnavailable = errors.New("inbound provider unavailable")

// Page 上游一页拉取结果。
type Page struct {
	Messages   []domain.Candidate `json:"messages"`
	NextCursor string             `json:"nextCursor,omitempty"`
	HasMore    bool               `json:"hasMore"`
}

// Client 上游收信服务的拉取客户端。
type Client interface {
	// FetchPage 拉取某个邮箱自 cursor 之后的一页新消息。
	FetchPage(ctx context.Context, mailboxEmail, cursor string, pageSize int) (*Page, error)
}

// Options HTTP 客户端配置。
type Options struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	// 对上游的全局请求速率限制，零值表示不限制
	RequestsPerSecond float64
}

// HTTPClient 基于 HTTP 的上游客户端实现。
//
// 对 429、5xx 与网络错误做有限次重试，退避按尝试次数线性放大
// 并加抖动；4xx（除 429 外）视为确定性失败，立即返回。
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
	log        *zap.Logger
}

// NewHTTPClient 创建上游拉取客户端。
func NewHTTPClient(opts Options, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &HTTPClient{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		limiter:    limiter,
		log:        log,
	}
}

// FetchPage 拉取一页新消息。
func (c *HTTPClient) FetchPage(ctx context.Context, mailboxEmail, cursor string, pageSize int) (*Page, error) {
	endpoint, err := c.pageURL(mailboxEmail, cursor, pageSize)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		page, retryable, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !retryable || attempt > c.maxRetries {
			break
		}

		delay := c.retryDelay(attempt)
		c.log.Debug("provider fetch retrying",
			zap.String("mailbox", mailboxEmail),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

func (c *HTTPClient) pageURL(mailboxEmail, cursor string, pageSize int) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid provider base url: %w", err)
	}
	base = base.JoinPath("v1", "mailboxes", "messages")

	query := base.Query()
	query.Set("mailbox", mailboxEmail)
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if pageSize > 0 {
		query.Set("limit", fmt.Sprintf("%d", pageSize))
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

// fetchOnce 执行单次请求，第二个返回值指示错误是否可重试。
func (c *HTTPClient) fetchOnce(ctx context.Context, endpoint string) (*Page, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 网络层错误一律可重试，除非上下文已取消
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			return nil, true, err
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("provider returned status %d", resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, false, fmt.Errorf("decode provider response: %w", err)
	}
	return &page, false, nil
}

// retryDelay 线性退避加抖动：backoff * attempt + [0, backoff/2)。
func (c *HTTPClient) retryDelay(attempt int) time.Duration {
	base := c.backoff
	if base <= 0 {
		base = time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base*time.Duration(attempt) + jitter
}
