package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailzen/syncd/internal/domain"
)

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:        baseURL,
		APIKey:         "secret-key",
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
	}
}

func writePage(t *testing.T, w http.ResponseWriter, page Page) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(page))
}

func TestHTTPClient_FetchPage(t *testing.T) {
	ctx := context.Background()

	t.Run("请求携带鉴权与查询参数", func(t *testing.T) {
		var got *http.Request
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Clone(context.Background())
			writePage(t, w, Page{Messages: []domain.Candidate{
				{MailboxEmail: "ops@example.com", From: "a@b.c", Subject: "hi", TextBody: "body"},
			}})
		}))
		defer server.Close()

		client := NewHTTPClient(testOptions(server.URL), nil)
		page, err := client.FetchPage(ctx, "ops@example.com", "cur-1", 25)
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)

		require.NotNil(t, got)
		assert.Equal(t, "/v1/mailboxes/messages", got.URL.Path)
		assert.Equal(t, "secret-key", got.Header.Get("X-Api-Key"))
		query := got.URL.Query()
		assert.Equal(t, "ops@example.com", query.Get("mailbox"))
		assert.Equal(t, "cur-1", query.Get("cursor"))
		assert.Equal(t, "25", query.Get("limit"))
	})

	t.Run("空游标不带 cursor 参数", func(t *testing.T) {
		var rawQuery string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawQuery = r.URL.RawQuery
			writePage(t, w, Page{})
		}))
		defer server.Close()

		client := NewHTTPClient(testOptions(server.URL), nil)
		_, err := client.FetchPage(ctx, "ops@example.com", "", 0)
		require.NoError(t, err)
		assert.NotContains(t, rawQuery, "cursor=")
		assert.NotContains(t, rawQuery, "limit=")
	})

	t.Run("5xx 重试到成功", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writePage(t, w, Page{NextCursor: "c1", HasMore: true})
		}))
		defer server.Close()

		client := NewHTTPClient(testOptions(server.URL), nil)
		page, err := client.FetchPage(ctx, "ops@example.com", "", 10)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, "c1", page.NextCursor)
		assert.True(t, page.HasMore)
	})

	t.Run("429 同样重试", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			writePage(t, w, Page{})
		}))
		defer server.Close()

		client := NewHTTPClient(testOptions(server.URL), nil)
		_, err := client.FetchPage(ctx, "ops@example.com", "", 10)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("重试耗尽返回不可用错误", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewHTTPClient(testOptions(server.URL), nil)
		_, err := client.FetchPage(ctx, "ops@example.com", "", 10)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		// 首次加两次重试
		assert.Equal(t, 3, calls)
	})

	t.Run("其余 4xx 不重试", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := NewHTTPClient(testOptions(server.URL), nil)
		_, err := client.FetchPage(ctx, "ops@example.com", "", 10)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("响应解析失败不重试", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		client := NewHTTPClient(testOptions(server.URL), nil)
		_, err := client.FetchPage(ctx, "ops@example.com", "", 10)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("上下文取消终止重试", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		opts := testOptions(server.URL)
		opts.RetryBackoff = time.Second
		client := NewHTTPClient(opts, nil)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := client.FetchPage(cancelCtx, "ops@example.com", "", 10)
		require.Error(t, err)
	})

	t.Run("配置限速后请求经限速器放行", func(t *testing.T) {
		hits := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			writePage(t, w, Page{})
		}))
		defer server.Close()

		opts := testOptions(server.URL)
		opts.RequestsPerSecond = 100
		client := NewHTTPClient(opts, nil)
		require.NotNil(t, client.limiter)

		for i := 0; i < 3; i++ {
			_, err := client.FetchPage(ctx, "ops@example.com", "", 10)
			require.NoError(t, err)
		}
		assert.Equal(t, 3, hits)
	})

	t.Run("零值限速不装限速器", func(t *testing.T) {
		client := NewHTTPClient(testOptions("http://localhost:0"), nil)
		assert.Nil(t, client.limiter)
	})
}

func TestRetryDelay(t *testing.T) {
	client := NewHTTPClient(Options{RetryBackoff: 100 * time.Millisecond}, nil)

	for attempt := 1; attempt <= 3; attempt++ {
		delay := client.retryDelay(attempt)
		base := 100 * time.Millisecond * time.Duration(attempt)
		assert.GreaterOrEqual(t, delay, base)
		assert.Less(t, delay, base+50*time.Millisecond+time.Millisecond)
	}
}
