package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailzen/syncd/internal/cache"
	"mailzen/syncd/internal/config"
	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/health"
	"mailzen/syncd/internal/monitoring"
	"mailzen/syncd/internal/pool"
	"mailzen/syncd/internal/provider"
	"mailzen/syncd/internal/service"
	"mailzen/syncd/internal/storage/memory"
)

const testAdminKey = "admin-test-key"

// stubProvider 返回固定页面的上游客户端。
type stubProvider struct {
	page *provider.Page
	err  error
}

func (s stubProvider) FetchPage(ctx context.Context, mailboxEmail, cursor string, pageSize int) (*provider.Page, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.page != nil {
		return s.page, nil
	}
	return &provider.Page{}, nil
}

type routerFixture struct {
	router   *gin.Engine
	store    *memory.Store
	cfg      *config.Config
	verifier *service.SignatureVerifier
}

func newRouterFixture(t *testing.T, mutate func(cfg *config.Config)) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		Sync: config.SyncConfig{
			PollInterval: 5 * time.Minute,
			TickInterval: time.Second,
			LeaseTTL:     time.Minute,
			BatchLimit:   10,
			PageSize:     10,
		},
		Webhook: config.WebhookConfig{
			SigningKey:   "test-signing-key",
			ReplayWindow: 5 * time.Minute,
			AdminAPIKeys: []string{testAdminKey},
			RequireAuth:  true,
		},
		Alerting: config.AlertingConfig{
			Enabled:             true,
			WindowHours:         24,
			MinSampleCount:      5,
			WarningRatePercent:  10,
			CriticalRatePercent: 50,
			CooldownMinutes:     60,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := zap.NewNop()
	store := memory.NewStore()
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	verifier := service.NewSignatureVerifier(cfg.Webhook.SigningKey, cfg.Webhook.ReplayWindow)
	ingestor := service.NewIngestor(store, cache.NewLocalMessageIDCache(time.Minute), log)
	leases := service.NewLeaseManager(store, cfg.Sync.LeaseTTL, log)
	recorder := service.NewRunRecorder(store, log)
	classifier := service.NewIncidentClassifier(store, log)
	trends := service.NewTrendAggregator(store)
	dispatcher := service.NewAlertDispatcher(store, service.NewLogNotifier(log), time.Hour, log)
	workers := pool.NewWorkerPool(1, 2, log, metrics.RecordPanic)
	coordinator := service.NewSyncCoordinator(store, leases, ingestor, recorder, stubProvider{}, workers, metrics, cfg.Sync, log)
	monitor := service.NewSLAMonitor(store, classifier, dispatcher, metrics, cfg.Alerting, log)

	router := NewRouter(RouterDependencies{
		Config:        cfg,
		Coordinator:   coordinator,
		Ingestor:      ingestor,
		Verifier:      verifier,
		Classifier:    classifier,
		Trends:        trends,
		Monitor:       monitor,
		Store:         store,
		HealthChecker: health.NewHealthChecker(store, nil, log),
		Metrics:       metrics,
		Logger:        log,
	})

	return &routerFixture{router: router, store: store, cfg: cfg, verifier: verifier}
}

func (f *routerFixture) seedMailbox(t *testing.T, id, email string, status domain.MailboxStatus) {
	t.Helper()
	require.NoError(t, f.store.SaveMailbox(context.Background(), &domain.Mailbox{
		ID:     id,
		UserID: "user-1",
		Email:  email,
		Status: status,
	}))
}

func (f *routerFixture) request(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func dataMap(t *testing.T, resp Response) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "响应数据不是对象: %#v", resp.Data)
	return m
}

// signedHeaders 按验签规则为载荷生成签名头。
func signedHeaders(v *service.SignatureVerifier, payload domain.Candidate) map[string]string {
	ts := time.Now().UTC().Unix()
	digest := service.PayloadDigest(payload.MailboxEmail, payload.From, payload.MessageID, payload.Subject)
	return map[string]string{
		HeaderInboundSignature: v.Sign(ts, digest),
		HeaderInboundTimestamp: strconv.FormatInt(ts, 10),
	}
}

func TestReceiveInbound(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.seedMailbox(t, "mb-1", "ops@acme.io", domain.MailboxStatusActive)

	payload := domain.Candidate{
		MailboxEmail: "ops@acme.io",
		From:         "alice@corp.com",
		Subject:      "Weekly report",
		TextBody:     "numbers attached",
		MessageID:    "<m-1@corp.com>",
	}

	var firstEmailID string

	t.Run("接受合法推送", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", payload, signedHeaders(f.verifier, payload))
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeResponse(t, rec)
		assert.Equal(t, CodeSuccess, resp.Code)
		data := dataMap(t, resp)
		assert.Equal(t, string(domain.InboundEventAccepted), data["status"])
		assert.NotEmpty(t, data["eventId"])
		require.NotEmpty(t, data["emailId"])
		firstEmailID = data["emailId"].(string)
	})

	t.Run("重复消息判定去重", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", payload, signedHeaders(f.verifier, payload))
		require.Equal(t, http.StatusOK, rec.Code)

		data := dataMap(t, decodeResponse(t, rec))
		assert.Equal(t, string(domain.InboundEventDeduplicated), data["status"])
		assert.Equal(t, firstEmailID, data["emailId"])
	})

	t.Run("签名错误返回401并留痕", func(t *testing.T) {
		headers := signedHeaders(f.verifier, payload)
		headers[HeaderInboundSignature] = "deadbeef"

		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", payload, headers)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		resp := decodeResponse(t, rec)
		assert.Equal(t, CodeUnauthorized, resp.Code)
		data := dataMap(t, resp)
		assert.Equal(t, string(domain.InboundEventRejected), data["status"])
		assert.Equal(t, domain.RejectReasonSignatureInvalid, data["reason"])
	})

	t.Run("缺少邮箱地址返回400", func(t *testing.T) {
		bad := domain.Candidate{From: "alice@corp.com", Subject: "no target"}
		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", bad, signedHeaders(f.verifier, bad))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, CodeBadRequest, decodeResponse(t, rec).Code)
	})

	t.Run("未知邮箱按拒绝处理", func(t *testing.T) {
		ghost := domain.Candidate{
			MailboxEmail: "ghost@acme.io",
			From:         "alice@corp.com",
			Subject:      "lost",
			TextBody:     "hello",
		}
		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", ghost, signedHeaders(f.verifier, ghost))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		data := dataMap(t, decodeResponse(t, rec))
		assert.Equal(t, string(domain.InboundEventRejected), data["status"])
		assert.Equal(t, domain.RejectReasonMailboxUnavailable, data["reason"])
	})
}

func TestReceiveInbound_Token(t *testing.T) {
	f := newRouterFixture(t, func(cfg *config.Config) {
		cfg.Webhook.Token = "hook-token"
	})
	f.seedMailbox(t, "mb-1", "ops@acme.io", domain.MailboxStatusActive)

	payload := domain.Candidate{
		MailboxEmail: "ops@acme.io",
		From:         "alice@corp.com",
		Subject:      "token check",
		TextBody:     "hello",
		MessageID:    "<t-1@corp.com>",
	}

	t.Run("缺少令牌拒绝", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", payload, signedHeaders(f.verifier, payload))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("错误令牌拒绝", func(t *testing.T) {
		headers := signedHeaders(f.verifier, payload)
		headers[HeaderInboundToken] = "wrong-token"
		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", payload, headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("请求头令牌放行", func(t *testing.T) {
		headers := signedHeaders(f.verifier, payload)
		headers[HeaderInboundToken] = "hook-token"
		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", payload, headers)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Bearer令牌放行", func(t *testing.T) {
		headers := signedHeaders(f.verifier, payload)
		headers["Authorization"] = "Bearer hook-token"
		rec := f.request(t, http.MethodPost, "/v1/inbound/webhook", payload, headers)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestTriggerSync(t *testing.T) {
	f := newRouterFixture(t, nil)
	adminHeaders := map[string]string{"X-API-Key": testAdminKey}

	t.Run("未携带鉴权返回401", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/v1/mailboxes/mb-1/sync", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("邮箱不存在返回404", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/v1/mailboxes/ghost/sync", nil, adminHeaders)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, CodeNotFound, decodeResponse(t, rec).Code)
	})

	t.Run("正常触发返回执行记录", func(t *testing.T) {
		f.seedMailbox(t, "mb-ok", "ok@acme.io", domain.MailboxStatusActive)

		rec := f.request(t, http.MethodPost, "/v1/mailboxes/mb-ok/sync", nil, adminHeaders)
		require.Equal(t, http.StatusOK, rec.Code)

		data := dataMap(t, decodeResponse(t, rec))
		assert.Equal(t, string(domain.RunStatusSuccess), data["status"])
		assert.Equal(t, string(domain.TriggerManual), data["triggerSource"])
	})

	t.Run("租约被占用返回409", func(t *testing.T) {
		f.seedMailbox(t, "mb-busy", "busy@acme.io", domain.MailboxStatusActive)
		now := time.Now().UTC()
		acquired, err := f.store.AcquireLease(context.Background(), "mb-busy", uuid.NewString(), now.Add(time.Minute), now)
		require.NoError(t, err)
		require.True(t, acquired)

		rec := f.request(t, http.MethodPost, "/v1/mailboxes/mb-busy/sync", nil, adminHeaders)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, CodeConflict, decodeResponse(t, rec).Code)
	})

	t.Run("暂停邮箱返回422", func(t *testing.T) {
		f.seedMailbox(t, "mb-paused", "paused@acme.io", domain.MailboxStatusSuspended)

		rec := f.request(t, http.MethodPost, "/v1/mailboxes/mb-paused/sync", nil, adminHeaders)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestObservabilityEndpoints(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx := context.Background()
	adminHeaders := map[string]string{"X-API-Key": testAdminKey}
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.SaveInboundEvent(ctx, &domain.InboundEvent{
			ID:        uuid.NewString(),
			MailboxID: "mb-1",
			UserID:    "user-1",
			Status:    domain.InboundEventAccepted,
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, f.store.SaveSyncRun(ctx, &domain.MailboxSyncRun{
		ID:          uuid.NewString(),
		MailboxID:   "mb-1",
		UserID:      "user-1",
		Status:      domain.RunStatusFailed,
		StartedAt:   now.Add(-10 * time.Minute),
		CompletedAt: now.Add(-10 * time.Minute),
	}))
	require.NoError(t, f.store.SaveSyncRun(ctx, &domain.MailboxSyncRun{
		ID:          uuid.NewString(),
		MailboxID:   "mb-1",
		UserID:      "user-1",
		Status:      domain.RunStatusSuccess,
		StartedAt:   now.Add(-5 * time.Minute),
		CompletedAt: now.Add(-5 * time.Minute),
	}))

	t.Run("事件列表遵守limit", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/v1/observability/inbound-events?limit=2", nil, adminHeaders)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeResponse(t, rec)
		items, ok := resp.Data.([]interface{})
		require.True(t, ok)
		assert.Len(t, items, 2)
	})

	t.Run("执行列表按状态过滤", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/v1/observability/sync-runs?status=FAILED", nil, adminHeaders)
		require.Equal(t, http.StatusOK, rec.Code)

		items, ok := decodeResponse(t, rec).Data.([]interface{})
		require.True(t, ok)
		require.Len(t, items, 1)
	})

	t.Run("聚合统计", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/v1/observability/inbound-stats", nil, adminHeaders)
		require.Equal(t, http.StatusOK, rec.Code)

		data := dataMap(t, decodeResponse(t, rec))
		events, ok := data["events"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(3), events["accepted"])
		runs, ok := data["runs"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(2), runs["total"])
		assert.Equal(t, float64(1), runs["incidents"])
	})

	t.Run("执行趋势桶连续完整", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/v1/observability/trends/runs?hours=6&bucketMinutes=60", nil, adminHeaders)
		require.Equal(t, http.StatusOK, rec.Code)

		items, ok := decodeResponse(t, rec).Data.([]interface{})
		require.True(t, ok)
		assert.Len(t, items, 7)
	})

	t.Run("样本不足时平台分类健康", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/v1/observability/classification", nil, adminHeaders)
		require.Equal(t, http.StatusOK, rec.Code)

		data := dataMap(t, decodeResponse(t, rec))
		assert.Equal(t, "platform", data["scope"])
		runs, ok := data["runs"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, string(domain.HealthStatusHealthy), runs["status"])
	})

	t.Run("健康快照", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/v1/observability/health", nil, adminHeaders)
		require.Equal(t, http.StatusOK, rec.Code)

		data := dataMap(t, decodeResponse(t, rec))
		assert.Equal(t, "OK", data["storage"])
		assert.Equal(t, "NOT_AVAILABLE", data["redis"])
	})
}

func TestInfraEndpoints(t *testing.T) {
	f := newRouterFixture(t, nil)

	t.Run("存活探针", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/healthz", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("就绪探针", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/readyz", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("指标端点", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/metrics", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
