package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage/memory"
)

type captureNotifier struct {
	alerts []Alert
	err    error
}

func (n *captureNotifier) Notify(_ context.Context, alert Alert) error {
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, alert)
	return nil
}

func classificationWith(status domain.HealthStatus) domain.Classification {
	return domain.Classification{
		Status:      status,
		Reason:      ReasonWarningRate,
		SampleCount: 20,
		RatePercent: 15,
		EvaluatedAt: time.Now().UTC(),
	}
}

func TestAlertDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("首次警告发出并记录状态", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &captureNotifier{}
		dispatcher := NewAlertDispatcher(store, notifier, time.Hour, nil)

		outcome, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)
		assert.Equal(t, DispatchSent, outcome)
		require.Len(t, notifier.alerts, 1)
		// 从无状态到 WARNING 视为升级
		assert.True(t, notifier.alerts[0].Escalated)

		state, err := store.GetOrCreateAlertState(ctx, "sla:user:u1")
		require.NoError(t, err)
		assert.Equal(t, domain.HealthStatusWarning, state.LastAlertStatus)
		require.NotNil(t, state.LastAlertedAt)
	})

	t.Run("冷却期内同级别重复被抑制", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &captureNotifier{}
		dispatcher := NewAlertDispatcher(store, notifier, time.Hour, nil)

		_, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)

		outcome, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)
		assert.Equal(t, DispatchSuppressedCooldown, outcome)
		assert.Len(t, notifier.alerts, 1)
	})

	t.Run("升级绕过冷却", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &captureNotifier{}
		dispatcher := NewAlertDispatcher(store, notifier, time.Hour, nil)

		_, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)

		outcome, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusCritical))
		require.NoError(t, err)
		assert.Equal(t, DispatchSent, outcome)
		require.Len(t, notifier.alerts, 2)
		assert.True(t, notifier.alerts[1].Escalated)
	})

	t.Run("降级同样发出", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &captureNotifier{}
		dispatcher := NewAlertDispatcher(store, notifier, time.Hour, nil)

		_, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusCritical))
		require.NoError(t, err)

		outcome, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)
		assert.Equal(t, DispatchSent, outcome)
		require.Len(t, notifier.alerts, 2)
		assert.False(t, notifier.alerts[1].Escalated)
	})

	t.Run("HEALTHY 静默并清空状态", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &captureNotifier{}
		dispatcher := NewAlertDispatcher(store, notifier, time.Hour, nil)

		_, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)

		outcome, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusHealthy))
		require.NoError(t, err)
		assert.Equal(t, DispatchClearedHealthy, outcome)
		assert.Len(t, notifier.alerts, 1)

		// 清空后的 WARNING 重新作为首次告警，不受冷却抑制
		outcome, err = dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)
		assert.Equal(t, DispatchSent, outcome)
		assert.Len(t, notifier.alerts, 2)
	})

	t.Run("告警开关关闭时抑制", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &captureNotifier{}
		dispatcher := NewAlertDispatcher(store, notifier, time.Hour, nil)

		state, err := store.GetOrCreateAlertState(ctx, "sla:user:u1")
		require.NoError(t, err)
		state.AlertsEnabled = false
		require.NoError(t, store.SaveAlertState(ctx, state))

		outcome, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusCritical))
		require.NoError(t, err)
		assert.Equal(t, DispatchSuppressedDisabled, outcome)
		assert.Empty(t, notifier.alerts)
	})

	t.Run("通知失败不更新状态", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &captureNotifier{err: errors.New("webhook down")}
		dispatcher := NewAlertDispatcher(store, notifier, time.Hour, nil)

		_, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.Error(t, err)

		state, err := store.GetOrCreateAlertState(ctx, "sla:user:u1")
		require.NoError(t, err)
		assert.Empty(t, state.LastAlertStatus)
		assert.Nil(t, state.LastAlertedAt)

		// 恢复后重新投递成功
		notifier.err = nil
		outcome, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)
		assert.Equal(t, DispatchSent, outcome)
	})

	t.Run("状态自带冷却覆盖缺省值", func(t *testing.T) {
		store := memory.NewStore()
		notifier := &captureNotifier{}
		dispatcher := NewAlertDispatcher(store, notifier, 24*time.Hour, nil)

		state, err := store.GetOrCreateAlertState(ctx, "sla:user:u1")
		require.NoError(t, err)
		state.CooldownMinutes = 1
		require.NoError(t, store.SaveAlertState(ctx, state))

		_, err = dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)

		// 人为把上次告警时间拨回冷却之外
		state, err = store.GetOrCreateAlertState(ctx, "sla:user:u1")
		require.NoError(t, err)
		past := time.Now().UTC().Add(-2 * time.Minute)
		state.LastAlertedAt = &past
		require.NoError(t, store.SaveAlertState(ctx, state))

		outcome, err := dispatcher.Dispatch(ctx, "sla:user:u1", classificationWith(domain.HealthStatusWarning))
		require.NoError(t, err)
		assert.Equal(t, DispatchSent, outcome)
	})
}

func TestWebhookNotifier(t *testing.T) {
	t.Run("成功投递", func(t *testing.T) {
		var received Alert
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, jsonDecode(r, &received))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		fallback := &captureNotifier{}
		notifier := NewWebhookNotifier(server.URL, 5*time.Second, fallback)

		alert := Alert{Scope: "platform", Classification: classificationWith(domain.HealthStatusCritical)}
		require.NoError(t, notifier.Notify(context.Background(), alert))
		assert.Equal(t, "platform", received.Scope)
		// fallback 同时执行，保证本地痕迹
		assert.Len(t, fallback.alerts, 1)
	})

	t.Run("非 2xx 返回错误", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		notifier := NewWebhookNotifier(server.URL, 5*time.Second, nil)
		err := notifier.Notify(context.Background(), Alert{Scope: "platform"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
