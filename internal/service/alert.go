package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"
)

// DispatchOutcome 一次告警评估的处置结论。
type DispatchOutcome string

const (
	DispatchSent               DispatchOutcome = "SENT"
	DispatchClearedHealthy     DispatchOutcome = "CLEARED"
	DispatchSuppressedCooldown DispatchOutcome = "SUPPRESSED_COOLDOWN"
	DispatchSuppressedDisabled DispatchOutcome = "SUPPRESSED_DISABLED"
)

// Alert 一条待分发的告警通知。
type Alert struct {
	Scope          string                `json:"scope"`
	Classification domain.Classification `json:"classification"`
	Escalated      bool                  `json:"escalated"`
	TriggeredAt    time.Time             `json:"triggeredAt"`
}

// Notifier 告警通知出口。
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// AlertDispatcher 决定一次分类结果是否产生对外通知。
//
// 状态机规则：
//   - HEALTHY 静默，并清空该范围的告警状态，
//     下一次 WARNING 重新作为首次告警发出
//   - 严重度升级无条件发出，绕过冷却
//   - 同级别重复告警受冷却时间抑制
//   - 冷却状态只在通知成功送达后更新：故障时宁可重复告警，
//     不可静默丢失
type AlertDispatcher struct {
	states          storage.AlertStateRepository
	notifier        Notifier
	defaultCooldown time.Duration
	log             *zap.Logger
}

// NewAlertDispatcher 创建告警分发器。
func NewAlertDispatcher(states storage.AlertStateRepository, notifier Notifier, defaultCooldown time.Duration, log *zap.Logger) *AlertDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertDispatcher{
		states:          states,
		notifier:        notifier,
		defaultCooldown: defaultCooldown,
		log:             log,
	}
}

// Dispatch 处理一个范围的最新分类结果。
func (d *AlertDispatcher) Dispatch(ctx context.Context, scope string, classification domain.Classification) (DispatchOutcome, error) {
	state, err := d.states.GetOrCreateAlertState(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("load alert state: %w", err)
	}

	if classification.Status == domain.HealthStatusHealthy {
		if state.LastAlertStatus != "" {
			if err := d.states.ClearAlertState(ctx, scope); err != nil {
				return "", fmt.Errorf("clear alert state: %w", err)
			}
			d.log.Info("alert state cleared", zap.String("scope", scope))
		}
		return DispatchClearedHealthy, nil
	}

	if !state.AlertsEnabled {
		return DispatchSuppressedDisabled, nil
	}

	now := time.Now().UTC()
	escalated := classification.Status.MoreSevereThan(state.LastAlertStatus)

	// 冷却只抑制同级别的重复通知，升级与降级都照常发出
	if !escalated && state.LastAlertStatus == classification.Status && state.LastAlertedAt != nil {
		cooldown := d.cooldownFor(state)
		if now.Sub(*state.LastAlertedAt) < cooldown {
			return DispatchSuppressedCooldown, nil
		}
	}

	alert := Alert{
		Scope:          scope,
		Classification: classification,
		Escalated:      escalated,
		TriggeredAt:    now,
	}
	if err := d.notifier.Notify(ctx, alert); err != nil {
		return "", fmt.Errorf("notify %s: %w", scope, err)
	}

	state.LastAlertStatus = classification.Status
	state.LastAlertedAt = &now
	state.UpdatedAt = now
	if err := d.states.SaveAlertState(ctx, state); err != nil {
		// 通知已出，状态写失败最坏导致一次重复告警
		d.log.Warn("failed to persist alert state after delivery",
			zap.String("scope", scope),
			zap.Error(err),
		)
	}
	return DispatchSent, nil
}

func (d *AlertDispatcher) cooldownFor(state *domain.AlertState) time.Duration {
	if state.CooldownMinutes > 0 {
		return time.Duration(state.CooldownMinutes) * time.Minute
	}
	return d.defaultCooldown
}

// LogNotifier 把告警写入结构化日志，是缺省的通知出口。
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier 创建日志通知器。
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

// Notify 记录告警日志。
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.log.Warn("sla alert",
		zap.String("scope", alert.Scope),
		zap.String("severity", string(alert.Classification.Status)),
		zap.String("reason", alert.Classification.Reason),
		zap.Float64("rate_percent", alert.Classification.RatePercent),
		zap.Int("sample_count", alert.Classification.SampleCount),
		zap.Int("incident_count", alert.Classification.IncidentCount),
		zap.Bool("escalated", alert.Escalated),
	)
	return nil
}

// WebhookNotifier 把告警以 JSON 投递到外部 webhook。
type WebhookNotifier struct {
	url      string
	client   *http.Client
	fallback Notifier
}

// NewWebhookNotifier 创建 webhook 通知器。fallback 在投递之外
// 同时执行（通常是日志通知器），保证告警总有本地痕迹。
func NewWebhookNotifier(url string, timeout time.Duration, fallback Notifier) *WebhookNotifier {
	return &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		fallback: fallback,
	}
}

// Notify 投递告警。
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	if n.fallback != nil {
		_ = n.fallback.Notify(ctx, alert)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
