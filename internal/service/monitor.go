package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailzen/syncd/internal/config"
	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/monitoring"
	"mailzen/syncd/internal/storage"
)

// 告警范围前缀。
const (
	ScopePlatform       = "platform"
	scopeUserRunPrefix  = "incident:user:"
	scopeUserSLAPrefix  = "sla:user:"
	maxUsersPerEvalPass = 500
)

// SLAMonitor 周期性评估同步健康并驱动告警分发。
//
// 每轮评估三层范围：全平台执行健康（含基线异常检测）、
// 每个活跃用户的执行事故率、每个活跃用户的入站拒绝率。
// 范围之间互不影响，单个用户的评估失败不中断整轮。
type SLAMonitor struct {
	store      storage.Store
	classifier *IncidentClassifier
	dispatcher *AlertDispatcher
	metrics    *monitoring.Metrics
	cfg        config.AlertingConfig
	log        *zap.Logger
}

// NewSLAMonitor 创建 SLA 监控器。
func NewSLAMonitor(
	store storage.Store,
	classifier *IncidentClassifier,
	dispatcher *AlertDispatcher,
	metrics *monitoring.Metrics,
	cfg config.AlertingConfig,
	log *zap.Logger,
) *SLAMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &SLAMonitor{
		store:      store,
		classifier: classifier,
		dispatcher: dispatcher,
		metrics:    metrics,
		cfg:        cfg,
		log:        log,
	}
}

// Thresholds 返回当前配置对应的分类阈值。
func (m *SLAMonitor) Thresholds() domain.ThresholdConfig {
	return domain.ThresholdConfig{
		WindowHours:            m.cfg.WindowHours,
		MinSampleCount:         m.cfg.MinSampleCount,
		WarningRatePercent:     m.cfg.WarningRatePercent,
		CriticalRatePercent:    m.cfg.CriticalRatePercent,
		BaselineWindowHours:    m.cfg.BaselineWindowHours,
		AnomalyMultiplier:      m.cfg.AnomalyMultiplier,
		AnomalyMinDeltaPercent: m.cfg.AnomalyMinDeltaPercent,
	}.Normalize()
}

// Run 启动评估循环，阻塞到 ctx 取消。
func (m *SLAMonitor) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.log.Info("sla monitor disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	tick := time.NewTicker(m.cfg.EvalInterval)
	defer tick.Stop()

	m.log.Info("sla monitor started",
		zap.Duration("eval_interval", m.cfg.EvalInterval),
		zap.Int("window_hours", m.cfg.WindowHours),
	)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("sla monitor stopping")
			return ctx.Err()
		case <-tick.C:
			if err := m.EvaluateOnce(ctx); err != nil {
				m.log.Error("sla evaluation pass failed", zap.Error(err))
				m.metrics.RecordError("evaluate", "monitor")
			}
		}
	}
}

// EvaluateOnce 执行一轮完整评估。
func (m *SLAMonitor) EvaluateOnce(ctx context.Context) error {
	thresholds := m.Thresholds()

	if err := m.evaluatePlatform(ctx, thresholds); err != nil {
		return err
	}
	m.evaluateUsers(ctx, thresholds)
	return nil
}

func (m *SLAMonitor) evaluatePlatform(ctx context.Context, thresholds domain.ThresholdConfig) error {
	classification, err := m.classifier.ClassifyPlatform(ctx, thresholds)
	if err != nil {
		return fmt.Errorf("classify platform: %w", err)
	}
	m.dispatch(ctx, ScopePlatform, classification)
	return nil
}

func (m *SLAMonitor) evaluateUsers(ctx context.Context, thresholds domain.ThresholdConfig) {
	since := time.Now().UTC().Add(-time.Duration(thresholds.WindowHours) * time.Hour)

	runUsers, err := m.store.ListActiveRunUserIDs(ctx, since, maxUsersPerEvalPass)
	if err != nil {
		m.log.Error("list active run users failed", zap.Error(err))
	} else {
		for _, userID := range runUsers {
			classification, err := m.classifier.ClassifyRuns(ctx, userID, "", thresholds)
			if err != nil {
				m.log.Warn("classify user runs failed", zap.String("user_id", userID), zap.Error(err))
				continue
			}
			m.dispatch(ctx, scopeUserRunPrefix+userID, classification)
		}
	}

	eventUsers, err := m.store.ListActiveEventUserIDs(ctx, since, maxUsersPerEvalPass)
	if err != nil {
		m.log.Error("list active event users failed", zap.Error(err))
		return
	}
	for _, userID := range eventUsers {
		classification, err := m.classifier.ClassifyEvents(ctx, userID, "", thresholds)
		if err != nil {
			m.log.Warn("classify user events failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		m.dispatch(ctx, scopeUserSLAPrefix+userID, classification)
	}
}

func (m *SLAMonitor) dispatch(ctx context.Context, scope string, classification domain.Classification) {
	outcome, err := m.dispatcher.Dispatch(ctx, scope, classification)
	if err != nil {
		m.log.Error("alert dispatch failed",
			zap.String("scope", scope),
			zap.Error(err),
		)
		m.metrics.RecordError("dispatch", "monitor")
		return
	}
	m.metrics.RecordAlertDispatch(scopeKind(scope), string(outcome))
}

func scopeKind(scope string) string {
	switch {
	case scope == ScopePlatform:
		return "platform"
	case strings.HasPrefix(scope, scopeUserRunPrefix):
		return "user_runs"
	case strings.HasPrefix(scope, scopeUserSLAPrefix):
		return "user_events"
	default:
		return "other"
	}
}
