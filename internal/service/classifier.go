package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"
)

// 分类原因码。
const (
	ReasonInsufficientSamples = "insufficient_samples"
	ReasonWithinThresholds    = "within_thresholds"
	ReasonWarningRate         = "incident_rate_above_warning"
	ReasonCriticalRate        = "incident_rate_above_critical"
	ReasonAnomalousIncrease   = "anomalous_increase_over_baseline"
)

// ClassifierStore 分类器需要的存储能力子集。
type ClassifierStore interface {
	storage.SyncRunRepository
	storage.InboundEventRepository
	storage.AlertRunRepository
}

// IncidentClassifier 把一个时间窗口内的执行与事件样本
// 归类为 HEALTHY / WARNING / CRITICAL。
//
// 样本不足时一律判 HEALTHY 并标记 insufficient_samples，
// 宁可漏报也不在小样本上放大噪声。分类是纯函数式的：
// 同样的计数与阈值永远得到同样的结论。
type IncidentClassifier struct {
	store ClassifierStore
	log   *zap.Logger
}

// NewIncidentClassifier 创建健康分类器。
func NewIncidentClassifier(store ClassifierStore, log *zap.Logger) *IncidentClassifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &IncidentClassifier{store: store, log: log}
}

// ClassifyCounts 对一组样本计数做纯分类。
func ClassifyCounts(sampleCount, incidentCount int, thresholds domain.ThresholdConfig, now time.Time) domain.Classification {
	t := thresholds.Normalize()
	out := domain.Classification{
		Status:        domain.HealthStatusHealthy,
		Reason:        ReasonWithinThresholds,
		SampleCount:   sampleCount,
		IncidentCount: incidentCount,
		WindowHours:   t.WindowHours,
		EvaluatedAt:   now,
	}

	if sampleCount < t.MinSampleCount {
		out.Reason = ReasonInsufficientSamples
		return out
	}

	out.RatePercent = ratePercent(incidentCount, sampleCount)
	switch {
	case out.RatePercent >= t.CriticalRatePercent:
		out.Status = domain.HealthStatusCritical
		out.Reason = ReasonCriticalRate
	case out.RatePercent >= t.WarningRatePercent:
		out.Status = domain.HealthStatusWarning
		out.Reason = ReasonWarningRate
	}
	return out
}

// ClassifyRuns 按执行事故率对某个用户（或单个邮箱）分类。
func (c *IncidentClassifier) ClassifyRuns(ctx context.Context, userID, mailboxID string, thresholds domain.ThresholdConfig) (domain.Classification, error) {
	t := thresholds.Normalize()
	now := time.Now().UTC()
	since := now.Add(-time.Duration(t.WindowHours) * time.Hour)

	counts, err := c.store.CountRunOutcomes(ctx, userID, mailboxID, since)
	if err != nil {
		return domain.Classification{}, err
	}
	// SKIPPED 不计入样本：没有真正执行过的尝试不反映同步质量
	sampleCount := counts.Total - counts.Skipped
	return ClassifyCounts(sampleCount, counts.Incidents(), t, now), nil
}

// ClassifyEvents 按入站事件拒绝率对某个用户（或单个邮箱）分类。
func (c *IncidentClassifier) ClassifyEvents(ctx context.Context, userID, mailboxID string, thresholds domain.ThresholdConfig) (domain.Classification, error) {
	t := thresholds.Normalize()
	now := time.Now().UTC()
	since := now.Add(-time.Duration(t.WindowHours) * time.Hour)

	counts, err := c.store.CountInboundOutcomes(ctx, userID, mailboxID, since)
	if err != nil {
		return domain.Classification{}, err
	}
	return ClassifyCounts(counts.Total, counts.Rejected, t, now), nil
}

// ClassifyPlatform 对全平台执行健康做异常检测变体的分类，
// 并把每次评估写入审计记录。
//
// 异常判定要求相对与绝对两个条件同时满足：当前事故率至少是
// 基线的 AnomalyMultiplier 倍，且绝对增量不低于
// AnomalyMinDeltaPercent 个百分点。只满足其一不算异常，
// 避免近零基线上的倍数跳变误报。
func (c *IncidentClassifier) ClassifyPlatform(ctx context.Context, thresholds domain.ThresholdConfig) (domain.Classification, error) {
	t := thresholds.Normalize()
	now := time.Now().UTC()
	windowStart := now.Add(-time.Duration(t.WindowHours) * time.Hour)

	current, err := c.store.CountRunOutcomes(ctx, "", "", windowStart)
	if err != nil {
		return domain.Classification{}, err
	}
	sampleCount := current.Total - current.Skipped
	out := ClassifyCounts(sampleCount, current.Incidents(), t, now)

	baselineRate := 0.0
	if out.Reason != ReasonInsufficientSamples && t.BaselineWindowHours > 0 {
		baselineStart := windowStart.Add(-time.Duration(t.BaselineWindowHours) * time.Hour)
		baseline, err := c.store.CountRunOutcomes(ctx, "", "", baselineStart)
		if err != nil {
			return domain.Classification{}, err
		}
		// 基线计数包含当前窗口，剔除后才是前置窗口
		baselineSamples := (baseline.Total - baseline.Skipped) - sampleCount
		baselineIncidents := baseline.Incidents() - current.Incidents()
		if baselineSamples >= t.MinSampleCount {
			baselineRate = ratePercent(baselineIncidents, baselineSamples)
			if isAnomalous(out.RatePercent, baselineRate, t) && out.Status == domain.HealthStatusHealthy {
				out.Status = domain.HealthStatusWarning
				out.Reason = ReasonAnomalousIncrease
			}
		}
	}

	record := &domain.AlertRunRecord{
		ID:                  uuid.NewString(),
		Severity:            out.Status,
		Reason:              out.Reason,
		SampleCount:         out.SampleCount,
		IncidentCount:       out.IncidentCount,
		RatePercent:         out.RatePercent,
		BaselineRatePercent: baselineRate,
		WindowHours:         out.WindowHours,
		EvaluatedAt:         now,
	}
	if err := c.store.SaveAlertRun(ctx, record); err != nil {
		c.log.Warn("failed to persist alert run record", zap.Error(err))
	}

	return out, nil
}

func isAnomalous(currentRate, baselineRate float64, t domain.ThresholdConfig) bool {
	if currentRate < baselineRate*t.AnomalyMultiplier {
		return false
	}
	return currentRate-baselineRate >= t.AnomalyMinDeltaPercent
}

func ratePercent(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
