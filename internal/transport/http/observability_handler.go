package httptransport

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	defaultBucketMinutes = 60
)

// ========== Observability Handlers ==========

// listInboundEvents 查询最近的入站事件。
func (h *Handler) listInboundEvents(c *gin.Context) {
	filter := storage.InboundEventFilter{
		UserID:    c.Query("userId"),
		MailboxID: c.Query("mailboxId"),
		Status:    domain.InboundEventStatus(c.Query("status")),
		Since:     sinceFromHours(c, 0),
		Limit:     clampLimit(c),
	}

	events, err := h.store.ListInboundEvents(c.Request.Context(), filter)
	if err != nil {
		h.log.Error("list inbound events failed", zap.Error(err))
		InternalError(c, "查询入站事件失败")
		return
	}
	Success(c, events)
}

// listSyncRuns 查询最近的同步执行记录。
func (h *Handler) listSyncRuns(c *gin.Context) {
	filter := storage.SyncRunFilter{
		UserID:    c.Query("userId"),
		MailboxID: c.Query("mailboxId"),
		Status:    domain.RunStatus(c.Query("status")),
		Since:     sinceFromHours(c, 0),
		Limit:     clampLimit(c),
	}

	runs, err := h.store.ListSyncRuns(c.Request.Context(), filter)
	if err != nil {
		h.log.Error("list sync runs failed", zap.Error(err))
		InternalError(c, "查询同步记录失败")
		return
	}
	Success(c, runs)
}

// inboundStats 返回窗口内事件与执行的聚合计数。
func (h *Handler) inboundStats(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Query("userId")
	mailboxID := c.Query("mailboxId")
	since := sinceFromHours(c, h.cfg.Alerting.WindowHours)

	eventCounts, err := h.store.CountInboundOutcomes(ctx, userID, mailboxID, since)
	if err != nil {
		h.log.Error("count inbound outcomes failed", zap.Error(err))
		InternalError(c, "统计入站事件失败")
		return
	}
	runCounts, err := h.store.CountRunOutcomes(ctx, userID, mailboxID, since)
	if err != nil {
		h.log.Error("count run outcomes failed", zap.Error(err))
		InternalError(c, "统计同步记录失败")
		return
	}

	Success(c, gin.H{
		"since": since,
		"events": gin.H{
			"total":        eventCounts.Total,
			"accepted":     eventCounts.Accepted,
			"deduplicated": eventCounts.Deduplicated,
			"rejected":     eventCounts.Rejected,
			"lastEventAt":  eventCounts.LastEventAt,
		},
		"runs": gin.H{
			"total":          runCounts.Total,
			"success":        runCounts.Success,
			"partial":        runCounts.Partial,
			"failed":         runCounts.Failed,
			"skipped":        runCounts.Skipped,
			"incidents":      runCounts.Incidents(),
			"lastIncidentAt": runCounts.LastIncidentAt,
		},
	})
}

// runTrend 返回执行终态的时序桶。
func (h *Handler) runTrend(c *gin.Context) {
	buckets, err := h.trends.RunTrend(
		c.Request.Context(),
		c.Query("userId"),
		c.Query("mailboxId"),
		intQuery(c, "hours", h.cfg.Alerting.WindowHours),
		bucketWidth(c),
	)
	if err != nil {
		h.log.Error("run trend failed", zap.Error(err))
		InternalError(c, "聚合执行趋势失败")
		return
	}
	Success(c, buckets)
}

// eventTrend 返回入站事件结论的时序桶。
func (h *Handler) eventTrend(c *gin.Context) {
	buckets, err := h.trends.EventTrend(
		c.Request.Context(),
		c.Query("userId"),
		c.Query("mailboxId"),
		intQuery(c, "hours", h.cfg.Alerting.WindowHours),
		bucketWidth(c),
	)
	if err != nil {
		h.log.Error("event trend failed", zap.Error(err))
		InternalError(c, "聚合事件趋势失败")
		return
	}
	Success(c, buckets)
}

// classification 按需执行一次健康分类。
// 不带 userId/mailboxId 时评估全平台（异常检测变体）。
func (h *Handler) classification(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Query("userId")
	mailboxID := c.Query("mailboxId")
	thresholds := h.monitor.Thresholds()

	if userID == "" && mailboxID == "" {
		platform, err := h.classifier.ClassifyPlatform(ctx, thresholds)
		if err != nil {
			h.log.Error("classify platform failed", zap.Error(err))
			InternalError(c, "平台健康分类失败")
			return
		}
		Success(c, gin.H{"scope": "platform", "runs": platform})
		return
	}

	runs, err := h.classifier.ClassifyRuns(ctx, userID, mailboxID, thresholds)
	if err != nil {
		h.log.Error("classify runs failed", zap.Error(err))
		InternalError(c, "执行健康分类失败")
		return
	}
	events, err := h.classifier.ClassifyEvents(ctx, userID, mailboxID, thresholds)
	if err != nil {
		h.log.Error("classify events failed", zap.Error(err))
		InternalError(c, "事件健康分类失败")
		return
	}
	Success(c, gin.H{"runs": runs, "events": events})
}

// listAlertRuns 查询平台健康评估的审计记录。
func (h *Handler) listAlertRuns(c *gin.Context) {
	records, err := h.store.ListAlertRuns(
		c.Request.Context(),
		sinceFromHours(c, h.cfg.Alerting.WindowHours),
		clampLimit(c),
	)
	if err != nil {
		h.log.Error("list alert runs failed", zap.Error(err))
		InternalError(c, "查询告警评估记录失败")
		return
	}
	Success(c, records)
}

// healthSnapshot 返回各依赖的健康状态。
func (h *Handler) healthSnapshot(c *gin.Context) {
	Success(c, h.health.CheckHealth())
}

// ========== Query Helpers ==========

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// clampLimit 读取 limit 参数并收敛到可用范围
func clampLimit(c *gin.Context) int {
	limit := intQuery(c, "limit", defaultListLimit)
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// sinceFromHours 把 hours 参数换算为窗口起点，零值表示不限窗口
func sinceFromHours(c *gin.Context, fallbackHours int) time.Time {
	hours := intQuery(c, "hours", fallbackHours)
	if hours <= 0 {
		return time.Time{}
	}
	return time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
}

func bucketWidth(c *gin.Context) time.Duration {
	minutes := intQuery(c, "bucketMinutes", defaultBucketMinutes)
	if minutes < 1 {
		minutes = defaultBucketMinutes
	}
	return time.Duration(minutes) * time.Minute
}
