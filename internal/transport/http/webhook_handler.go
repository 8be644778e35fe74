package httptransport

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/service"
	"mailzen/syncd/internal/storage"
)

// 入站 webhook 请求头。
const (
	HeaderInboundSignature = "X-Inbound-Signature"
	HeaderInboundTimestamp = "X-Inbound-Timestamp"
	HeaderInboundToken     = "X-Inbound-Token"
)

// inboundResult 入站摄取的响应载荷。
type inboundResult struct {
	Status  domain.InboundEventStatus `json:"status"`
	Reason  string                    `json:"reason,omitempty"`
	EmailID string                    `json:"emailId,omitempty"`
	EventID string                    `json:"eventId,omitempty"`
}

// ========== Inbound Webhook Handlers ==========

// receiveInbound 接收上游推送的入站邮件。
//
// 令牌与签名校验失败不抛系统错误：验签失败记一条 REJECTED
// 事件后返回 401，攻击面在 SLA 视图里保持可见。
func (h *Handler) receiveInbound(c *gin.Context) {
	if !h.webhookTokenValid(c) {
		Unauthorized(c, "无效的 webhook 令牌")
		return
	}

	var payload domain.Candidate
	if err := c.ShouldBindJSON(&payload); err != nil {
		BadRequest(c, "无效的请求参数")
		return
	}
	if strings.TrimSpace(payload.MailboxEmail) == "" {
		BadRequest(c, "缺少目标邮箱地址")
		return
	}

	meta := service.IngestMeta{SourceIP: c.ClientIP()}
	ctx := c.Request.Context()

	digest := service.PayloadDigest(payload.MailboxEmail, payload.From, payload.MessageID, payload.Subject)
	err := h.verifier.Verify(
		c.GetHeader(HeaderInboundSignature),
		c.GetHeader(HeaderInboundTimestamp),
		digest,
		time.Now().UTC(),
	)
	if err != nil {
		result, recErr := h.ingestor.RejectForSignature(ctx, &payload, meta)
		if recErr != nil {
			h.log.Error("failed to record signature rejection", zap.Error(recErr))
			InternalError(c, "入站事件记录失败")
			return
		}
		h.log.Warn("inbound webhook signature rejected",
			zap.String("mailbox", payload.MailboxEmail),
			zap.String("ip", meta.SourceIP),
			zap.Error(err),
		)
		c.JSON(401, Response{
			Code: CodeUnauthorized,
			Msg:  "签名校验失败",
			Data: toInboundResult(result),
		})
		return
	}
	meta.SignatureValidated = true

	result, err := h.ingestor.Ingest(ctx, &payload, meta)
	if err != nil {
		h.log.Error("inbound ingest failed",
			zap.String("mailbox", payload.MailboxEmail),
			zap.Error(err),
		)
		InternalError(c, "入站摄取失败")
		return
	}

	switch result.Status {
	case domain.InboundEventRejected:
		UnprocessableEntity(c, "邮件被拒绝", toInboundResult(result))
	default:
		// 接受后按需调度一次即时同步，补拉同一邮箱的其他新邮件
		if h.cfg.Sync.DrainOnWebhook && result.Status == domain.InboundEventAccepted && result.Event != nil && result.Event.MailboxID != "" {
			h.coordinator.ScheduleMailbox(result.Event.MailboxID, domain.TriggerWebhook)
		}
		Success(c, toInboundResult(result))
	}
}

// webhookTokenValid 校验静态令牌。未配置令牌时放行，仅记警告。
func (h *Handler) webhookTokenValid(c *gin.Context) bool {
	token := h.cfg.Webhook.Token
	if token == "" {
		h.log.Warn("inbound webhook token not configured, skipping token check")
		return true
	}

	candidate := c.GetHeader(HeaderInboundToken)
	if candidate == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			candidate = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return len(candidate) == len(token) &&
		subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}

func toInboundResult(result *service.IngestResult) inboundResult {
	out := inboundResult{
		Status:  result.Status,
		Reason:  result.Reason,
		EmailID: result.EmailID,
	}
	if result.Event != nil {
		out.EventID = result.Event.ID
	}
	return out
}

// ========== Sync Trigger Handlers ==========

// triggerSync 手动触发单个邮箱的即时同步。
func (h *Handler) triggerSync(c *gin.Context) {
	mailboxID := c.Param("id")

	run, err := h.coordinator.TriggerMailbox(c.Request.Context(), mailboxID, domain.TriggerManual)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrMailboxNotFound):
			NotFound(c, "邮箱不存在")
		case errors.Is(err, service.ErrLeaseBusy):
			Conflict(c, "该邮箱正在同步中")
		case errors.Is(err, service.ErrMailboxNotSyncable):
			UnprocessableEntity(c, "邮箱已暂停或停用", nil)
		default:
			h.log.Error("manual sync failed",
				zap.String("mailbox_id", mailboxID),
				zap.Error(err),
			)
			// 运行失败但已有执行记录时，把记录一并返回
			if run != nil {
				UnprocessableEntity(c, "同步未完成", run)
				return
			}
			InternalError(c, "同步执行失败")
		}
		return
	}

	Success(c, run)
}
