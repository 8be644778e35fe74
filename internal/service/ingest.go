package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"
)

// IngestStore 摄取器需要的存储能力子集。
type IngestStore interface {
	storage.MailboxRepository
	storage.EmailRepository
	storage.InboundEventRepository
}

// IngestMeta 一次摄取尝试的来源元数据。
type IngestMeta struct {
	SourceIP           string
	SignatureValidated bool
}

// IngestResult 一次摄取尝试的结论。
type IngestResult struct {
	Status    domain.InboundEventStatus
	Reason    string
	EmailID   string
	Event     *domain.InboundEvent
	FromCache bool
}

// Ingestor 负责把候选入站邮件转化为恰好一条事件，
// 以及（仅在接受时）一条邮件记录。
//
// 去重不走先查后写：直接插入并把唯一约束冲突解释为
// DEDUPLICATED，并发的重复投递由数据库裁决。消息标识缓存
// 只是快路径，命中时省一次插入，未命中不影响正确性。
type Ingestor struct {
	store IngestStore
	cache storage.MessageIDCache
	log   *zap.Logger
}

// NewIngestor 创建摄取器。cache 可为 nil，表示不启用快路径。
func NewIngestor(store IngestStore, cache storage.MessageIDCache, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{store: store, cache: cache, log: log}
}

// RejectForSignature 为验签失败的请求记录一条 REJECTED 事件。
// 此时邮箱可能无法定位，事件挂在空邮箱上也要落库，
// 否则攻击面在 SLA 视图里不可见。
func (i *Ingestor) RejectForSignature(ctx context.Context, candidate *domain.Candidate, meta IngestMeta) (*IngestResult, error) {
	mailboxID, userID := "", ""
	if mb, err := i.store.GetMailboxByEmail(ctx, domain.NormalizeAddress(candidate.MailboxEmail)); err == nil {
		mailboxID, userID = mb.ID, mb.UserID
	}
	event, err := i.recordEvent(ctx, mailboxID, userID, candidate, meta, domain.InboundEventRejected, domain.RejectReasonSignatureInvalid, "")
	if err != nil {
		return nil, err
	}
	return &IngestResult{
		Status: domain.InboundEventRejected,
		Reason: domain.RejectReasonSignatureInvalid,
		Event:  event,
	}, nil
}

// Ingest 处理一封已通过验签（或来自可信拉取通道）的候选邮件。
//
// 判定顺序固定：邮箱可用性、配额、正文、去重。顺序靠后的检查
// 只在前面全部通过后执行，保证同一封邮件在不同路径上得到
// 一致的拒绝原因。
func (i *Ingestor) Ingest(ctx context.Context, candidate *domain.Candidate, meta IngestMeta) (*IngestResult, error) {
	mailbox, err := i.store.GetMailboxByEmail(ctx, domain.NormalizeAddress(candidate.MailboxEmail))
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return i.reject(ctx, "", "", candidate, meta, domain.RejectReasonMailboxUnavailable)
		}
		return nil, fmt.Errorf("lookup mailbox: %w", err)
	}
	return i.IngestInto(ctx, mailbox, candidate, meta)
}

// IngestInto 处理目标邮箱已知的候选邮件（轮询路径）。
func (i *Ingestor) IngestInto(ctx context.Context, mailbox *domain.Mailbox, candidate *domain.Candidate, meta IngestMeta) (*IngestResult, error) {
	if !mailbox.Writable() {
		return i.reject(ctx, mailbox.ID, mailbox.UserID, candidate, meta, domain.RejectReasonMailboxUnavailable)
	}

	size := candidate.ApproximateSizeBytes()
	if mailbox.QuotaExceeded(size) {
		return i.reject(ctx, mailbox.ID, mailbox.UserID, candidate, meta, domain.RejectReasonQuotaExceeded)
	}

	if !candidate.HasBody() {
		return i.reject(ctx, mailbox.ID, mailbox.UserID, candidate, meta, domain.RejectReasonEmptyBody)
	}

	messageID := domain.NormalizeMessageID(candidate.MessageID)

	// 快路径：已知消息标识直接判定去重，省一次数据库插入
	if messageID != "" && i.cache != nil {
		if emailID, ok := i.cache.Lookup(ctx, mailbox.ID, messageID); ok {
			event, err := i.recordEvent(ctx, mailbox.ID, mailbox.UserID, candidate, meta, domain.InboundEventDeduplicated, "", emailID)
			if err != nil {
				return nil, err
			}
			return &IngestResult{
				Status:    domain.InboundEventDeduplicated,
				EmailID:   emailID,
				Event:     event,
				FromCache: true,
			}, nil
		}
	}

	email := i.buildEmail(mailbox, candidate, messageID, size)
	if err := i.store.InsertEmail(ctx, email); err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("insert email: %w", err)
		}

		// 唯一冲突即重复投递，尽力补出原邮件 ID 供事件引用
		existingID := ""
		if existing, lookupErr := i.store.FindEmailByMessageID(ctx, mailbox.ID, messageID); lookupErr == nil {
			existingID = existing.ID
		}
		i.remember(ctx, mailbox.ID, messageID, existingID)

		event, err := i.recordEvent(ctx, mailbox.ID, mailbox.UserID, candidate, meta, domain.InboundEventDeduplicated, "", existingID)
		if err != nil {
			return nil, err
		}
		return &IngestResult{
			Status:  domain.InboundEventDeduplicated,
			EmailID: existingID,
			Event:   event,
		}, nil
	}

	// 配额占用只对接受的邮件累加；失败不回滚邮件，只记日志
	if err := i.store.AddMailboxUsedBytes(ctx, mailbox.ID, size); err != nil {
		i.log.Warn("failed to account mailbox usage",
			zap.String("mailbox_id", mailbox.ID),
			zap.Error(err),
		)
	}
	i.remember(ctx, mailbox.ID, messageID, email.ID)

	event, err := i.recordEvent(ctx, mailbox.ID, mailbox.UserID, candidate, meta, domain.InboundEventAccepted, "", email.ID)
	if err != nil {
		return nil, err
	}
	return &IngestResult{
		Status:  domain.InboundEventAccepted,
		EmailID: email.ID,
		Event:   event,
	}, nil
}

func (i *Ingestor) buildEmail(mailbox *domain.Mailbox, candidate *domain.Candidate, messageID string, size int64) *domain.EmailMessage {
	body := candidate.TextBody
	if body == "" {
		body = candidate.HTMLBody
	}

	email := &domain.EmailMessage{
		ID:               uuid.NewString(),
		UserID:           mailbox.UserID,
		MailboxID:        mailbox.ID,
		InboundThreadKey: candidate.ThreadKey(),
		From:             domain.NormalizeAddress(candidate.From),
		To:               joinAddresses(candidate.To),
		Subject:          candidate.Subject,
		Body:             body,
		SizeBytes:        size,
		Status:           "NEW",
		CreatedAt:        time.Now().UTC(),
	}
	if messageID != "" {
		email.InboundMessageID = &messageID
	}
	return email
}

func (i *Ingestor) reject(ctx context.Context, mailboxID, userID string, candidate *domain.Candidate, meta IngestMeta, reason string) (*IngestResult, error) {
	event, err := i.recordEvent(ctx, mailboxID, userID, candidate, meta, domain.InboundEventRejected, reason, "")
	if err != nil {
		return nil, err
	}
	return &IngestResult{
		Status: domain.InboundEventRejected,
		Reason: reason,
		Event:  event,
	}, nil
}

func (i *Ingestor) recordEvent(ctx context.Context, mailboxID, userID string, candidate *domain.Candidate, meta IngestMeta, status domain.InboundEventStatus, reason, emailID string) (*domain.InboundEvent, error) {
	event := &domain.InboundEvent{
		ID:                 uuid.NewString(),
		MailboxID:          mailboxID,
		UserID:             userID,
		InboundThreadKey:   candidate.ThreadKey(),
		Status:             status,
		SourceIP:           meta.SourceIP,
		SignatureValidated: meta.SignatureValidated,
		ErrorReason:        reason,
		CreatedAt:          time.Now().UTC(),
	}
	if messageID := domain.NormalizeMessageID(candidate.MessageID); messageID != "" {
		event.MessageID = &messageID
	}
	if emailID != "" {
		event.EmailID = &emailID
	}
	if err := i.store.SaveInboundEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("save inbound event: %w", err)
	}
	return event, nil
}

func (i *Ingestor) remember(ctx context.Context, mailboxID, messageID, emailID string) {
	if i.cache == nil || messageID == "" || emailID == "" {
		return
	}
	i.cache.Remember(ctx, mailboxID, messageID, emailID)
}

func joinAddresses(addrs []string) string {
	out := ""
	for _, addr := range addrs {
		normalized := domain.NormalizeAddress(addr)
		if normalized == "" {
			continue
		}
		if out != "" {
			out += ","
		}
		out += normalized
	}
	return out
}
