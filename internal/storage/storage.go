package storage

import (
	"context"
	"errors"
	"time"

	"mailzen/syncd/internal/domain"
)

var (
	// ErrMailboxNotFound 邮箱未找到错误
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrEmailNotFound 邮件未找到错误
	ErrEmailNotFound = errors.New("email not found")
	// ErrDuplicateKey 唯一约束冲突。
	// 摄取器依赖它把重复投递解释为 DEDUPLICATED，
	// 而不是把任意持久化错误吞成去重。
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrAlertStateNotFound 告警状态未找到错误
	ErrAlertStateNotFound = errors.New("alert state not found")
)

// MailboxRepository 定义邮箱数据存取操作。
type MailboxRepository interface {
	SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error)
	GetMailboxByEmail(ctx context.Context, email string) (*domain.Mailbox, error)
	// ListDueMailboxes 返回活跃且最近一次拉取早于 polledBefore 的邮箱，
	// 按最久未拉取优先排序，最多 limit 个。对重叠集合重复调用是安全的：
	// 并发冲突由租约裁决。
	ListDueMailboxes(ctx context.Context, polledBefore time.Time, limit int) ([]domain.Mailbox, error)
	// UpdateSyncCursor 持久化拉取游标与最近错误。cursor 为 nil 表示保持不变。
	UpdateSyncCursor(ctx context.Context, mailboxID string, cursor *string, polledAt time.Time, lastError string) error
	AddMailboxUsedBytes(ctx context.Context, mailboxID string, delta int64) error
}

// LeaseRepository 定义同步租约的原子条件更新操作。
// 实现必须保证每个方法是单个原子步骤：数据库实现用条件
// UPDATE/UPSERT，内存实现用互斥锁。
type LeaseRepository interface {
	// AcquireLease 当且仅当已存租约缺失或在 now 时刻已过期时写入新租约，
	// 返回是否取得。
	AcquireLease(ctx context.Context, mailboxID, token string, expiresAt, now time.Time) (bool, error)
	// RenewLease 当且仅当租约仍由 token 持有且未过期时顺延，返回是否成功。
	RenewLease(ctx context.Context, mailboxID, token string, expiresAt, now time.Time) (bool, error)
	// ReleaseLease 当且仅当租约仍由 token 持有时清空，返回是否成功。
	ReleaseLease(ctx context.Context, mailboxID, token string) (bool, error)
	GetLease(ctx context.Context, mailboxID string) (*domain.MailboxSyncLease, error)
}

// EmailRepository 定义邮件记录存取操作。
type EmailRepository interface {
	// InsertEmail 插入邮件记录；(mailboxId, inboundMessageId) 唯一冲突时
	// 返回 ErrDuplicateKey。
	InsertEmail(ctx context.Context, email *domain.EmailMessage) error
	FindEmailByMessageID(ctx context.Context, mailboxID, messageID string) (*domain.EmailMessage, error)
}

// InboundEventFilter 事件查询条件。
type InboundEventFilter struct {
	UserID    string
	MailboxID string
	Status    domain.InboundEventStatus
	Since     time.Time
	Limit     int
}

// InboundEventRepository 定义入站事件存取操作。
type InboundEventRepository interface {
	SaveInboundEvent(ctx context.Context, event *domain.InboundEvent) error
	ListInboundEvents(ctx context.Context, filter InboundEventFilter) ([]domain.InboundEvent, error)
	CountInboundOutcomes(ctx context.Context, userID, mailboxID string, since time.Time) (domain.EventOutcomeCounts, error)
	// ListActiveEventUserIDs 返回窗口内产生过事件的用户，供告警评估遍历。
	ListActiveEventUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error)
	PurgeInboundEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SyncRunFilter 执行记录查询条件。
type SyncRunFilter struct {
	UserID    string
	MailboxID string
	Status    domain.RunStatus
	Since     time.Time
	Limit     int
}

// SyncRunRepository 定义同步执行记录存取操作。
type SyncRunRepository interface {
	SaveSyncRun(ctx context.Context, run *domain.MailboxSyncRun) error
	ListSyncRuns(ctx context.Context, filter SyncRunFilter) ([]domain.MailboxSyncRun, error)
	CountRunOutcomes(ctx context.Context, userID, mailboxID string, since time.Time) (domain.RunOutcomeCounts, error)
	ListActiveRunUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error)
	PurgeSyncRunsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AlertStateRepository 定义告警冷却状态存取操作。
type AlertStateRepository interface {
	// GetOrCreateAlertState 返回范围对应的状态，缺失时创建默认态（告警开启）。
	GetOrCreateAlertState(ctx context.Context, scope string) (*domain.AlertState, error)
	SaveAlertState(ctx context.Context, state *domain.AlertState) error
	// ClearAlertState 清空上次告警记录但保留开关设置。
	ClearAlertState(ctx context.Context, scope string) error
}

// AlertRunRepository 定义平台健康评估审计记录操作。
type AlertRunRepository interface {
	SaveAlertRun(ctx context.Context, record *domain.AlertRunRecord) error
	ListAlertRuns(ctx context.Context, since time.Time, limit int) ([]domain.AlertRunRecord, error)
	PurgeAlertRunsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MessageIDCache 消息标识去重快路径缓存。
// 命中可以省一次数据库往返，但权威判定始终是邮件记录上的
// 唯一约束；缓存丢失只影响性能，不影响正确性。
type MessageIDCache interface {
	Lookup(ctx context.Context, mailboxID, messageID string) (emailID string, ok bool)
	Remember(ctx context.Context, mailboxID, messageID, emailID string)
}

// Store 定义完整的存储接口。
type Store interface {
	MailboxRepository
	LeaseRepository
	EmailRepository
	InboundEventRepository
	SyncRunRepository
	AlertStateRepository
	AlertRunRepository

	Close() error
	Health() error
}
