package domain

import "time"

// MailboxStatus 邮箱状态。
type MailboxStatus string

const (
	MailboxStatusActive    MailboxStatus = "ACTIVE"
	MailboxStatusSuspended MailboxStatus = "SUSPENDED"
	MailboxStatusDisabled  MailboxStatus = "DISABLED"
)

// Mailbox 表示一个参与入站同步的业务邮箱。
//
// 同步协调器只依赖这里的窄契约：邮箱归属、状态、配额
// 以及入站同步游标；其余 CRUD 属性由外部系统维护。
type Mailbox struct {
	ID          string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID      string        `json:"userId" gorm:"type:varchar(36);index;not null"`
	WorkspaceID string        `json:"workspaceId,omitempty" gorm:"type:varchar(36);index"`
	Email       string        `json:"email" gorm:"type:varchar(255);uniqueIndex"`
	Status      MailboxStatus `json:"status" gorm:"type:varchar(20);default:ACTIVE;index"`
	// 配额：QuotaLimitMB <= 0 表示不限制
	QuotaLimitMB int   `json:"quotaLimitMb" gorm:"default:0"`
	UsedBytes    int64 `json:"usedBytes" gorm:"default:0"`
	// 入站同步游标与最近一次拉取记录
	InboundSyncCursor       string     `json:"inboundSyncCursor,omitempty" gorm:"type:varchar(500)"`
	InboundSyncLastPolledAt *time.Time `json:"inboundSyncLastPolledAt,omitempty" gorm:"index"`
	InboundSyncLastError    string     `json:"inboundSyncLastError,omitempty" gorm:"type:varchar(500)"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// Writable 判断邮箱当前是否可以接收入站邮件。
func (m *Mailbox) Writable() bool {
	return m.Status == "" || m.Status == MailboxStatusActive
}

// QuotaExceeded 判断写入 incoming 字节后是否超出配额。
func (m *Mailbox) QuotaExceeded(incoming int64) bool {
	if m.QuotaLimitMB <= 0 {
		return false
	}
	limit := int64(m.QuotaLimitMB) * 1024 * 1024
	return m.UsedBytes+incoming > limit
}
