package domain

import "time"

// MailboxSyncLease 表示某个邮箱同步槽位的租约记录。
//
// 每个邮箱只有一行，首次获取时隐式创建，之后永不删除，
// 只通过原子的条件更新（acquire / renew / release）变更。
// 不变式：任一时刻至多存在一个未过期的租约令牌。
type MailboxSyncLease struct {
	MailboxID      string     `json:"mailboxId" gorm:"primaryKey;type:varchar(36)"`
	LeaseToken     string     `json:"leaseToken" gorm:"type:varchar(64)"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ValidAt 判断租约在 now 时刻是否仍然有效。
func (l *MailboxSyncLease) ValidAt(now time.Time) bool {
	return l.LeaseExpiresAt != nil && l.LeaseExpiresAt.After(now)
}

// HeldBy 判断租约在 now 时刻是否由 token 持有。
func (l *MailboxSyncLease) HeldBy(token string, now time.Time) bool {
	return l.ValidAt(now) && l.LeaseToken == token
}
