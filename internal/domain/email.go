package domain

import "time"

// EmailMessage 表示一封被接受后落库的入站邮件。
//
// (MailboxID, InboundMessageID) 上的唯一约束是幂等键：
// 同一封邮件的重复投递在这里触发唯一冲突，被摄取器
// 解释为 DEDUPLICATED 而不是错误。
type EmailMessage struct {
	ID               string  `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID           string  `json:"userId" gorm:"type:varchar(36);index;not null"`
	MailboxID        string  `json:"mailboxId" gorm:"type:varchar(36);not null;uniqueIndex:uq_emails_mailbox_message,priority:1"`
	InboundMessageID *string `json:"inboundMessageId,omitempty" gorm:"type:varchar(255);uniqueIndex:uq_emails_mailbox_message,priority:2"`
	InboundThreadKey string  `json:"inboundThreadKey,omitempty" gorm:"type:varchar(255);index"`
	From             string  `json:"from" gorm:"column:from_address;type:varchar(255)"`
	To               string  `json:"to" gorm:"column:to_addresses;type:varchar(1000)"`
	Subject          string  `json:"subject" gorm:"type:varchar(500)"`
	Body             string  `json:"body" gorm:"type:text"`
	SizeBytes        int64   `json:"sizeBytes" gorm:"default:0"`
	Status           string  `json:"status" gorm:"type:varchar(20);default:NEW"`
	CreatedAt        time.Time `json:"createdAt"`
}
