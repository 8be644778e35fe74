package domain

import "time"

// InboundEventStatus 入站事件处理结论。
type InboundEventStatus string

const (
	InboundEventAccepted     InboundEventStatus = "ACCEPTED"
	InboundEventDeduplicated InboundEventStatus = "DEDUPLICATED"
	InboundEventRejected     InboundEventStatus = "REJECTED"
)

// 拒绝原因码。事件里只记录原因码，不抛异常。
const (
	RejectReasonSignatureInvalid   = "signature_invalid"
	RejectReasonMailboxUnavailable = "mailbox_unavailable"
	RejectReasonQuotaExceeded      = "quota_exceeded"
	RejectReasonEmptyBody          = "empty_body"
)

// InboundEvent 记录对一封候选入站邮件做出的一次决定。
//
// 每次摄取尝试恰好产生一条事件，包括去重与拒绝：
// SLA 分类器依赖完整的事件序列计算拒绝率/去重率。
// 事件是追加写入的，创建后不可变；重复投递会产生第二条
// DEDUPLICATED 事件，幂等性由邮件记录上的唯一约束保证。
type InboundEvent struct {
	ID                 string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID          string             `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	UserID             string             `json:"userId" gorm:"type:varchar(36);index;not null"`
	MessageID          *string            `json:"messageId,omitempty" gorm:"type:varchar(255);index"`
	EmailID            *string            `json:"emailId,omitempty" gorm:"type:varchar(36)"`
	InboundThreadKey   string             `json:"inboundThreadKey,omitempty" gorm:"type:varchar(255)"`
	Status             InboundEventStatus `json:"status" gorm:"type:varchar(20);index;not null"`
	SourceIP           string             `json:"sourceIp,omitempty" gorm:"type:varchar(64)"`
	SignatureValidated bool               `json:"signatureValidated" gorm:"default:false"`
	ErrorReason        string             `json:"errorReason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt          time.Time          `json:"createdAt" gorm:"index"`
}

// EventOutcomeCounts 某个时间窗口内事件结论的聚合计数。
type EventOutcomeCounts struct {
	Total        int
	Accepted     int
	Deduplicated int
	Rejected     int
	LastEventAt  *time.Time
}
