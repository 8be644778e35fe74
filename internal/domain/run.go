package domain

import "time"

// RunStatus 同步执行的终态。
type RunStatus string

const (
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusPartial RunStatus = "PARTIAL"
	RunStatusFailed  RunStatus = "FAILED"
	RunStatusSkipped RunStatus = "SKIPPED"
)

// TriggerSource 同步触发来源。
type TriggerSource string

const (
	TriggerScheduler TriggerSource = "SCHEDULER"
	TriggerManual    TriggerSource = "MANUAL"
	TriggerWebhook   TriggerSource = "WEBHOOK"
)

// RunCounts 一次同步执行内各结论的消息计数。
type RunCounts struct {
	Fetched      int `json:"fetchedMessages"`
	Accepted     int `json:"acceptedMessages"`
	Deduplicated int `json:"deduplicatedMessages"`
	Rejected     int `json:"rejectedMessages"`
}

// MailboxSyncRun 记录一次持有租约的完整同步执行。
//
// 对任何到达完成态的执行（非 FAILED），
// Fetched = Accepted + Deduplicated + Rejected 恒成立；
// FAILED 的执行可能提前中止，调用方不得依赖该恒等式。
type MailboxSyncRun struct {
	ID                   string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID            string        `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	UserID               string        `json:"userId" gorm:"type:varchar(36);index;not null"`
	WorkspaceID          string        `json:"workspaceId,omitempty" gorm:"type:varchar(36);index"`
	TriggerSource        TriggerSource `json:"triggerSource" gorm:"type:varchar(20);default:SCHEDULER;index"`
	RunCorrelationID     string        `json:"runCorrelationId" gorm:"type:varchar(64);index"`
	Status               RunStatus     `json:"status" gorm:"type:varchar(20);index;not null"`
	FetchedMessages      int           `json:"fetchedMessages" gorm:"default:0"`
	AcceptedMessages     int           `json:"acceptedMessages" gorm:"default:0"`
	DeduplicatedMessages int           `json:"deduplicatedMessages" gorm:"default:0"`
	RejectedMessages     int           `json:"rejectedMessages" gorm:"default:0"`
	NextCursor           string        `json:"nextCursor,omitempty" gorm:"type:varchar(500)"`
	ErrorMessage         string        `json:"errorMessage,omitempty" gorm:"type:varchar(500)"`
	StartedAt            time.Time     `json:"startedAt" gorm:"index"`
	CompletedAt          time.Time     `json:"completedAt" gorm:"index"`
	DurationMs           int64         `json:"durationMs" gorm:"default:0"`
}

// IsIncident 判断该执行是否计入事故率。
// 分类器与趋势聚合必须使用同一套判定，否则看板与告警会不一致。
func (r *MailboxSyncRun) IsIncident() bool {
	return r.Status == RunStatusFailed || r.Status == RunStatusPartial
}

// RunOutcomeCounts 某个时间窗口内执行终态的聚合计数。
type RunOutcomeCounts struct {
	Total          int
	Success        int
	Partial        int
	Failed         int
	Skipped        int
	LastIncidentAt *time.Time
}

// Incidents 返回计入事故率的执行数（FAILED + PARTIAL）。
func (c RunOutcomeCounts) Incidents() int {
	return c.Failed + c.Partial
}
