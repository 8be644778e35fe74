package domain

import "time"

// HealthStatus 健康分类结果。
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "HEALTHY"
	HealthStatusWarning  HealthStatus = "WARNING"
	HealthStatusCritical HealthStatus = "CRITICAL"
)

// SeverityRank 返回状态的严重度序，用于比较是否升级。
func (s HealthStatus) SeverityRank() int {
	switch s {
	case HealthStatusCritical:
		return 2
	case HealthStatusWarning:
		return 1
	default:
		return 0
	}
}

// MoreSevereThan 判断 s 是否严格比 other 更严重。
func (s HealthStatus) MoreSevereThan(other HealthStatus) bool {
	return s.SeverityRank() > other.SeverityRank()
}

// Classification 一次健康分类的完整输出。
type Classification struct {
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason"`
	SampleCount   int          `json:"sampleCount"`
	IncidentCount int          `json:"incidentCount"`
	RatePercent   float64      `json:"ratePercent"`
	WindowHours   int          `json:"windowHours"`
	EvaluatedAt   time.Time    `json:"evaluatedAt"`
}

// AlertState 按告警范围（邮箱 / 用户 / 全局）保存的冷却状态。
//
// 只由告警分发器在成功发出通知之后更新；HEALTHY 分类会清空
// 上一次告警状态，使后续的 WARNING 重新作为首次告警发出。
type AlertState struct {
	Scope           string       `json:"scope" gorm:"primaryKey;type:varchar(128)"`
	AlertsEnabled   bool         `json:"alertsEnabled" gorm:"default:true"`
	LastAlertStatus HealthStatus `json:"lastAlertStatus,omitempty" gorm:"type:varchar(20)"`
	LastAlertedAt   *time.Time   `json:"lastAlertedAt,omitempty"`
	CooldownMinutes int          `json:"cooldownMinutes" gorm:"default:0"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// AlertRunRecord 平台健康评估的审计记录，每次评估写一条。
type AlertRunRecord struct {
	ID                  string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Severity            HealthStatus `json:"severity" gorm:"type:varchar(20)"`
	Reason              string       `json:"reason" gorm:"type:varchar(255)"`
	SampleCount         int          `json:"sampleCount" gorm:"default:0"`
	IncidentCount       int          `json:"incidentCount" gorm:"default:0"`
	RatePercent         float64      `json:"ratePercent" gorm:"default:0"`
	BaselineRatePercent float64      `json:"baselineRatePercent" gorm:"default:0"`
	WindowHours         int          `json:"windowHours" gorm:"default:0"`
	EvaluatedAt         time.Time    `json:"evaluatedAt" gorm:"index"`
}
