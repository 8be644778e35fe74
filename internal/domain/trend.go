package domain

import "time"

// RunTrendBucket 固定宽度时间桶内的执行计数，用于看板时序。
type RunTrendBucket struct {
	BucketStart time.Time `json:"bucketStart"`
	Total       int       `json:"total"`
	Success     int       `json:"success"`
	Partial     int       `json:"partial"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Incidents   int       `json:"incidents"`
}

// EventTrendBucket 固定宽度时间桶内的入站事件计数。
type EventTrendBucket struct {
	BucketStart  time.Time `json:"bucketStart"`
	Total        int       `json:"total"`
	Accepted     int       `json:"accepted"`
	Deduplicated int       `json:"deduplicated"`
	Rejected     int       `json:"rejected"`
}
