package service

import (
	"context"
	"time"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"
)

// TrendStore 趋势聚合需要的存储能力子集。
type TrendStore interface {
	storage.SyncRunRepository
	storage.InboundEventRepository
}

// TrendAggregator 把执行与事件样本折叠进固定宽度的时间桶，
// 供看板渲染时序曲线。
//
// 桶是零填充的：窗口内没有样本的桶也出现在结果里，
// 曲线不会因为静默时段断开。事故判定与分类器共用
// IsIncident，保证看板与告警口径一致。
type TrendAggregator struct {
	store TrendStore
}

// NewTrendAggregator 创建趋势聚合器。
func NewTrendAggregator(store TrendStore) *TrendAggregator {
	return &TrendAggregator{store: store}
}

// alignBucket 把时间对齐到所属桶的起点。
func alignBucket(t time.Time, width time.Duration) time.Time {
	return t.Truncate(width)
}

// emptyWindow 计算窗口的对齐起点与桶数。
func emptyWindow(now time.Time, windowHours int, width time.Duration) (time.Time, int) {
	if windowHours < 1 {
		windowHours = 24
	}
	if width < time.Minute {
		width = time.Hour
	}
	start := alignBucket(now.Add(-time.Duration(windowHours)*time.Hour), width)
	count := int(alignBucket(now, width).Sub(start)/width) + 1
	return start, count
}

// RunTrend 返回窗口内执行终态的时序桶。
func (a *TrendAggregator) RunTrend(ctx context.Context, userID, mailboxID string, windowHours int, bucketWidth time.Duration) ([]domain.RunTrendBucket, error) {
	now := time.Now().UTC()
	start, count := emptyWindow(now, windowHours, bucketWidth)

	buckets := make([]domain.RunTrendBucket, count)
	for i := range buckets {
		buckets[i].BucketStart = start.Add(time.Duration(i) * bucketWidth)
	}

	runs, err := a.store.ListSyncRuns(ctx, storage.SyncRunFilter{
		UserID:    userID,
		MailboxID: mailboxID,
		Since:     start,
	})
	if err != nil {
		return nil, err
	}

	for i := range runs {
		run := &runs[i]
		idx := int(alignBucket(run.StartedAt, bucketWidth).Sub(start) / bucketWidth)
		if idx < 0 || idx >= count {
			continue
		}
		b := &buckets[idx]
		b.Total++
		switch run.Status {
		case domain.RunStatusSuccess:
			b.Success++
		case domain.RunStatusPartial:
			b.Partial++
		case domain.RunStatusFailed:
			b.Failed++
		case domain.RunStatusSkipped:
			b.Skipped++
		}
		if run.IsIncident() {
			b.Incidents++
		}
	}
	return buckets, nil
}

// EventTrend 返回窗口内入站事件结论的时序桶。
func (a *TrendAggregator) EventTrend(ctx context.Context, userID, mailboxID string, windowHours int, bucketWidth time.Duration) ([]domain.EventTrendBucket, error) {
	now := time.Now().UTC()
	start, count := emptyWindow(now, windowHours, bucketWidth)

	buckets := make([]domain.EventTrendBucket, count)
	for i := range buckets {
		buckets[i].BucketStart = start.Add(time.Duration(i) * bucketWidth)
	}

	events, err := a.store.ListInboundEvents(ctx, storage.InboundEventFilter{
		UserID:    userID,
		MailboxID: mailboxID,
		Since:     start,
	})
	if err != nil {
		return nil, err
	}

	for i := range events {
		ev := &events[i]
		idx := int(alignBucket(ev.CreatedAt, bucketWidth).Sub(start) / bucketWidth)
		if idx < 0 || idx >= count {
			continue
		}
		b := &buckets[idx]
		b.Total++
		switch ev.Status {
		case domain.InboundEventAccepted:
			b.Accepted++
		case domain.InboundEventDeduplicated:
			b.Deduplicated++
		case domain.InboundEventRejected:
			b.Rejected++
		}
	}
	return buckets, nil
}
