package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailzen/syncd/internal/config"
	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/monitoring"
	"mailzen/syncd/internal/pool"
	"mailzen/syncd/internal/provider"
	"mailzen/syncd/internal/storage"
)

// maxPagesPerRun 单次执行的翻页上限，防御上游游标异常导致的死循环。
const maxPagesPerRun = 50

// ErrMailboxNotSyncable 目标邮箱处于暂停或停用状态，拒绝触发同步。
var ErrMailboxNotSyncable = errors.New("mailbox is not active")

// SyncCoordinator 驱动邮箱入站同步的完整生命周期：
// 租约获取、分页拉取、逐封摄取、执行记录与游标推进。
type SyncCoordinator struct {
	store    storage.Store
	leases   *LeaseManager
	ingestor *Ingestor
	recorder *RunRecorder
	client   provider.Client
	workers  *pool.WorkerPool
	metrics  *monitoring.Metrics
	cfg      config.SyncConfig
	log      *zap.Logger
}

// NewSyncCoordinator 创建同步协调器。
func NewSyncCoordinator(
	store storage.Store,
	leases *LeaseManager,
	ingestor *Ingestor,
	recorder *RunRecorder,
	client provider.Client,
	workers *pool.WorkerPool,
	metrics *monitoring.Metrics,
	cfg config.SyncConfig,
	log *zap.Logger,
) *SyncCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncCoordinator{
		store:    store,
		leases:   leases,
		ingestor: ingestor,
		recorder: recorder,
		client:   client,
		workers:  workers,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
	}
}

// Run 启动调度循环，阻塞到 ctx 取消。
// 每个 tick 扫描到期邮箱并派发给协程池；保留期清理按独立周期执行。
func (c *SyncCoordinator) Run(ctx context.Context) error {
	c.workers.Start(ctx)
	defer c.workers.Stop()

	tick := time.NewTicker(c.cfg.TickInterval)
	defer tick.Stop()
	purge := time.NewTicker(c.cfg.PurgeInterval)
	defer purge.Stop()

	c.log.Info("sync scheduler started",
		zap.Duration("tick_interval", c.cfg.TickInterval),
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Int("workers", c.cfg.WorkerCount),
	)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("sync scheduler stopping")
			return ctx.Err()
		case <-tick.C:
			if err := c.dispatchDue(ctx); err != nil {
				c.log.Error("scheduler scan failed", zap.Error(err))
				c.metrics.RecordError("scan", "scheduler")
			}
		case <-purge.C:
			c.purgeExpired(ctx)
		}
	}
}

// dispatchDue 扫描到期邮箱并派发同步任务。
func (c *SyncCoordinator) dispatchDue(ctx context.Context) error {
	polledBefore := time.Now().UTC().Add(-c.cfg.PollInterval)
	due, err := c.store.ListDueMailboxes(ctx, polledBefore, c.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list due mailboxes: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	correlationID := uuid.NewString()
	c.log.Debug("dispatching due mailboxes",
		zap.Int("count", len(due)),
		zap.String("correlation_id", correlationID),
	)

	for i := range due {
		mailbox := due[i]
		submitted := c.workers.TrySubmit(func() {
			c.SyncMailbox(ctx, &mailbox, domain.TriggerScheduler, correlationID)
		})
		// 队列满说明在途任务已够多，剩余邮箱留给下一个 tick，
		// 租约保证它们不会被漏掉或重复
		if !submitted {
			break
		}
	}
	return nil
}

// SyncMailbox 执行一个邮箱的一次完整同步。
// 返回执行记录；租约竞争失败时返回 SKIPPED 记录语义（nil, ErrLeaseBusy）。
func (c *SyncCoordinator) SyncMailbox(ctx context.Context, mailbox *domain.Mailbox, trigger domain.TriggerSource, correlationID string) (*domain.MailboxSyncRun, error) {
	handle, err := c.leases.Acquire(ctx, mailbox.ID)
	if err != nil {
		if errors.Is(err, ErrLeaseBusy) {
			c.metrics.RecordLeaseAcquisition("busy")
			if recErr := c.recorder.RecordSkipped(ctx, mailbox, trigger, correlationID); recErr != nil {
				c.log.Warn("failed to record skipped run",
					zap.String("mailbox_id", mailbox.ID),
					zap.Error(recErr),
				)
			}
			return nil, err
		}
		c.metrics.RecordError("lease_acquire", "sync")
		return nil, err
	}
	c.metrics.RecordLeaseAcquisition("acquired")
	defer func() {
		if relErr := c.leases.Release(ctx, handle); relErr != nil && !errors.Is(relErr, ErrLeaseLost) {
			c.log.Warn("lease release failed",
				zap.String("mailbox_id", mailbox.ID),
				zap.Error(relErr),
			)
		}
	}()

	run := c.recorder.Begin(mailbox, trigger, correlationID)
	runErr := c.pullAndIngest(ctx, mailbox, run)

	if err := c.recorder.Finalize(ctx, run, runErr); err != nil {
		c.log.Error("failed to finalize sync run",
			zap.String("mailbox_id", mailbox.ID),
			zap.Error(err),
		)
		c.metrics.RecordError("finalize", "sync")
	}
	c.recordRunMetrics(run)
	c.advanceCursor(ctx, mailbox, run, runErr)

	return run, runErr
}

// pullAndIngest 分页拉取并逐封摄取，计数累加在 run 上。
func (c *SyncCoordinator) pullAndIngest(ctx context.Context, mailbox *domain.Mailbox, run *domain.MailboxSyncRun) error {
	cursor := mailbox.InboundSyncCursor

	for page := 0; page < maxPagesPerRun; page++ {
		started := time.Now()
		result, err := c.client.FetchPage(ctx, mailbox.Email, cursor, c.cfg.PageSize)
		if err != nil {
			c.metrics.RecordProviderFetch("error", time.Since(started))
			return fmt.Errorf("fetch page: %w", err)
		}
		c.metrics.RecordProviderFetch("ok", time.Since(started))

		run.FetchedMessages += len(result.Messages)
		for i := range result.Messages {
			candidate := &result.Messages[i]
			outcome, err := c.ingestor.IngestInto(ctx, mailbox, candidate, IngestMeta{SignatureValidated: true})
			if err != nil {
				return fmt.Errorf("ingest message: %w", err)
			}
			switch outcome.Status {
			case domain.InboundEventAccepted:
				run.AcceptedMessages++
			case domain.InboundEventDeduplicated:
				run.DeduplicatedMessages++
			case domain.InboundEventRejected:
				run.RejectedMessages++
			}
			c.metrics.RecordInboundEvent(string(outcome.Status), outcome.Reason)
		}

		if result.NextCursor != "" {
			run.NextCursor = result.NextCursor
		}
		// 上游游标不再前进时停止翻页，覆盖 hasMore 异常为真的情况
		if !result.HasMore || result.NextCursor == "" || result.NextCursor == cursor {
			return nil
		}
		cursor = result.NextCursor
	}
	return fmt.Errorf("aborted after %d pages, provider cursor not converging", maxPagesPerRun)
}

// advanceCursor 持久化拉取结果：游标只在执行未失败时推进，
// 失败的执行保留原游标，下一次重试同一批消息（去重保证幂等）。
func (c *SyncCoordinator) advanceCursor(ctx context.Context, mailbox *domain.Mailbox, run *domain.MailboxSyncRun, runErr error) {
	polledAt := time.Now().UTC()
	lastError := ""
	var cursor *string
	if runErr != nil {
		lastError = truncate(runErr.Error(), 500)
	} else if run.NextCursor != "" {
		cursor = &run.NextCursor
	}

	if err := c.store.UpdateSyncCursor(ctx, mailbox.ID, cursor, polledAt, lastError); err != nil {
		c.log.Error("failed to persist sync cursor",
			zap.String("mailbox_id", mailbox.ID),
			zap.Error(err),
		)
		c.metrics.RecordError("cursor", "sync")
	}
}

// ScheduleMailbox 异步调度一次邮箱同步，交给协程池执行。
// 队列满时返回 false 并放弃，下一个调度 tick 会兜底。
func (c *SyncCoordinator) ScheduleMailbox(mailboxID string, trigger domain.TriggerSource) bool {
	return c.workers.TrySubmit(func() {
		mailbox, err := c.store.GetMailbox(context.Background(), mailboxID)
		if err != nil {
			c.log.Warn("scheduled sync target missing",
				zap.String("mailbox_id", mailboxID),
				zap.Error(err),
			)
			return
		}
		if !mailbox.Writable() {
			return
		}
		// 租约竞争在这里是正常结果，不视为错误
		if _, err := c.SyncMailbox(context.Background(), mailbox, trigger, uuid.NewString()); err != nil && !errors.Is(err, ErrLeaseBusy) {
			c.log.Warn("scheduled sync failed",
				zap.String("mailbox_id", mailboxID),
				zap.Error(err),
			)
		}
	})
}

// TriggerMailbox 手动或 webhook 触发单个邮箱的即时同步。
func (c *SyncCoordinator) TriggerMailbox(ctx context.Context, mailboxID string, trigger domain.TriggerSource) (*domain.MailboxSyncRun, error) {
	mailbox, err := c.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	if !mailbox.Writable() {
		return nil, fmt.Errorf("%w: %s", ErrMailboxNotSyncable, mailboxID)
	}
	return c.SyncMailbox(ctx, mailbox, trigger, uuid.NewString())
}

func (c *SyncCoordinator) recordRunMetrics(run *domain.MailboxSyncRun) {
	c.metrics.RecordSyncRun(string(run.Status), string(run.TriggerSource), time.Duration(run.DurationMs)*time.Millisecond)
	c.metrics.RecordSyncMessages("fetched", run.FetchedMessages)
	c.metrics.RecordSyncMessages("accepted", run.AcceptedMessages)
	c.metrics.RecordSyncMessages("deduplicated", run.DeduplicatedMessages)
	c.metrics.RecordSyncMessages("rejected", run.RejectedMessages)
}

// purgeExpired 清理超过保留期的事件、执行与评估记录。
func (c *SyncCoordinator) purgeExpired(ctx context.Context) {
	if c.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.RetentionDays)

	if n, err := c.store.PurgeInboundEventsBefore(ctx, cutoff); err != nil {
		c.log.Error("purge inbound events failed", zap.Error(err))
	} else {
		c.metrics.RecordPurgedRows("inbound_events", n)
	}
	if n, err := c.store.PurgeSyncRunsBefore(ctx, cutoff); err != nil {
		c.log.Error("purge sync runs failed", zap.Error(err))
	} else {
		c.metrics.RecordPurgedRows("mailbox_sync_runs", n)
	}
	if n, err := c.store.PurgeAlertRunsBefore(ctx, cutoff); err != nil {
		c.log.Error("purge alert runs failed", zap.Error(err))
	} else {
		c.metrics.RecordPurgedRows("alert_run_records", n)
	}
}
