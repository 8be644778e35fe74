package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"
)

// RunRecorder 记录邮箱同步执行的生命周期。
//
// 一次获得租约的执行恰好产生一条记录；因租约竞争被跳过的
// 尝试记为 SKIPPED，同样入库，调度健康度依赖这个信号。
type RunRecorder struct {
	repo storage.SyncRunRepository
	log  *zap.Logger
}

// NewRunRecorder 创建执行记录器。
func NewRunRecorder(repo storage.SyncRunRepository, log *zap.Logger) *RunRecorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &RunRecorder{repo: repo, log: log}
}

// Begin 开启一条执行记录。记录在 Finalize 时落库，
// 调用方在执行期间累加计数。
func (r *RunRecorder) Begin(mailbox *domain.Mailbox, trigger domain.TriggerSource, correlationID string) *domain.MailboxSyncRun {
	return &domain.MailboxSyncRun{
		ID:               uuid.NewString(),
		MailboxID:        mailbox.ID,
		UserID:           mailbox.UserID,
		WorkspaceID:      mailbox.WorkspaceID,
		TriggerSource:    trigger,
		RunCorrelationID: correlationID,
		StartedAt:        time.Now().UTC(),
	}
}

// Finalize 推导终态并落库。runErr 表示执行本身的致命错误，
// 与单封邮件被拒绝不同，后者只影响计数。
func (r *RunRecorder) Finalize(ctx context.Context, run *domain.MailboxSyncRun, runErr error) error {
	run.CompletedAt = time.Now().UTC()
	run.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	run.Status = DeriveRunStatus(run, runErr)
	if runErr != nil {
		run.ErrorMessage = truncate(runErr.Error(), 500)
	}

	if err := r.repo.SaveSyncRun(ctx, run); err != nil {
		return err
	}
	r.log.Info("sync run finalized",
		zap.String("mailbox_id", run.MailboxID),
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("fetched", run.FetchedMessages),
		zap.Int("accepted", run.AcceptedMessages),
		zap.Int("deduplicated", run.DeduplicatedMessages),
		zap.Int("rejected", run.RejectedMessages),
		zap.Int64("duration_ms", run.DurationMs),
	)
	return nil
}

// RecordSkipped 记录一次因租约竞争被跳过的尝试。
func (r *RunRecorder) RecordSkipped(ctx context.Context, mailbox *domain.Mailbox, trigger domain.TriggerSource, correlationID string) error {
	now := time.Now().UTC()
	run := &domain.MailboxSyncRun{
		ID:               uuid.NewString(),
		MailboxID:        mailbox.ID,
		UserID:           mailbox.UserID,
		WorkspaceID:      mailbox.WorkspaceID,
		TriggerSource:    trigger,
		RunCorrelationID: correlationID,
		Status:           domain.RunStatusSkipped,
		StartedAt:        now,
		CompletedAt:      now,
	}
	return r.repo.SaveSyncRun(ctx, run)
}

// DeriveRunStatus 从计数与执行错误推导终态。
//
//   - 执行错误且一封都没处理成 FAILED
//   - 执行错误但已有成果，或存在被拒绝的邮件，成 PARTIAL
//   - 其余成 SUCCESS（包括零封新邮件的空执行）
func DeriveRunStatus(run *domain.MailboxSyncRun, runErr error) domain.RunStatus {
	if runErr != nil {
		if run.AcceptedMessages == 0 && run.DeduplicatedMessages == 0 {
			return domain.RunStatusFailed
		}
		return domain.RunStatusPartial
	}
	if run.RejectedMessages > 0 {
		return domain.RunStatusPartial
	}
	return domain.RunStatusSuccess
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
