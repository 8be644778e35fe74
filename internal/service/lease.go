package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailzen/syncd/internal/storage"
)

var (
	// ErrLeaseBusy 表示邮箱当前由其他持有者同步。
	ErrLeaseBusy = errors.New("mailbox sync lease busy")
	// ErrLeaseLost 表示续约或释放时租约已不再由本持有者持有。
	ErrLeaseLost = errors.New("mailbox sync lease lost")
)

// LeaseHandle 一次成功获取的租约凭据。
type LeaseHandle struct {
	MailboxID string
	Token     string
	ExpiresAt time.Time
}

// LeaseManager 管理邮箱同步的互斥租约。
//
// 互斥性完全由存储层的原子条件更新保证，本服务不在进程内
// 维护任何持有状态；持有者崩溃后租约随 TTL 过期自愈，
// 无需后台清理任务。
type LeaseManager struct {
	repo storage.LeaseRepository
	ttl  time.Duration
	log  *zap.Logger
}

// NewLeaseManager 创建租约管理器。TTL 须覆盖最慢的一次完整同步，
// 执行过程中不做续约。
func NewLeaseManager(repo storage.LeaseRepository, ttl time.Duration, log *zap.Logger) *LeaseManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &LeaseManager{repo: repo, ttl: ttl, log: log}
}

// Acquire 尝试获取邮箱的同步租约。
// 他人持有未过期租约时返回 ErrLeaseBusy；过期租约可被直接顶替。
func (m *LeaseManager) Acquire(ctx context.Context, mailboxID string) (*LeaseHandle, error) {
	token := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(m.ttl)

	ok, err := m.repo.AcquireLease(ctx, mailboxID, token, expiresAt, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseBusy
	}

	m.log.Debug("sync lease acquired",
		zap.String("mailbox_id", mailboxID),
		zap.Time("expires_at", expiresAt),
	)
	return &LeaseHandle{
		MailboxID: mailboxID,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Renew 顺延租约有效期。租约已被顶替或过期时返回 ErrLeaseLost，
// 调用方必须立即中止当前同步。
func (m *LeaseManager) Renew(ctx context.Context, handle *LeaseHandle) error {
	now := time.Now().UTC()
	expiresAt := now.Add(m.ttl)

	ok, err := m.repo.RenewLease(ctx, handle.MailboxID, handle.Token, expiresAt, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	handle.ExpiresAt = expiresAt
	return nil
}

// Release 释放租约。释放失败只说明租约已过期被他人顶替，
// 同步结果本身仍然有效，调用方记录日志即可。
func (m *LeaseManager) Release(ctx context.Context, handle *LeaseHandle) error {
	ok, err := m.repo.ReleaseLease(ctx, handle.MailboxID, handle.Token)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Warn("sync lease already taken over at release",
			zap.String("mailbox_id", handle.MailboxID),
		)
		return ErrLeaseLost
	}
	return nil
}
