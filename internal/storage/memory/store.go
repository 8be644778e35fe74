package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"
)

// Store 使用内存保存同步协调数据，主要用于开发验证与测试。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*domain.Mailbox
	byEmail   map[string]string // email -> mailboxID
	leases    map[string]*domain.MailboxSyncLease
	emails    map[string]*domain.EmailMessage
	// 邮件唯一键索引："mailboxID\x00messageID" -> emailID，
	// 模拟数据库上的复合唯一约束。
	byMessageKey map[string]string
	events       []*domain.InboundEvent
	runs         []*domain.MailboxSyncRun
	alertStates  map[string]*domain.AlertState
	alertRuns    []*domain.AlertRunRecord
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:    make(map[string]*domain.Mailbox),
		byEmail:      make(map[string]string),
		leases:       make(map[string]*domain.MailboxSyncLease),
		emails:       make(map[string]*domain.EmailMessage),
		byMessageKey: make(map[string]string),
		events:       make([]*domain.InboundEvent, 0),
		runs:         make([]*domain.MailboxSyncRun, 0),
		alertStates:  make(map[string]*domain.AlertState),
		alertRuns:    make([]*domain.AlertRunRecord, 0),
	}
}

func messageKey(mailboxID, messageID string) string {
	return mailboxID + "\x00" + strings.ToLower(messageID)
}

// SaveMailbox 保存邮箱信息。
func (s *Store) SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *mailbox
	s.mailboxes[cp.ID] = &cp
	s.byEmail[strings.ToLower(cp.Email)] = cp.ID
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	cp := *mb
	return &cp, nil
}

// GetMailboxByEmail 根据地址获取邮箱。
func (s *Store) GetMailboxByEmail(ctx context.Context, email string) (*domain.Mailbox, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	return s.GetMailbox(ctx, id)
}

// ListDueMailboxes 返回到期待同步的活跃邮箱，按最久未拉取优先。
func (s *Store) ListDueMailboxes(ctx context.Context, polledBefore time.Time, limit int) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.Status != domain.MailboxStatusActive {
			continue
		}
		if mb.InboundSyncLastPolledAt != nil && !mb.InboundSyncLastPolledAt.Before(polledBefore) {
			continue
		}
		due = append(due, *mb)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].InboundSyncLastPolledAt, due[j].InboundSyncLastPolledAt
		switch {
		case a == nil && b == nil:
			return due[i].ID < due[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// UpdateSyncCursor 持久化拉取游标与最近错误。
func (s *Store) UpdateSyncCursor(ctx context.Context, mailboxID string, cursor *string, polledAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	if cursor != nil {
		mb.InboundSyncCursor = *cursor
	}
	polled := polledAt
	mb.InboundSyncLastPolledAt = &polled
	mb.InboundSyncLastError = lastError
	return nil
}

// AddMailboxUsedBytes 累加邮箱已用空间。
func (s *Store) AddMailboxUsedBytes(ctx context.Context, mailboxID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mb.UsedBytes += delta
	if mb.UsedBytes < 0 {
		mb.UsedBytes = 0
	}
	return nil
}

// AcquireLease 仅当租约缺失或已过期时写入新租约。
func (s *Store) AcquireLease(ctx context.Context, mailboxID, token string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[mailboxID]; ok && lease.ValidAt(now) {
		return false, nil
	}
	exp := expiresAt
	s.leases[mailboxID] = &domain.MailboxSyncLease{
		MailboxID:      mailboxID,
		LeaseToken:     token,
		LeaseExpiresAt: &exp,
		UpdatedAt:      now,
	}
	return true, nil
}

// RenewLease 仅当租约仍由 token 持有且未过期时顺延。
func (s *Store) RenewLease(ctx context.Context, mailboxID, token string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[mailboxID]
	if !ok || !lease.HeldBy(token, now) {
		return false, nil
	}
	exp := expiresAt
	lease.LeaseExpiresAt = &exp
	lease.UpdatedAt = now
	return true, nil
}

// ReleaseLease 仅当租约仍由 token 持有时清空。
func (s *Store) ReleaseLease(ctx context.Context, mailboxID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[mailboxID]
	if !ok || lease.LeaseToken != token {
		return false, nil
	}
	lease.LeaseToken = ""
	lease.LeaseExpiresAt = nil
	return true, nil
}

// GetLease 返回邮箱当前租约行。
func (s *Store) GetLease(ctx context.Context, mailboxID string) (*domain.MailboxSyncLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lease, ok := s.leases[mailboxID]
	if !ok {
		return nil, nil
	}
	cp := *lease
	return &cp, nil
}

// InsertEmail 插入邮件记录，唯一键冲突时返回 ErrDuplicateKey。
func (s *Store) InsertEmail(ctx context.Context, email *domain.EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if email.InboundMessageID != nil && *email.InboundMessageID != "" {
		key := messageKey(email.MailboxID, *email.InboundMessageID)
		if _, exists := s.byMessageKey[key]; exists {
			return storage.ErrDuplicateKey
		}
		s.byMessageKey[key] = email.ID
	}
	cp := *email
	s.emails[cp.ID] = &cp
	return nil
}

// FindEmailByMessageID 根据邮箱与消息标识查找邮件。
func (s *Store) FindEmailByMessageID(ctx context.Context, mailboxID, messageID string) (*domain.EmailMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byMessageKey[messageKey(mailboxID, messageID)]
	if !ok {
		return nil, storage.ErrEmailNotFound
	}
	cp := *s.emails[id]
	return &cp, nil
}

// SaveInboundEvent 追加一条入站事件。
func (s *Store) SaveInboundEvent(ctx context.Context, event *domain.InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// ListInboundEvents 按条件查询事件，时间倒序。
func (s *Store) ListInboundEvents(ctx context.Context, filter storage.InboundEventFilter) ([]domain.InboundEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InboundEvent, 0)
	for _, ev := range s.events {
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		if filter.MailboxID != "" && ev.MailboxID != filter.MailboxID {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && ev.CreatedAt.Before(filter.Since) {
			continue
		}
		result = append(result, *ev)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CountInboundOutcomes 统计窗口内各结果的事件数。
func (s *Store) CountInboundOutcomes(ctx context.Context, userID, mailboxID string, since time.Time) (domain.EventOutcomeCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts domain.EventOutcomeCounts
	for _, ev := range s.events {
		if userID != "" && ev.UserID != userID {
			continue
		}
		if mailboxID != "" && ev.MailboxID != mailboxID {
			continue
		}
		if ev.CreatedAt.Before(since) {
			continue
		}
		counts.Total++
		switch ev.Status {
		case domain.InboundEventAccepted:
			counts.Accepted++
		case domain.InboundEventDeduplicated:
			counts.Deduplicated++
		case domain.InboundEventRejected:
			counts.Rejected++
		}
		if counts.LastEventAt == nil || ev.CreatedAt.After(*counts.LastEventAt) {
			t := ev.CreatedAt
			counts.LastEventAt = &t
		}
	}
	return counts, nil
}

// ListActiveEventUserIDs 返回窗口内产生过事件的用户。
func (s *Store) ListActiveEventUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, ev := range s.events {
		if ev.CreatedAt.Before(since) || ev.UserID == "" {
			continue
		}
		seen[ev.UserID] = struct{}{}
	}
	return sortedKeys(seen, limit), nil
}

// PurgeInboundEventsBefore 删除截止时间之前的事件，返回删除条数。
func (s *Store) PurgeInboundEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for _, ev := range s.events {
		if ev.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}

// SaveSyncRun 保存（插入或覆盖）一条执行记录。
func (s *Store) SaveSyncRun(ctx context.Context, run *domain.MailboxSyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	for i, existing := range s.runs {
		if existing.ID == cp.ID {
			s.runs[i] = &cp
			return nil
		}
	}
	s.runs = append(s.runs, &cp)
	return nil
}

// ListSyncRuns 按条件查询执行记录，开始时间倒序。
func (s *Store) ListSyncRuns(ctx context.Context, filter storage.SyncRunFilter) ([]domain.MailboxSyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MailboxSyncRun, 0)
	for _, run := range s.runs {
		if filter.UserID != "" && run.UserID != filter.UserID {
			continue
		}
		if filter.MailboxID != "" && run.MailboxID != filter.MailboxID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && run.StartedAt.Before(filter.Since) {
			continue
		}
		result = append(result, *run)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CountRunOutcomes 统计窗口内各状态的执行数。
func (s *Store) CountRunOutcomes(ctx context.Context, userID, mailboxID string, since time.Time) (domain.RunOutcomeCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts domain.RunOutcomeCounts
	for _, run := range s.runs {
		if userID != "" && run.UserID != userID {
			continue
		}
		if mailboxID != "" && run.MailboxID != mailboxID {
			continue
		}
		if run.StartedAt.Before(since) {
			continue
		}
		counts.Total++
		switch run.Status {
		case domain.RunStatusSuccess:
			counts.Success++
		case domain.RunStatusPartial:
			counts.Partial++
		case domain.RunStatusFailed:
			counts.Failed++
		case domain.RunStatusSkipped:
			counts.Skipped++
		}
		if run.IsIncident() && (counts.LastIncidentAt == nil || run.StartedAt.After(*counts.LastIncidentAt)) {
			t := run.StartedAt
			counts.LastIncidentAt = &t
		}
	}
	return counts, nil
}

// ListActiveRunUserIDs 返回窗口内产生过执行记录的用户。
func (s *Store) ListActiveRunUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, run := range s.runs {
		if run.StartedAt.Before(since) || run.UserID == "" {
			continue
		}
		seen[run.UserID] = struct{}{}
	}
	return sortedKeys(seen, limit), nil
}

// PurgeSyncRunsBefore 删除截止时间之前的执行记录。
func (s *Store) PurgeSyncRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.runs[:0]
	removed := 0
	for _, run := range s.runs {
		if run.StartedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, run)
	}
	s.runs = kept
	return removed, nil
}

// GetOrCreateAlertState 返回范围对应的告警状态，缺失时创建默认态。
func (s *Store) GetOrCreateAlertState(ctx context.Context, scope string) (*domain.AlertState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.alertStates[scope]; ok {
		cp := *state
		return &cp, nil
	}
	state := &domain.AlertState{
		Scope:         scope,
		AlertsEnabled: true,
	}
	s.alertStates[scope] = state
	cp := *state
	return &cp, nil
}

// SaveAlertState 保存告警状态。
func (s *Store) SaveAlertState(ctx context.Context, state *domain.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.alertStates[cp.Scope] = &cp
	return nil
}

// ClearAlertState 清空上次告警记录但保留开关设置。
func (s *Store) ClearAlertState(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.alertStates[scope]
	if !ok {
		return nil
	}
	state.LastAlertStatus = ""
	state.LastAlertedAt = nil
	return nil
}

// SaveAlertRun 保存一条平台健康评估记录。
func (s *Store) SaveAlertRun(ctx context.Context, record *domain.AlertRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.alertRuns = append(s.alertRuns, &cp)
	return nil
}

// ListAlertRuns 返回评估记录，时间倒序。
func (s *Store) ListAlertRuns(ctx context.Context, since time.Time, limit int) ([]domain.AlertRunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AlertRunRecord, 0)
	for _, rec := range s.alertRuns {
		if !since.IsZero() && rec.EvaluatedAt.Before(since) {
			continue
		}
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].EvaluatedAt.After(result[j].EvaluatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PurgeAlertRunsBefore 删除截止时间之前的评估记录。
func (s *Store) PurgeAlertRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.alertRuns[:0]
	removed := 0
	for _, rec := range s.alertRuns {
		if rec.EvaluatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.alertRuns = kept
	return removed, nil
}

// Close 关闭存储（内存实现为空操作）。
func (s *Store) Close() error { return nil }

// Health 健康检查。
func (s *Store) Health() error { return nil }

func sortedKeys(set map[string]struct{}, limit int) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
