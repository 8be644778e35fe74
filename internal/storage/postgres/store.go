package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mailzen/syncd/internal/domain"
	"mailzen/syncd/internal/storage"
)

// Store PostgreSQL 存储实现
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	// 配置 GORM
	config := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // 静默模式
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	// 连接数据库
	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}

	// 自动迁移数据库表
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Mailbox{},
		&domain.MailboxSyncLease{},
		&domain.EmailMessage{},
		&domain.InboundEvent{},
		&domain.MailboxSyncRun{},
		&domain.AlertState{},
		&domain.AlertRunRecord{},
	)
}

// isDuplicateKeyError 判断是否唯一约束冲突。
// pgx 返回 SQLSTATE 23505，MySQL 返回 1062，
// gorm 在部分方言上已自行翻译。
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息
func (s *Store) SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	return s.db.WithContext(ctx).Save(mailbox).Error
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&mailbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// GetMailboxByEmail 根据地址获取邮箱
func (s *Store) GetMailboxByEmail(ctx context.Context, email string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.WithContext(ctx).Where("LOWER(email) = LOWER(?)", email).First(&mailbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ListDueMailboxes 返回到期待同步的活跃邮箱，最久未拉取优先
func (s *Store) ListDueMailboxes(ctx context.Context, polledBefore time.Time, limit int) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	q := s.db.WithContext(ctx).
		Where("status = ?", domain.MailboxStatusActive).
		Where("inbound_sync_last_polled_at IS NULL OR inbound_sync_last_polled_at < ?", polledBefore).
		Order("inbound_sync_last_polled_at IS NOT NULL, inbound_sync_last_polled_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&mailboxes).Error; err != nil {
		return nil, err
	}
	return mailboxes, nil
}

// UpdateSyncCursor 持久化拉取游标与最近错误
func (s *Store) UpdateSyncCursor(ctx context.Context, mailboxID string, cursor *string, polledAt time.Time, lastError string) error {
	updates := map[string]interface{}{
		"inbound_sync_last_polled_at": polledAt,
		"inbound_sync_last_error":     lastError,
	}
	if cursor != nil {
		updates["inbound_sync_cursor"] = *cursor
	}
	result := s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ?", mailboxID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// AddMailboxUsedBytes 累加邮箱已用空间
func (s *Store) AddMailboxUsedBytes(ctx context.Context, mailboxID string, delta int64) error {
	result := s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ?", mailboxID).
		Update("used_bytes", gorm.Expr("GREATEST(used_bytes + ?, 0)", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// ========== Lease Repository ==========

// AcquireLease 两步条件获取：先尝试插入首行，已存在时仅当
// 旧租约在 now 时刻已过期才覆盖。不走 ON CONFLICT UPSERT：
// MySQL 方言会把它改写成无条件的 ON DUPLICATE KEY UPDATE，
// 丢掉过期守卫。守卫写在显式 WHERE 里，两种方言渲染一致，
// 互斥性完全落在这两条语句上，进程内不做任何预读判断。
func (s *Store) AcquireLease(ctx context.Context, mailboxID, token string, expiresAt, now time.Time) (bool, error) {
	lease := domain.MailboxSyncLease{
		MailboxID:      mailboxID,
		LeaseToken:     token,
		LeaseExpiresAt: &expiresAt,
		UpdatedAt:      now,
	}
	err := s.db.WithContext(ctx).Create(&lease).Error
	if err == nil {
		return true, nil
	}
	if !isDuplicateKeyError(err) {
		return false, err
	}

	result := s.takeOverLease(ctx, mailboxID, token, expiresAt, now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// takeOverLease 仅当现有租约在 now 时刻已过期时覆盖它
func (s *Store) takeOverLease(ctx context.Context, mailboxID, token string, expiresAt, now time.Time) *gorm.DB {
	return s.db.WithContext(ctx).Model(&domain.MailboxSyncLease{}).
		Where("mailbox_id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)", mailboxID, now).
		Updates(map[string]interface{}{
			"lease_token":      token,
			"lease_expires_at": expiresAt,
			"updated_at":       now,
		})
}

// RenewLease 仅当租约仍由 token 持有且未过期时顺延
func (s *Store) RenewLease(ctx context.Context, mailboxID, token string, expiresAt, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&domain.MailboxSyncLease{}).
		Where("mailbox_id = ? AND lease_token = ? AND lease_expires_at > ?", mailboxID, token, now).
		Updates(map[string]interface{}{
			"lease_expires_at": expiresAt,
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseLease 仅当租约仍由 token 持有时清空
func (s *Store) ReleaseLease(ctx context.Context, mailboxID, token string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&domain.MailboxSyncLease{}).
		Where("mailbox_id = ? AND lease_token = ?", mailboxID, token).
		Updates(map[string]interface{}{
			"lease_token":      "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetLease 返回邮箱当前租约行
func (s *Store) GetLease(ctx context.Context, mailboxID string) (*domain.MailboxSyncLease, error) {
	var lease domain.MailboxSyncLease
	err := s.db.WithContext(ctx).Where("mailbox_id = ?", mailboxID).First(&lease).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lease, nil
}

// ========== Email Repository ==========

// InsertEmail 插入邮件记录，唯一约束冲突映射为 ErrDuplicateKey
func (s *Store) InsertEmail(ctx context.Context, email *domain.EmailMessage) error {
	err := s.db.WithContext(ctx).Create(email).Error
	if err != nil && isDuplicateKeyError(err) {
		return storage.ErrDuplicateKey
	}
	return err
}

// FindEmailByMessageID 根据邮箱与消息标识查找邮件
func (s *Store) FindEmailByMessageID(ctx context.Context, mailboxID, messageID string) (*domain.EmailMessage, error) {
	var email domain.EmailMessage
	err := s.db.WithContext(ctx).
		Where("mailbox_id = ? AND inbound_message_id = ?", mailboxID, messageID).
		First(&email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrEmailNotFound
		}
		return nil, err
	}
	return &email, nil
}

// ========== Inbound Event Repository ==========

// SaveInboundEvent 追加一条入站事件
func (s *Store) SaveInboundEvent(ctx context.Context, event *domain.InboundEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// ListInboundEvents 按条件查询事件，时间倒序
func (s *Store) ListInboundEvents(ctx context.Context, filter storage.InboundEventFilter) ([]domain.InboundEvent, error) {
	q := s.db.WithContext(ctx).Model(&domain.InboundEvent{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.MailboxID != "" {
		q = q.Where("mailbox_id = ?", filter.MailboxID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	q = q.Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var events []domain.InboundEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CountInboundOutcomes 统计窗口内事件结论
func (s *Store) CountInboundOutcomes(ctx context.Context, userID, mailboxID string, since time.Time) (domain.EventOutcomeCounts, error) {
	type row struct {
		Status domain.InboundEventStatus
		Count  int
		Last   *time.Time
	}
	q := s.db.WithContext(ctx).Model(&domain.InboundEvent{}).
		Select("status, COUNT(*) AS count, MAX(created_at) AS last").
		Where("created_at >= ?", since).
		Group("status")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if mailboxID != "" {
		q = q.Where("mailbox_id = ?", mailboxID)
	}
	var rows []row
	if err := q.Find(&rows).Error; err != nil {
		return domain.EventOutcomeCounts{}, err
	}

	var counts domain.EventOutcomeCounts
	for _, r := range rows {
		counts.Total += r.Count
		switch r.Status {
		case domain.InboundEventAccepted:
			counts.Accepted = r.Count
		case domain.InboundEventDeduplicated:
			counts.Deduplicated = r.Count
		case domain.InboundEventRejected:
			counts.Rejected = r.Count
		}
		if r.Last != nil && (counts.LastEventAt == nil || r.Last.After(*counts.LastEventAt)) {
			counts.LastEventAt = r.Last
		}
	}
	return counts, nil
}

// ListActiveEventUserIDs 返回窗口内产生过事件的用户
func (s *Store) ListActiveEventUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&domain.InboundEvent{}).
		Distinct("user_id").
		Where("created_at >= ? AND user_id <> ''", since).
		Order("user_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeInboundEventsBefore 删除截止时间之前的事件
func (s *Store) PurgeInboundEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.InboundEvent{})
	return int(result.RowsAffected), result.Error
}

// ========== Sync Run Repository ==========

// SaveSyncRun 保存（插入或更新）一条执行记录
func (s *Store) SaveSyncRun(ctx context.Context, run *domain.MailboxSyncRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

// ListSyncRuns 按条件查询执行记录，开始时间倒序
func (s *Store) ListSyncRuns(ctx context.Context, filter storage.SyncRunFilter) ([]domain.MailboxSyncRun, error) {
	q := s.db.WithContext(ctx).Model(&domain.MailboxSyncRun{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.MailboxID != "" {
		q = q.Where("mailbox_id = ?", filter.MailboxID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.Since.IsZero() {
		q = q.Where("started_at >= ?", filter.Since)
	}
	q = q.Order("started_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var runs []domain.MailboxSyncRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// CountRunOutcomes 统计窗口内执行终态
func (s *Store) CountRunOutcomes(ctx context.Context, userID, mailboxID string, since time.Time) (domain.RunOutcomeCounts, error) {
	type row struct {
		Status domain.RunStatus
		Count  int
		Last   *time.Time
	}
	q := s.db.WithContext(ctx).Model(&domain.MailboxSyncRun{}).
		Select("status, COUNT(*) AS count, MAX(started_at) AS last").
		Where("started_at >= ?", since).
		Group("status")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if mailboxID != "" {
		q = q.Where("mailbox_id = ?", mailboxID)
	}
	var rows []row
	if err := q.Find(&rows).Error; err != nil {
		return domain.RunOutcomeCounts{}, err
	}

	var counts domain.RunOutcomeCounts
	for _, r := range rows {
		counts.Total += r.Count
		incident := false
		switch r.Status {
		case domain.RunStatusSuccess:
			counts.Success = r.Count
		case domain.RunStatusPartial:
			counts.Partial = r.Count
			incident = true
		case domain.RunStatusFailed:
			counts.Failed = r.Count
			incident = true
		case domain.RunStatusSkipped:
			counts.Skipped = r.Count
		}
		if incident && r.Last != nil && (counts.LastIncidentAt == nil || r.Last.After(*counts.LastIncidentAt)) {
			counts.LastIncidentAt = r.Last
		}
	}
	return counts, nil
}

// ListActiveRunUserIDs 返回窗口内产生过执行记录的用户
func (s *Store) ListActiveRunUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&domain.MailboxSyncRun{}).
		Distinct("user_id").
		Where("started_at >= ? AND user_id <> ''", since).
		Order("user_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeSyncRunsBefore 删除截止时间之前的执行记录
func (s *Store) PurgeSyncRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result := s.db.WithContext(ctx).Where("started_at < ?", cutoff).Delete(&domain.MailboxSyncRun{})
	return int(result.RowsAffected), result.Error
}

// ========== Alert State Repository ==========

// GetOrCreateAlertState 返回范围对应的告警状态，缺失时创建默认态
func (s *Store) GetOrCreateAlertState(ctx context.Context, scope string) (*domain.AlertState, error) {
	var state domain.AlertState
	err := s.db.WithContext(ctx).Where("scope = ?", scope).First(&state).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	state = domain.AlertState{Scope: scope, AlertsEnabled: true}
	// 并发创建同一范围时容忍唯一冲突，重读即可
	if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
		if !isDuplicateKeyError(err) {
			return nil, err
		}
		if err := s.db.WithContext(ctx).Where("scope = ?", scope).First(&state).Error; err != nil {
			return nil, err
		}
	}
	return &state, nil
}

// SaveAlertState 保存告警状态
func (s *Store) SaveAlertState(ctx context.Context, state *domain.AlertState) error {
	return s.db.WithContext(ctx).Save(state).Error
}

// ClearAlertState 清空上次告警记录但保留开关设置
func (s *Store) ClearAlertState(ctx context.Context, scope string) error {
	return s.db.WithContext(ctx).Model(&domain.AlertState{}).
		Where("scope = ?", scope).
		Updates(map[string]interface{}{
			"last_alert_status": "",
			"last_alerted_at":   nil,
		}).Error
}

// ========== Alert Run Repository ==========

// SaveAlertRun 保存一条平台健康评估记录
func (s *Store) SaveAlertRun(ctx context.Context, record *domain.AlertRunRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}

// ListAlertRuns 返回评估记录，时间倒序
func (s *Store) ListAlertRuns(ctx context.Context, since time.Time, limit int) ([]domain.AlertRunRecord, error) {
	q := s.db.WithContext(ctx).Model(&domain.AlertRunRecord{}).Order("evaluated_at DESC")
	if !since.IsZero() {
		q = q.Where("evaluated_at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []domain.AlertRunRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// PurgeAlertRunsBefore 删除截止时间之前的评估记录
func (s *Store) PurgeAlertRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result := s.db.WithContext(ctx).Where("evaluated_at < ?", cutoff).Delete(&domain.AlertRunRecord{})
	return int(result.RowsAffected), result.Error
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 数据库健康检查
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
