package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// LocalMessageIDCache 进程内消息标识缓存（L1 缓存）。
//
// 只作为去重判定的快路径：命中时省去一次数据库查询，
// 未命中或进程重启后回落到邮件记录上的唯一约束。
// 使用 sync.Map 实现无锁读取，支持 TTL 过期与定期清理。
type LocalMessageIDCache struct {
	data sync.Map
	ttl  time.Duration
}

type cacheEntry struct {
	emailID   string
	expiresAt time.Time
}

// NewLocalMessageIDCache 创建本地消息标识缓存。
func NewLocalMessageIDCache(ttl time.Duration) *LocalMessageIDCache {
	c := &LocalMessageIDCache{ttl: ttl}

	// 启动定期清理
	go c.cleanupLoop()

	return c
}

func cacheKey(mailboxID, messageID string) string {
	return mailboxID + ":" + strings.ToLower(messageID)
}

// Lookup 查询消息标识是否已见过，返回对应邮件 ID。
func (c *LocalMessageIDCache) Lookup(ctx context.Context, mailboxID, messageID string) (string, bool) {
	val, ok := c.data.Load(cacheKey(mailboxID, messageID))
	if !ok {
		return "", false
	}

	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.data.Delete(cacheKey(mailboxID, messageID))
		return "", false
	}
	return entry.emailID, true
}

// Remember 记录已落库的消息标识。
func (c *LocalMessageIDCache) Remember(ctx context.Context, mailboxID, messageID, emailID string) {
	c.data.Store(cacheKey(mailboxID, messageID), &cacheEntry{
		emailID:   emailID,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// cleanupLoop 定期清理过期条目
func (c *LocalMessageIDCache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.data.Range(func(key, value interface{}) bool {
			entry := value.(*cacheEntry)
			if now.After(entry.expiresAt) {
				c.data.Delete(key)
			}
			return true
		})
	}
}
