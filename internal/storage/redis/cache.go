package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MessageIDCache 基于 Redis 的消息标识缓存（L2 缓存）。
//
// 多实例部署时共享去重快路径；Redis 故障被降级为缓存未命中，
// 真正的幂等判定始终由数据库唯一约束兜底。
type MessageIDCache struct {
	client *Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewMessageIDCache 创建 Redis 消息标识缓存
func NewMessageIDCache(client *Client, ttl time.Duration, log *zap.Logger) *MessageIDCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageIDCache{client: client, ttl: ttl, log: log}
}

func (c *MessageIDCache) key(mailboxID, messageID string) string {
	return fmt.Sprintf("inbound:msgid:%s:%s", mailboxID, strings.ToLower(messageID))
}

// Lookup 查询消息标识是否已见过
func (c *MessageIDCache) Lookup(ctx context.Context, mailboxID, messageID string) (string, bool) {
	emailID, err := c.client.Client().Get(ctx, c.key(mailboxID, messageID)).Result()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("message-id cache lookup failed",
				zap.String("mailbox_id", mailboxID),
				zap.Error(err),
			)
		}
		return "", false
	}
	return emailID, true
}

// Remember 记录已落库的消息标识
func (c *MessageIDCache) Remember(ctx context.Context, mailboxID, messageID, emailID string) {
	if err := c.client.Client().Set(ctx, c.key(mailboxID, messageID), emailID, c.ttl).Err(); err != nil {
		c.log.Warn("message-id cache store failed",
			zap.String("mailbox_id", mailboxID),
			zap.Error(err),
		)
	}
}
