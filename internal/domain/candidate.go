package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Candidate 表示一封待摄取的候选入站邮件，
// 可能来自 webhook 推送，也可能来自轮询拉取。
type Candidate struct {
	MailboxEmail string   `json:"mailboxEmail"`
	From         string   `json:"from"`
	To           []string `json:"to,omitempty"`
	Subject      string   `json:"subject"`
	TextBody     string   `json:"textBody,omitempty"`
	HTMLBody     string   `json:"htmlBody,omitempty"`
	MessageID    string   `json:"messageId,omitempty"`
	InReplyTo    string   `json:"inReplyTo,omitempty"`
	SizeBytes    int64    `json:"sizeBytes,omitempty"`
}

var subjectPrefixPattern = regexp.MustCompile(`(?i)^(re|fwd|fw)\s*:\s*`)
var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeAddress 规范化邮件地址：去空白并小写。
func NormalizeAddress(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}

// NormalizeMessageID 规范化消息标识，空串表示缺失。
func NormalizeMessageID(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}

// NormalizeSubjectForThread 规范化主题用于会话键：
// 剥掉 Re/Fwd 前缀、折叠空白、截断到 180 字符。
func NormalizeSubjectForThread(subject string) string {
	out := strings.ToLower(strings.TrimSpace(subject))
	for subjectPrefixPattern.MatchString(out) {
		out = subjectPrefixPattern.ReplaceAllString(out, "")
	}
	out = whitespacePattern.ReplaceAllString(out, " ")
	if len(out) > 180 {
		out = out[:180]
	}
	return out
}

// ThreadKey 派生候选邮件的会话键。
// 优先回复引用，其次消息标识，最后退化为内容指纹。
func (c *Candidate) ThreadKey() string {
	if replyTo := NormalizeMessageID(c.InReplyTo); replyTo != "" {
		return "msg:" + replyTo
	}
	if messageID := NormalizeMessageID(c.MessageID); messageID != "" {
		return "msg:" + messageID
	}
	payload := strings.Join([]string{
		NormalizeAddress(c.MailboxEmail),
		NormalizeAddress(c.From),
		NormalizeSubjectForThread(c.Subject),
	}, ".")
	digest := sha256.Sum256([]byte(payload))
	return "fallback:" + hex.EncodeToString(digest[:])[:32]
}

// ApproximateSizeBytes 估算邮件大小：显式声明优先，
// 否则按主题与正文的字节长度估算，至少为 1。
func (c *Candidate) ApproximateSizeBytes() int64 {
	if c.SizeBytes > 0 {
		return c.SizeBytes
	}
	estimated := int64(len(c.Subject) + len(c.TextBody) + len(c.HTMLBody))
	if estimated < 1 {
		return 1
	}
	return estimated
}

// HasBody 判断候选邮件是否带有任一正文。
func (c *Candidate) HasBody() bool {
	return strings.TrimSpace(c.TextBody) != "" || strings.TrimSpace(c.HTMLBody) != ""
}
