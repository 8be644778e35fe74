package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureMissing = errors.New("signature missing")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrTimestampStale   = errors.New("timestamp outside replay window")
)

// SignatureVerifier 校验入站 webhook 的 HMAC-SHA256 签名。
//
// 签名串为 "{timestamp}.{payloadDigest}"，其中 payloadDigest 由
// 小写化的 mailboxEmail、from、messageId、subject 用 "." 连接而成。
// 时间戳超出容忍窗口按重放拒绝，比较使用常量时间算法。
type SignatureVerifier struct {
	signingKey   []byte
	replayWindow time.Duration
}

// NewSignatureVerifier 创建签名校验器。
func NewSignatureVerifier(signingKey string, replayWindow time.Duration) *SignatureVerifier {
	return &SignatureVerifier{
		signingKey:   []byte(signingKey),
		replayWindow: replayWindow,
	}
}

// PayloadDigest 计算载荷摘要。
// 两个地址小写并去空白，消息标识小写，主题只去空白不改大小写；
// 推送方按同一规则构造摘要，任何偏差都会导致验签失败。
func PayloadDigest(mailboxEmail, from, messageID, subject string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(mailboxEmail)),
		strings.ToLower(strings.TrimSpace(from)),
		strings.ToLower(messageID),
		strings.TrimSpace(subject),
	}
	return strings.Join(parts, ".")
}

// Sign 计算给定时间戳与摘要的签名，测试与出站通知复用。
func (v *SignatureVerifier) Sign(timestamp int64, payloadDigest string) string {
	mac := hmac.New(sha256.New, v.signingKey)
	fmt.Fprintf(mac, "%d.%s", timestamp, payloadDigest)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 校验签名与时间戳。
// 校验失败返回哨兵错误，调用方将其记为 REJECTED 事件而不是系统错误。
func (v *SignatureVerifier) Verify(signature, timestampStr, payloadDigest string, now time.Time) error {
	if signature == "" || timestampStr == "" {
		return ErrSignatureMissing
	}

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}

	issued := time.Unix(timestamp, 0)
	drift := now.Sub(issued)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.replayWindow {
		return ErrTimestampStale
	}

	expected := v.Sign(timestamp, payloadDigest)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}
