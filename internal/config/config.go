package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	FilePath    string // 日志文件路径，留空只输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type string // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN  string // 数据库连接字符串
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
	Enabled  bool   // 是否启用 Redis（消息标识 L2 缓存）
}

// SyncConfig 定义同步调度器的核心业务配置
type SyncConfig struct {
	PollInterval      time.Duration // 单个邮箱两次拉取的最小间隔
	TickInterval      time.Duration // 调度器扫描到期邮箱的周期
	LeaseTTL          time.Duration // 同步租约有效期，须覆盖最慢的一次完整执行
	WorkerCount       int           // 并发同步的工作协程数
	BatchLimit        int           // 每次扫描最多派发的邮箱数
	PageSize          int           // 向上游单次请求的最大消息数
	MaxRetries        int           // 上游请求可重试错误的最大重试次数
	RetryBackoff      time.Duration // 重试退避基数，按尝试次数线性放大
	ProviderBaseURL   string        // 上游收信服务地址
	ProviderAPIKey    string        // 上游收信服务凭证
	RequestTimeout    time.Duration // 单次上游请求超时
	ProviderRateLimit float64       // 对上游的全局请求速率上限（每秒），0 表示不限速
	RetentionDays     int           // 事件与执行记录保留天数
	PurgeInterval     time.Duration // 保留期清理任务周期
	MessageIDCacheTTL time.Duration // 消息标识快路径缓存有效期
	DrainOnWebhook    bool          // webhook 接受后是否立即调度一次该邮箱的同步
}

// WebhookConfig 定义入站 webhook 验签配置
type WebhookConfig struct {
	SigningKey   string        // HMAC-SHA256 验签密钥
	Token        string        // 入站 webhook 静态令牌，留空跳过令牌校验
	ReplayWindow time.Duration // 时间戳容忍窗口，超出判定为重放
	MaxBodyBytes int64         // 请求体大小上限
	AdminAPIKeys []string      // 管理接口（手动触发、观测端点）的 API Key 列表
	RequireAuth  bool          // 管理接口是否强制鉴权
}

// AlertingConfig 定义 SLA 分类与告警分发配置
type AlertingConfig struct {
	Enabled                bool          // 是否启用告警评估循环
	EvalInterval           time.Duration // 告警评估周期
	WindowHours            int           // 事故率统计窗口（小时）
	MinSampleCount         int           // 低于该样本数判定 insufficient_samples
	WarningRatePercent     float64       // WARNING 阈值（百分比）
	CriticalRatePercent    float64       // CRITICAL 阈值（百分比）
	BaselineWindowHours    int           // 异常检测基线窗口（小时）
	AnomalyMultiplier      float64       // 异常检测相对倍数
	AnomalyMinDeltaPercent float64       // 异常检测绝对增量下限（百分点）
	CooldownMinutes        int           // 同级别重复告警的冷却时间（分钟）
	NotifyWebhookURL       string        // 告警通知 webhook 地址，留空只写日志
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig   // HTTP 服务器配置
	CORS     CORSConfig     // 跨域配置
	Log      LogConfig      // 日志配置
	Database DatabaseConfig // 数据库配置
	Redis    RedisConfig    // Redis 配置
	Sync     SyncConfig     // 同步调度配置
	Webhook  WebhookConfig  // 入站 webhook 配置
	Alerting AlertingConfig // SLA 告警配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILZEN_
// 例如: MAILZEN_SERVER_PORT, MAILZEN_WEBHOOK_SIGNING_KEY
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("mailzen")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file_path", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("sync.poll_interval", "5m")
	viper.SetDefault("sync.tick_interval", "30s")
	viper.SetDefault("sync.lease_ttl", "10m")
	viper.SetDefault("sync.worker_count", 8)
	viper.SetDefault("sync.batch_limit", 100)
	viper.SetDefault("sync.page_size", 50)
	viper.SetDefault("sync.max_retries", 3)
	viper.SetDefault("sync.retry_backoff", "2s")
	viper.SetDefault("sync.provider_base_url", "")
	viper.SetDefault("sync.provider_api_key", "")
	viper.SetDefault("sync.request_timeout", "30s")
	viper.SetDefault("sync.provider_rate_limit", 0.0)
	viper.SetDefault("sync.retention_days", 30)
	viper.SetDefault("sync.purge_interval", "1h")
	viper.SetDefault("sync.message_id_cache_ttl", "24h")
	viper.SetDefault("sync.drain_on_webhook", false)
	viper.SetDefault("webhook.signing_key", "")
	viper.SetDefault("webhook.token", "")
	viper.SetDefault("webhook.replay_window", "5m")
	viper.SetDefault("webhook.max_body_bytes", 1048576)
	viper.SetDefault("webhook.admin_api_keys", "")
	viper.SetDefault("webhook.require_auth", true)
	viper.SetDefault("alerting.enabled", true)
	viper.SetDefault("alerting.eval_interval", "5m")
	viper.SetDefault("alerting.window_hours", 24)
	viper.SetDefault("alerting.min_sample_count", 5)
	viper.SetDefault("alerting.warning_rate_percent", 10)
	viper.SetDefault("alerting.critical_rate_percent", 25)
	viper.SetDefault("alerting.baseline_window_hours", 168)
	viper.SetDefault("alerting.anomaly_multiplier", 2)
	viper.SetDefault("alerting.anomaly_min_delta_percent", 5)
	viper.SetDefault("alerting.cooldown_minutes", 60)
	viper.SetDefault("alerting.notify_webhook_url", "")

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	pollInterval, err := parseDurationKey("sync.poll_interval")
	if err != nil {
		return nil, err
	}
	tickInterval, err := parseDurationKey("sync.tick_interval")
	if err != nil {
		return nil, err
	}
	leaseTTL, err := parseDurationKey("sync.lease_ttl")
	if err != nil {
		return nil, err
	}
	retryBackoff, err := parseDurationKey("sync.retry_backoff")
	if err != nil {
		return nil, err
	}
	requestTimeout, err := parseDurationKey("sync.request_timeout")
	if err != nil {
		return nil, err
	}
	purgeInterval, err := parseDurationKey("sync.purge_interval")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseDurationKey("sync.message_id_cache_ttl")
	if err != nil {
		return nil, err
	}
	replayWindow, err := parseDurationKey("webhook.replay_window")
	if err != nil {
		return nil, err
	}
	evalInterval, err := parseDurationKey("alerting.eval_interval")
	if err != nil {
		return nil, err
	}

	workerCount := viper.GetInt("sync.worker_count")
	if workerCount <= 0 {
		workerCount = 8
	}

	// 租约必须覆盖最慢的一次完整执行，不做执行中续约
	if leaseTTL < time.Minute {
		return nil, fmt.Errorf("sync.lease_ttl must be at least 1 minute, got %s", leaseTTL)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			FilePath:    viper.GetString("log.file_path"),
		},
		Database: DatabaseConfig{
			Type: viper.GetString("database.type"),
			DSN:  viper.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Enabled:  viper.GetBool("redis.enabled"),
		},
		Sync: SyncConfig{
			PollInterval:      pollInterval,
			TickInterval:      tickInterval,
			LeaseTTL:          leaseTTL,
			WorkerCount:       workerCount,
			BatchLimit:        viper.GetInt("sync.batch_limit"),
			PageSize:          viper.GetInt("sync.page_size"),
			MaxRetries:        viper.GetInt("sync.max_retries"),
			RetryBackoff:      retryBackoff,
			ProviderBaseURL:   viper.GetString("sync.provider_base_url"),
			ProviderAPIKey:    viper.GetString("sync.provider_api_key"),
			RequestTimeout:    requestTimeout,
			ProviderRateLimit: viper.GetFloat64("sync.provider_rate_limit"),
			RetentionDays:     viper.GetInt("sync.retention_days"),
			PurgeInterval:     purgeInterval,
			MessageIDCacheTTL: cacheTTL,
			DrainOnWebhook:    viper.GetBool("sync.drain_on_webhook"),
		},
		Webhook: WebhookConfig{
			SigningKey:   viper.GetString("webhook.signing_key"),
			Token:        viper.GetString("webhook.token"),
			ReplayWindow: replayWindow,
			MaxBodyBytes: viper.GetInt64("webhook.max_body_bytes"),
			AdminAPIKeys: parseList(viper.GetString("webhook.admin_api_keys")),
			RequireAuth:  viper.GetBool("webhook.require_auth"),
		},
		Alerting: AlertingConfig{
			Enabled:                viper.GetBool("alerting.enabled"),
			EvalInterval:           evalInterval,
			WindowHours:            viper.GetInt("alerting.window_hours"),
			MinSampleCount:         viper.GetInt("alerting.min_sample_count"),
			WarningRatePercent:     viper.GetFloat64("alerting.warning_rate_percent"),
			CriticalRatePercent:    viper.GetFloat64("alerting.critical_rate_percent"),
			BaselineWindowHours:    viper.GetInt("alerting.baseline_window_hours"),
			AnomalyMultiplier:      viper.GetFloat64("alerting.anomaly_multiplier"),
			AnomalyMinDeltaPercent: viper.GetFloat64("alerting.anomaly_min_delta_percent"),
			CooldownMinutes:        viper.GetInt("alerting.cooldown_minutes"),
			NotifyWebhookURL:       viper.GetString("alerting.notify_webhook_url"),
		},
	}

	// 验签密钥缺失时拒绝启动：未验签的入站通道等于对外开放写入
	if cfg.Webhook.SigningKey == "" {
		return nil, fmt.Errorf("webhook.signing_key is required, set MAILZEN_WEBHOOK_SIGNING_KEY")
	}
	if cfg.Webhook.RequireAuth && len(cfg.Webhook.AdminAPIKeys) == 0 {
		return nil, fmt.Errorf("webhook.admin_api_keys is required when webhook.require_auth is enabled")
	}

	if cfg.Alerting.CriticalRatePercent < cfg.Alerting.WarningRatePercent {
		return nil, fmt.Errorf("alerting.critical_rate_percent (%v) must be >= alerting.warning_rate_percent (%v)",
			cfg.Alerting.CriticalRatePercent, cfg.Alerting.WarningRatePercent)
	}

	return cfg, nil
}

// parseDurationKey 读取并解析时长型配置项
func parseDurationKey(key string) (time.Duration, error) {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
