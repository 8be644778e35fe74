package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailzen/syncd/internal/config"
	"mailzen/syncd/internal/health"
	"mailzen/syncd/internal/middleware"
	"mailzen/syncd/internal/monitoring"
	"mailzen/syncd/internal/service"
	"mailzen/syncd/internal/storage"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	coordinator *service.SyncCoordinator
	ingestor    *service.Ingestor
	verifier    *service.SignatureVerifier
	classifier  *service.IncidentClassifier
	trends      *service.TrendAggregator
	monitor     *service.SLAMonitor
	store       storage.Store
	health      *health.HealthChecker
	cfg         *config.Config
	log         *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Coordinator   *service.SyncCoordinator
	Ingestor      *service.Ingestor
	Verifier      *service.SignatureVerifier
	Classifier    *service.IncidentClassifier
	Trends        *service.TrendAggregator
	Monitor       *service.SLAMonitor
	Store         storage.Store
	HealthChecker *health.HealthChecker
	Metrics       *monitoring.Metrics
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
		router.Use(mm.PanicRecovery())
		router.Use(mm.HTTPMetrics())
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())

	maxBody := deps.Config.Webhook.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = middleware.DefaultBodyLimit
	}
	router.Use(middleware.BodySizeLimit(maxBody))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			"X-API-Key", HeaderInboundSignature, HeaderInboundTimestamp, HeaderInboundToken,
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 允许所有来源时必须关闭凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		coordinator: deps.Coordinator,
		ingestor:    deps.Ingestor,
		verifier:    deps.Verifier,
		classifier:  deps.Classifier,
		trends:      deps.Trends,
		monitor:     deps.Monitor,
		store:       deps.Store,
		health:      deps.HealthChecker,
		cfg:         deps.Config,
		log:         log,
	}

	apiKeyAuth := middleware.NewAPIKeyAuth(deps.Config.Webhook.AdminAPIKeys, deps.Config.Webhook.RequireAuth)

	// 健康检查与指标
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.HealthChecker != nil {
		router.GET("/healthz", gin.WrapH(deps.HealthChecker.LiveHandler()))
		router.GET("/readyz", gin.WrapH(deps.HealthChecker.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Inbound Routes（签名 + 令牌校验，不走管理鉴权） ==========
		v1.POST("/inbound/webhook", handler.receiveInbound)

		// ========== Admin Routes ==========
		admin := v1.Group("")
		admin.Use(apiKeyAuth.RequireAPIKey())
		{
			admin.POST("/mailboxes/:id/sync", handler.triggerSync)

			observability := admin.Group("/observability")
			{
				observability.GET("/inbound-events", handler.listInboundEvents)
				observability.GET("/sync-runs", handler.listSyncRuns)
				observability.GET("/inbound-stats", handler.inboundStats)
				observability.GET("/trends/runs", handler.runTrend)
				observability.GET("/trends/events", handler.eventTrend)
				observability.GET("/classification", handler.classification)
				observability.GET("/alert-runs", handler.listAlertRuns)
				observability.GET("/health", handler.healthSnapshot)
			}
		}
	}

	return router
}
