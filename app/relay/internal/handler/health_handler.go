package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/watchdesk/watchdesk/pkg/database/postgres"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/web"
)

// HealthHandler 运维接口：健康检查与指标导出
type HealthHandler struct {
	db       *postgres.Client
	registry *prometheus.Registry
	logger   logger.Logger
}

// NewHealthHandler 创建运维处理器
func NewHealthHandler(db *postgres.Client, registry *prometheus.Registry, l logger.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		registry: registry,
		logger:   l.Named("handler.health"),
	}
}

// Register 注册路由
func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
}

// Healthz 健康检查，探测会话存储连通性
func (h *HealthHandler) Healthz(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		web.Error(c, http.StatusServiceUnavailable, 503, "store unreachable")
		return
	}
	web.Success(c, gin.H{"status": "ok"})
}
