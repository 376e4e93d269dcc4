package router

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/user/moovie-etl/internal/handler"
	"github.com/user/moovie-etl/internal/middleware"
	"go.uber.org/zap"
)

// New 创建运维服务的 gin 引擎
func New(h *handler.Handler, metrics http.Handler, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	RegisterRoutes(r, h, metrics)
	return r
}

// RegisterRoutes 注册所有路由
func RegisterRoutes(r *gin.Engine, h *handler.Handler, metrics http.Handler) {
	// 健康检查
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	// ==================== 运维操作（需要 operator token）====================
	ops := r.Group("/")
	ops.Use(middleware.RequireOperator(h.Config.OpsSecret))
	{
		ops.POST("/sync", h.TriggerSync)
		ops.POST("/state/reset", h.ResetState)
	}
}
