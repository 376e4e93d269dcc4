package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/moovie-etl/internal/config"
	"github.com/user/moovie-etl/internal/middleware"
	"github.com/user/moovie-etl/internal/service"
	"github.com/user/moovie-etl/internal/utils"
	"go.uber.org/zap"
)

// countTTL 索引文档数的缓存时间
const countTTL = 30 * time.Second

// Syncer 同步服务
type Syncer interface {
	Trigger(ctx context.Context) (service.CycleReport, error)
	TriggerAsync()
	ResetWatermark() error
	Watermark() (time.Time, error)
	Stats() service.SyncStats
}

// IndexCounter 索引文档计数
type IndexCounter interface {
	Count(ctx context.Context, index string) (int64, error)
}

// Handler 运维 HTTP 处理器
type Handler struct {
	Config  *config.Config
	Sync    Syncer
	Counter IndexCounter

	counts *utils.TTLCache
	log    *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(cfg *config.Config, sync Syncer, counter IndexCounter, log *zap.Logger) *Handler {
	return &Handler{
		Config:  cfg,
		Sync:    sync,
		Counter: counter,
		counts:  utils.NewTTLCache(countTTL),
		log:     log.Named("ops"),
	}
}

// StatusResponse GET /status
type StatusResponse struct {
	service.SyncStats
	Watermark time.Time         `json:"watermark"`
	Indices   map[string]*int64 `json:"indices"`
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status 当前阶段、上一周期结果、水位和索引文档数
func (h *Handler) Status(c *gin.Context) {
	wm, err := h.Sync.Watermark()
	if err != nil {
		h.log.Error("读取水位失败", zap.Error(err))
		utils.InternalServerError(c, "读取水位失败")
		return
	}

	resp := StatusResponse{
		SyncStats: h.Sync.Stats(),
		Watermark: wm,
		Indices:   make(map[string]*int64),
	}
	for _, index := range []string{h.Config.MoviesIndex, h.Config.PersonsIndex} {
		resp.Indices[index] = h.indexCount(c.Request.Context(), index)
	}
	utils.Success(c, resp)
}

// indexCount 索引不可用时返回 nil，不影响状态接口
func (h *Handler) indexCount(ctx context.Context, index string) *int64 {
	v, err := h.counts.GetOrLoad("count:"+index, func() (interface{}, error) {
		return h.Counter.Count(ctx, index)
	})
	if err != nil {
		h.log.Warn("统计索引文档数失败", zap.String("index", index), zap.Error(err))
		return nil
	}
	n := v.(int64)
	return &n
}

// TriggerSync POST /sync；?wait=true 时同步等待周期结束并返回报告
// 客户端断开只是不再等待，周期本身继续执行
func (h *Handler) TriggerSync(c *gin.Context) {
	operator := middleware.GetOperator(c)

	if c.Query("wait") != "true" {
		h.log.Info("手动触发同步", zap.String("operator", operator))
		h.Sync.TriggerAsync()
		utils.SuccessWithCode(c, http.StatusAccepted, "同步已触发", nil)
		return
	}

	h.log.Info("手动触发同步（等待完成）", zap.String("operator", operator))
	report, err := h.Sync.Trigger(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.Response{
			Code:    http.StatusInternalServerError,
			Message: err.Error(),
			Data:    report,
		})
		return
	}
	h.invalidateCounts()
	utils.Success(c, report)
}

// ResetState POST /state/reset；下个周期全量同步
func (h *Handler) ResetState(c *gin.Context) {
	if err := h.Sync.ResetWatermark(); err != nil {
		h.log.Error("重置水位失败", zap.Error(err))
		utils.InternalServerError(c, "重置水位失败")
		return
	}
	h.log.Warn("水位已被重置", zap.String("operator", middleware.GetOperator(c)))
	utils.SuccessWithCode(c, http.StatusOK, "水位已重置", nil)
}

func (h *Handler) invalidateCounts() {
	h.counts.Delete("count:" + h.Config.MoviesIndex)
	h.counts.Delete("count:" + h.Config.PersonsIndex)
}
