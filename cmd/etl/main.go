package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // 确保在精简镜像中也能识别时区

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/user/moovie-etl/internal/config"
	"github.com/user/moovie-etl/internal/handler"
	"github.com/user/moovie-etl/internal/logger"
	"github.com/user/moovie-etl/internal/metrics"
	"github.com/user/moovie-etl/internal/repository"
	"github.com/user/moovie-etl/internal/router"
	"github.com/user/moovie-etl/internal/service"
	"github.com/user/moovie-etl/internal/state"
	"go.uber.org/zap"
)

func main() {
	// 加载环境变量
	if err := godotenv.Load(); err != nil {
		log.Println("未找到 .env 文件，使用系统环境变量")
	}

	// 加载配置
	cfg, err := config.LoadFile(os.Getenv("ETL_CONFIG"))
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	logg, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logg.Sync()

	// 收到 SIGINT/SIGTERM 时取消 ctx
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := cfg.RetryPolicy()

	// 初始化数据库
	db, err := repository.InitDB(ctx, cfg.DatabaseURL, policy, logg)
	if err != nil {
		logg.Fatal("数据库连接失败", zap.Error(err))
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	// 初始化搜索索引
	search := repository.NewSearchRepository(cfg.ElasticURL, repository.SearchOptions{
		BulkSize:    cfg.BulkSize,
		BulkWorkers: cfg.BulkWorkers,
		Timeout:     cfg.ElasticTimeout,
		Retry:       policy,
	}, logg)
	if err := search.Connect(ctx); err != nil {
		logg.Fatal("Elasticsearch 连接失败", zap.Error(err))
	}
	defer search.Close()

	for _, name := range []string{cfg.MoviesIndex, cfg.PersonsIndex} {
		mapping, err := repository.Mapping(mappingName(cfg, name))
		if err != nil {
			logg.Fatal("读取索引 mapping 失败", zap.Error(err))
		}
		if _, err := search.EnsureIndex(ctx, name, mapping); err != nil {
			logg.Fatal("创建索引失败", zap.String("index", name), zap.Error(err))
		}
	}

	// 初始化仓库
	repos := repository.NewRepositories(db, cfg.ContentSchema, search)
	repos.Content.WithChunkSize(cfg.IDChunkSize).WithRetry(policy, logg)

	// 水位存储
	var storage state.Storage
	switch cfg.StateBackend {
	case "memory":
		logg.Warn("使用内存水位存储，重启后将全量同步")
		storage = state.NewMemoryStorage()
	default:
		storage = state.NewJSONFileStorage(cfg.StateFile, logg)
	}
	st := state.New(storage, logg)

	m := metrics.New()
	syncSvc := service.NewSyncService(repos.Content, repos.Search, st, m, service.SyncOptions{
		StateKey:     cfg.StateKey,
		MoviesIndex:  cfg.MoviesIndex,
		PersonsIndex: cfg.PersonsIndex,
		PageSize:     cfg.PageSize,
		Interval:     cfg.SyncInterval,
		CycleTimeout: cfg.CycleTimeout,
	}, logg)
	if wm, err := syncSvc.Watermark(); err == nil {
		m.SetWatermark(wm)
		logg.Info("从水位继续同步", zap.Time("watermark", wm))
	}

	// 启动定时同步
	syncSvc.Start(ctx)

	// 运维 HTTP 服务
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handler.NewHandler(cfg, syncSvc, repos.Search, logg)
	r := router.New(h, m.Handler(), logg)

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   0, // POST /sync?wait=true 可能持续整个周期
		MaxHeaderBytes: 1 << 20,
	}

	// 在 goroutine 中启动服务器，这样我们就可以监听信号
	go func() {
		logg.Info("运维接口启动", zap.String("addr", "http://localhost:"+cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("运维接口启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	<-ctx.Done()
	logg.Info("正在关闭...")

	// 5 秒超时上下文用于关闭过程
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("运维接口强制关闭", zap.Error(err))
	}

	// 等待定时和手动触发的周期结束后再关闭连接；被中止的周期不推进水位
	syncSvc.Wait()
	logg.Info("已退出")
}

// mappingName 索引名可配置，mapping 按用途选择
func mappingName(cfg *config.Config, index string) string {
	if index == cfg.PersonsIndex {
		return "persons"
	}
	return "movies"
}
