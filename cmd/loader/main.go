package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/moovie-etl/internal/loader"
	"github.com/user/moovie-etl/internal/logger"
	"github.com/user/moovie-etl/internal/repository"
	"github.com/user/moovie-etl/internal/utils"
	"go.uber.org/zap"
)

type options struct {
	path      string
	db        string
	user      string
	password  string
	host      string
	port      int
	batchSize int
	schema    string
	migrate   bool
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "loader",
		Short:         "把 SQLite 导出的数据按外键顺序导入 Postgres",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd.Context(), opts)
			if err != nil {
				fmt.Fprintln(os.Stderr, "导入失败:", err)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.path, "path", "", "SQLite 文件路径")
	f.StringVar(&opts.db, "db", "", "数据库名")
	f.StringVar(&opts.user, "user", "", "数据库用户")
	f.StringVar(&opts.password, "password", "", "数据库密码")
	f.StringVar(&opts.host, "host", "127.0.0.1", "数据库地址")
	f.IntVar(&opts.port, "port", 5432, "数据库端口")
	f.IntVar(&opts.batchSize, "batch-size", 1000, "每批行数")
	f.StringVar(&opts.schema, "schema", "content", "目标 schema")
	f.BoolVar(&opts.migrate, "migrate", false, "导入前创建 content schema 与表")
	f.StringVar(&opts.logLevel, "log-level", "info", "日志级别")
	for _, name := range []string{"path", "db", "user", "password"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func run(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logg, err := logger.New(os.Getenv("APP_ENV"), opts.logLevel)
	if err != nil {
		return err
	}
	defer logg.Sync()

	src, err := loader.OpenSQLite(opts.path)
	if err != nil {
		return err
	}
	defer src.Close()

	dsn := (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(opts.user, opts.password),
		Host:     fmt.Sprintf("%s:%d", opts.host, opts.port),
		Path:     opts.db,
		RawQuery: "sslmode=disable",
	}).String()

	policy := utils.DefaultRetryPolicy()
	policy.MaxAttempts = 3
	db, err := repository.InitDB(ctx, dsn, policy, logg)
	if err != nil {
		return err
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	dst := loader.NewPostgresLoader(db, opts.schema, nil, logg)
	if opts.migrate {
		if err := dst.Migrate(ctx); err != nil {
			return err
		}
	}

	l := loader.New(loader.NewSQLiteExtractor(src, logg), dst, opts.batchSize, logg)
	report, err := l.Run(ctx)
	if err != nil {
		return err
	}

	var total int64
	for _, t := range report.Tables {
		total += t.Inserted
	}
	logg.Info("导入完成",
		zap.Int("tables", len(report.Tables)),
		zap.Int64("inserted", total),
		zap.Duration("duration", report.Duration))
	return nil
}
