package repository

import (
	"context"
	"fmt"

	"github.com/user/moovie-etl/internal/utils"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 初始化数据库连接，连接失败时按重试策略退避重连
func InitDB(ctx context.Context, databaseURL string, policy utils.RetryPolicy, log *zap.Logger) (*gorm.DB, error) {
	log = log.Named("postgres")

	var db *gorm.DB
	err := policy.Do(ctx, log, "postgres.connect", func() error {
		log.Info("连接 Postgres...")
		conn, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger:                 logger.Default.LogMode(logger.Silent),
			SkipDefaultTransaction: true,
		})
		if err != nil {
			return fmt.Errorf("无法连接数据库: %w", err)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return fmt.Errorf("获取数据库连接池失败: %w", err)
		}
		// 测试连接
		if err := sqlDB.PingContext(ctx); err != nil {
			sqlDB.Close()
			return fmt.Errorf("数据库 ping 失败: %w", err)
		}

		// 设置连接池
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)

		db = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("Postgres 连接已建立")
	return db, nil
}

// Repositories 仓库集合
type Repositories struct {
	DB      *gorm.DB
	Content *ContentRepository
	Search  *SearchRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB, schema string, search *SearchRepository) *Repositories {
	return &Repositories{
		DB:      db,
		Content: NewContentRepository(db, schema),
		Search:  search,
	}
}
