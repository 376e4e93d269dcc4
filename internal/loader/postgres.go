package loader

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/user/moovie-etl/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrLoading 写入 Postgres 失败
var ErrLoading = errors.New("写入 Postgres 失败")

// DefaultRenames SQLite 导出与目标表之间列名不一致的情况
var DefaultRenames = map[string]string{
	"created_at": "created",
	"updated_at": "modified",
}

// PostgresLoader 写入目标 schema，冲突的 id 直接跳过
type PostgresLoader struct {
	db      *gorm.DB
	schema  string
	renames map[string]string
	columns *lru.Cache[string, map[string]struct{}]
	log     *zap.Logger
}

// NewPostgresLoader renames 为 nil 时使用 DefaultRenames
func NewPostgresLoader(db *gorm.DB, schema string, renames map[string]string, log *zap.Logger) *PostgresLoader {
	if schema == "" {
		schema = "content"
	}
	if renames == nil {
		renames = DefaultRenames
	}
	cache, _ := lru.New[string, map[string]struct{}](64)
	return &PostgresLoader{db: db, schema: schema, renames: renames, columns: cache, log: log.Named("postgres")}
}

// Tables 列出 schema 下的基础表，并按外键依赖排序
func (l *PostgresLoader) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := l.db.WithContext(ctx).Raw(`
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name`, l.schema).Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("%w: 读取表名: %v", ErrLoading, err)
	}

	deps := make(map[string][]string, len(names))
	for _, name := range names {
		var refs []string
		err := l.db.WithContext(ctx).Raw(`
			SELECT ccu.table_name AS foreign_table_name
			FROM information_schema.table_constraints AS tc
			JOIN information_schema.constraint_column_usage AS ccu ON ccu.constraint_name = tc.constraint_name
			WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = ? AND tc.table_schema = ?`,
			name, l.schema).Scan(&refs).Error
		if err != nil {
			return nil, fmt.Errorf("%w: 读取 %s 的外键: %v", ErrLoading, name, err)
		}
		deps[name] = refs
	}

	order := OrderTables(names, deps)
	l.log.Info("表加载顺序", zap.Strings("tables", order))
	return order, nil
}

// Migrate 在空库上创建 content schema 及表结构，已存在的表只补齐缺失的列和索引
func (l *PostgresLoader) Migrate(ctx context.Context) error {
	if l.schema != "content" {
		return fmt.Errorf("%w: 只支持在 content schema 下建表，当前为 %s", ErrLoading, l.schema)
	}
	db := l.db.WithContext(ctx)
	if err := db.Exec(`CREATE SCHEMA IF NOT EXISTS content`).Error; err != nil {
		return fmt.Errorf("%w: 创建 schema: %v", ErrLoading, err)
	}
	if err := db.AutoMigrate(model.ContentModels()...); err != nil {
		return fmt.Errorf("%w: 建表: %v", ErrLoading, err)
	}
	l.columns.Purge()
	l.log.Info("表结构已就绪", zap.String("schema", l.schema))
	return nil
}

// Columns 目标表的列集合，结果缓存
func (l *PostgresLoader) Columns(ctx context.Context, table string) (map[string]struct{}, error) {
	if cols, ok := l.columns.Get(table); ok {
		return cols, nil
	}

	var names []string
	err := l.db.WithContext(ctx).Raw(`
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?`, l.schema, table).Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("%w: 读取 %s 的列: %v", ErrLoading, table, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: 表 %s.%s 不存在", ErrLoading, l.schema, table)
	}

	cols := make(map[string]struct{}, len(names))
	for _, n := range names {
		cols[n] = struct{}{}
	}
	l.columns.Add(table, cols)
	return cols, nil
}

// LoadBatch 写入一批行，返回实际插入的行数（已存在的 id 不计）
func (l *PostgresLoader) LoadBatch(ctx context.Context, table string, rows []Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	cols, err := l.Columns(ctx, table)
	if err != nil {
		return 0, err
	}

	records := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		records = append(records, projectRow(row, cols, l.renames))
	}

	res := l.db.WithContext(ctx).
		Table(l.schema + "." + table).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&records)
	if res.Error != nil {
		l.log.Error("批量写入失败", zap.String("table", table), zap.Int("rows", len(rows)), zap.Error(res.Error))
		return 0, fmt.Errorf("%w: %s: %v", ErrLoading, table, res.Error)
	}
	return res.RowsAffected, nil
}

// projectRow 只保留目标表存在的列；源列不存在时尝试按 renames 改名
func projectRow(row Row, cols map[string]struct{}, renames map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for name, v := range row {
		if _, ok := cols[name]; ok {
			out[name] = v
			continue
		}
		if target, ok := renames[name]; ok {
			if _, ok := cols[target]; ok {
				out[target] = v
			}
		}
	}
	return out
}
