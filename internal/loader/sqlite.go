package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // 纯 Go 的 SQLite 驱动
)

// ErrExtraction 读取 SQLite 源失败
var ErrExtraction = errors.New("读取 SQLite 失败")

// Row 一行数据，列名 -> 值
type Row map[string]any

// OpenSQLite 打开已有的 SQLite 文件；文件不存在时报错而不是新建
func OpenSQLite(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return db, nil
}

// SQLiteExtractor 逐表读取 SQLite
type SQLiteExtractor struct {
	db  *sql.DB
	log *zap.Logger
}

func NewSQLiteExtractor(db *sql.DB, log *zap.Logger) *SQLiteExtractor {
	return &SQLiteExtractor{db: db, log: log.Named("sqlite")}
}

// SelectTable 读取整张表，每 batchSize 行回调一次 fn
func (e *SQLiteExtractor) SelectTable(ctx context.Context, table string, batchSize int, fn func([]Row) error) error {
	if batchSize < 1 {
		batchSize = 1000
	}

	rows, err := e.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		e.log.Error("查询表失败", zap.String("table", table), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrExtraction, table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExtraction, table, err)
	}

	batch := make([]Row, 0, batchSize)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrExtraction, table, err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			// TEXT 列有时以 []byte 返回
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		batch = append(batch, row)

		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]Row, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExtraction, table, err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
