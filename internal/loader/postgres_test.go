package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockLoader(t *testing.T) (*PostgresLoader, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return NewPostgresLoader(db, "content", nil, zap.NewNop()), mock
}

func TestPostgresLoader_TablesInDependencyOrder(t *testing.T) {
	l, mock := newMockLoader(t)

	mock.ExpectQuery(`FROM information_schema\.tables`).
		WithArgs("content").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("film_work").AddRow("genre").AddRow("genre_film_work"))

	fk := `FROM information_schema\.table_constraints AS tc`
	mock.ExpectQuery(fk).WithArgs("film_work", "content").
		WillReturnRows(sqlmock.NewRows([]string{"foreign_table_name"}))
	mock.ExpectQuery(fk).WithArgs("genre", "content").
		WillReturnRows(sqlmock.NewRows([]string{"foreign_table_name"}))
	mock.ExpectQuery(fk).WithArgs("genre_film_work", "content").
		WillReturnRows(sqlmock.NewRows([]string{"foreign_table_name"}).AddRow("genre").AddRow("film_work"))

	tables, err := l.Tables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"film_work", "genre", "genre_film_work"}, tables)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoader_TablesError(t *testing.T) {
	l, mock := newMockLoader(t)
	mock.ExpectQuery(`FROM information_schema\.tables`).WillReturnError(errors.New("permission denied"))

	_, err := l.Tables(context.Background())
	require.ErrorIs(t, err, ErrLoading)
}

func TestPostgresLoader_ColumnsCached(t *testing.T) {
	l, mock := newMockLoader(t)

	mock.ExpectQuery(`FROM information_schema\.columns`).
		WithArgs("content", "genre").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("name").AddRow("created").AddRow("modified"))

	cols, err := l.Columns(context.Background(), "genre")
	require.NoError(t, err)
	assert.Len(t, cols, 4)

	// 第二次命中缓存，不再查询
	_, err = l.Columns(context.Background(), "genre")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoader_UnknownTable(t *testing.T) {
	l, mock := newMockLoader(t)
	mock.ExpectQuery(`FROM information_schema\.columns`).
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}))

	_, err := l.LoadBatch(context.Background(), "studio", []Row{{"id": "s1"}})
	require.ErrorIs(t, err, ErrLoading)
}

func TestPostgresLoader_EmptyBatch(t *testing.T) {
	l, mock := newMockLoader(t)

	n, err := l.LoadBatch(context.Background(), "genre", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoader_LoadBatchSkipsExistingIDs(t *testing.T) {
	l, mock := newMockLoader(t)

	mock.ExpectQuery(`FROM information_schema\.columns`).
		WithArgs("content", "genre").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("name").AddRow("created").AddRow("modified"))
	// 列按名字排序；created_at/updated_at 改名，目标表没有的 legacy 列被丢弃
	mock.ExpectExec(`INSERT INTO "content"\."genre" \("created","id","modified","name"\) VALUES .* ON CONFLICT \("id"\) DO NOTHING`).
		WithArgs(
			"2021-06-16", "g1", "2021-06-17", "Drama",
			"2021-06-18", "g2", "2021-06-19", "Comedy",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := []Row{
		{"id": "g1", "name": "Drama", "created_at": "2021-06-16", "updated_at": "2021-06-17", "legacy": "x"},
		{"id": "g2", "name": "Comedy", "created_at": "2021-06-18", "updated_at": "2021-06-19", "legacy": "y"},
	}
	n, err := l.LoadBatch(context.Background(), "genre", rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoader_LoadBatchError(t *testing.T) {
	l, mock := newMockLoader(t)

	mock.ExpectQuery(`FROM information_schema\.columns`).
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id").AddRow("name"))
	mock.ExpectExec(`INSERT INTO "content"\."genre"`).
		WillReturnError(errors.New("violates foreign key constraint"))

	_, err := l.LoadBatch(context.Background(), "genre", []Row{{"id": "g1", "name": "Drama"}})
	require.ErrorIs(t, err, ErrLoading)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectRow(t *testing.T) {
	cols := map[string]struct{}{"id": {}, "name": {}, "created": {}, "modified": {}}
	row := Row{
		"id":         "g1",
		"name":       "Drama",
		"created_at": "2021-06-16",
		"updated_at": "2021-06-17",
		"legacy":     "x",
	}

	got := projectRow(row, cols, DefaultRenames)
	assert.Equal(t, map[string]interface{}{
		"id":       "g1",
		"name":     "Drama",
		"created":  "2021-06-16",
		"modified": "2021-06-17",
	}, got)
}

func TestProjectRow_KeepsMatchingColumn(t *testing.T) {
	// 目标表本身就有 created_at 时不改名
	cols := map[string]struct{}{"id": {}, "created_at": {}}
	got := projectRow(Row{"id": "g1", "created_at": "2021"}, cols, DefaultRenames)
	assert.Equal(t, map[string]interface{}{"id": "g1", "created_at": "2021"}, got)
}

func TestPostgresLoader_MigrateOnlyContentSchema(t *testing.T) {
	l, mock := newMockLoader(t)
	l.schema = "staging"

	err := l.Migrate(context.Background())
	require.ErrorIs(t, err, ErrLoading)
	require.NoError(t, mock.ExpectationsWereMet())
}
