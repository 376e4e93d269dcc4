package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/user/moovie-etl/internal/model"
	"github.com/user/moovie-etl/internal/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnknownEntity 不在监控范围内的实体类型
var ErrUnknownEntity = errors.New("未知的实体类型")

// DefaultIDChunkSize 单条 ANY(?) 查询最多携带的 id 数
const DefaultIDChunkSize = 5000

// ContentRepository 读取 content schema（只读）
type ContentRepository struct {
	db        *gorm.DB
	schema    string
	chunkSize int
	retry     utils.RetryPolicy
	log       *zap.Logger
}

// NewContentRepository 默认每个查询只尝试一次，WithRetry 开启重试
func NewContentRepository(db *gorm.DB, schema string) *ContentRepository {
	if schema == "" {
		schema = "content"
	}
	return &ContentRepository{
		db:        db,
		schema:    schema,
		chunkSize: DefaultIDChunkSize,
		retry:     utils.RetryPolicy{MaxAttempts: 1},
		log:       zap.NewNop(),
	}
}

// WithRetry 连接类错误按 policy 退避重试
func (r *ContentRepository) WithRetry(policy utils.RetryPolicy, log *zap.Logger) *ContentRepository {
	r.retry = policy
	if log != nil {
		r.log = log.Named("content")
	}
	return r
}

// WithChunkSize 设置 id 分片大小
func (r *ContentRepository) WithChunkSize(n int) *ContentRepository {
	if n > 0 {
		r.chunkSize = n
	}
	return r
}

func (r *ContentRepository) table(name string) string {
	return r.schema + "." + name
}

func isMonitored(entity string) bool {
	switch entity {
	case model.EntityGenre, model.EntityPerson, model.EntityFilmWork:
		return true
	}
	return false
}

// ChangedIDs 返回 modified 晚于 since 的实体 id，按 modified 升序
func (r *ContentRepository) ChangedIDs(ctx context.Context, entity string, since time.Time) ([]string, error) {
	if !isMonitored(entity) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	query := fmt.Sprintf(`
		SELECT id::text
		FROM %s
		WHERE modified > ?
		ORDER BY modified, id`, r.table(entity))

	var ids []string
	err := r.retry.Do(ctx, r.log, "changed_ids."+entity, func() error {
		ids = []string{}
		rows, err := r.db.WithContext(ctx).Raw(query, since).Rows()
		if err != nil {
			return transient(fmt.Errorf("查询 %s 变更失败: %w", entity, err))
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return backoff.Permanent(fmt.Errorf("读取 %s 变更失败: %w", entity, err))
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return transient(fmt.Errorf("遍历 %s 变更失败: %w", entity, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FilmIDsByRelated 找出引用了给定类型/人物的全部作品 id（去重，按作品 modified 升序）
// entity 为 film_work 时 id 本身就是聚合根，直接去重返回
func (r *ContentRepository) FilmIDsByRelated(ctx context.Context, entity string, ids []string) ([]string, error) {
	switch entity {
	case model.EntityFilmWork:
		return Dedupe(ids), nil
	case model.EntityGenre, model.EntityPerson:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT fw.id::text AS id, fw.modified
		FROM %s AS fw
		JOIN %s AS l ON l.film_work_id = fw.id
		WHERE l.%s_id = ANY(?)
		ORDER BY fw.modified, id`,
		r.table(model.EntityFilmWork), r.table(entity+"_film_work"), entity)

	var out []string
	for _, chunk := range ChunkIDs(ids, r.chunkSize) {
		var found []string
		err := r.retry.Do(ctx, r.log, "film_ids."+entity, func() error {
			found = found[:0]
			rows, err := r.db.WithContext(ctx).Raw(query, pq.Array(chunk)).Rows()
			if err != nil {
				return transient(fmt.Errorf("查询 %s 关联作品失败: %w", entity, err))
			}
			defer rows.Close()

			for rows.Next() {
				var (
					id       string
					modified time.Time
				)
				if err := rows.Scan(&id, &modified); err != nil {
					return backoff.Permanent(fmt.Errorf("读取 %s 关联作品失败: %w", entity, err))
				}
				found = append(found, id)
			}
			if err := rows.Err(); err != nil {
				return transient(fmt.Errorf("遍历 %s 关联作品失败: %w", entity, err))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return Dedupe(out), nil
}

// StreamMovieRows 按作品 id 排序流式读取宽表，每 pageSize 行回调一次 fn
// 同一作品的行在整体结果中连续，但可能被分在相邻两页
func (r *ContentRepository) StreamMovieRows(ctx context.Context, filmIDs []string, pageSize int, fn func([]model.MovieRow) error) error {
	if pageSize < 1 {
		pageSize = 1000
	}

	query := fmt.Sprintf(`
		SELECT
			fw.id::text AS fw_id,
			fw.title,
			fw.description,
			fw.rating,
			fw.type,
			fw.creation_date,
			fw.file_path,
			pfw.role,
			p.id::text AS p_id,
			p.full_name,
			g.id::text AS g_id,
			g.name,
			g.description AS g_description
		FROM %s AS fw
		LEFT JOIN %s AS pfw ON pfw.film_work_id = fw.id
		LEFT JOIN %s AS p ON p.id = pfw.person_id
		LEFT JOIN %s AS gfw ON gfw.film_work_id = fw.id
		LEFT JOIN %s AS g ON g.id = gfw.genre_id
		WHERE fw.id = ANY(?)
		ORDER BY fw.id`,
		r.table(model.EntityFilmWork), r.table("person_film_work"), r.table(model.EntityPerson),
		r.table("genre_film_work"), r.table(model.EntityGenre))

	page := make([]model.MovieRow, 0, pageSize)
	for _, chunk := range ChunkIDs(filmIDs, r.chunkSize) {
		rows, err := r.openRows(ctx, "movie_rows", query, pq.Array(chunk))
		if err != nil {
			return fmt.Errorf("查询作品详情失败: %w", err)
		}
		for rows.Next() {
			var row model.MovieRow
			if err := rows.Scan(
				&row.FilmID, &row.Title, &row.Description, &row.Rating, &row.Type,
				&row.CreationDate, &row.FilePath, &row.Role,
				&row.PersonID, &row.PersonName,
				&row.GenreID, &row.GenreName, &row.GenreDescription,
			); err != nil {
				rows.Close()
				return fmt.Errorf("读取作品详情失败: %w", err)
			}
			page = append(page, row)
			if len(page) == pageSize {
				if err := fn(page); err != nil {
					rows.Close()
					return err
				}
				page = make([]model.MovieRow, 0, pageSize)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("遍历作品详情失败: %w", err)
		}
	}
	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

// StreamPersonRows 按人物 id 排序流式读取人物与其参与作品
func (r *ContentRepository) StreamPersonRows(ctx context.Context, personIDs []string, pageSize int, fn func([]model.PersonRow) error) error {
	if pageSize < 1 {
		pageSize = 1000
	}

	query := fmt.Sprintf(`
		SELECT
			p.id::text AS person_id,
			p.full_name,
			pfw.film_work_id::text AS film_id,
			pfw.role
		FROM %s AS p
		LEFT JOIN %s AS pfw ON pfw.person_id = p.id
		WHERE p.id = ANY(?)
		ORDER BY p.id, pfw.film_work_id`,
		r.table(model.EntityPerson), r.table("person_film_work"))

	page := make([]model.PersonRow, 0, pageSize)
	for _, chunk := range ChunkIDs(personIDs, r.chunkSize) {
		rows, err := r.openRows(ctx, "person_rows", query, pq.Array(chunk))
		if err != nil {
			return fmt.Errorf("查询人物详情失败: %w", err)
		}
		for rows.Next() {
			var row model.PersonRow
			if err := rows.Scan(&row.PersonID, &row.FullName, &row.FilmID, &row.Role); err != nil {
				rows.Close()
				return fmt.Errorf("读取人物详情失败: %w", err)
			}
			page = append(page, row)
			if len(page) == pageSize {
				if err := fn(page); err != nil {
					rows.Close()
					return err
				}
				page = make([]model.PersonRow, 0, pageSize)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("遍历人物详情失败: %w", err)
		}
	}
	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

// openRows 打开结果集时可以重试；之后的行已交给回调，遍历中断不再重试
func (r *ContentRepository) openRows(ctx context.Context, op, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := r.retry.Do(ctx, r.log, op, func() error {
		var err error
		rows, err = r.db.WithContext(ctx).Raw(query, args...).Rows()
		return transient(err)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// transient 服务端返回的 SQL 错误和 ctx 取消不重试，其余视为连接问题
func transient(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

// ChunkIDs 把 id 切成不超过 size 的片
func ChunkIDs(ids []string, size int) [][]string {
	if size < 1 {
		size = DefaultIDChunkSize
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// Dedupe 去重并保持首次出现的顺序
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
