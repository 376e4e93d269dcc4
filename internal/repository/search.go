package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/olivere/elastic/v7"
	"github.com/user/moovie-etl/internal/model"
	"github.com/user/moovie-etl/internal/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

//go:embed mappings/*.json
var mappingFS embed.FS

// Mapping 读取内置的索引 mapping（mappings/<name>.json）
func Mapping(name string) (string, error) {
	data, err := mappingFS.ReadFile("mappings/" + name + ".json")
	if err != nil {
		return "", fmt.Errorf("找不到索引 %s 的 mapping: %w", name, err)
	}
	return string(data), nil
}

// ErrNoIndexConnection 尚未建立 Elasticsearch 连接
var ErrNoIndexConnection = errors.New("未连接到 Elasticsearch")

// BulkError 单个文档写入失败的原因
type BulkError struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkResult 一次批量写入的结果
type BulkResult struct {
	Indexed int         `json:"indexed"`
	Errors  []BulkError `json:"errors"`
}

// SearchOptions 批量写入参数
type SearchOptions struct {
	BulkSize    int
	BulkWorkers int
	// Timeout 单次请求超时，默认 60s
	Timeout time.Duration
	Retry   utils.RetryPolicy
}

// SearchRepository 搜索索引写入
type SearchRepository struct {
	url  string
	opts SearchOptions
	log  *zap.Logger

	mu     sync.RWMutex
	client *elastic.Client
}

// NewSearchRepository 创建搜索仓库，需调用 Connect 后才能写入
func NewSearchRepository(url string, opts SearchOptions, log *zap.Logger) *SearchRepository {
	if opts.BulkSize < 1 {
		opts.BulkSize = 500
	}
	if opts.BulkWorkers < 1 {
		opts.BulkWorkers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &SearchRepository{url: url, opts: opts, log: log.Named("es")}
}

// Connect 连接 Elasticsearch，失败按指数退避重试
func (r *SearchRepository) Connect(ctx context.Context) error {
	return r.opts.Retry.Do(ctx, r.log, "elastic.connect", func() error {
		r.log.Info("连接 Elasticsearch...", zap.String("url", r.url))
		client, err := elastic.NewClient(
			elastic.SetURL(r.url),
			elastic.SetHttpClient(utils.NewHTTPClient(r.opts.Timeout, r.opts.BulkWorkers)),
			elastic.SetSniff(false),
			elastic.SetHealthcheck(false),
		)
		if err != nil {
			return fmt.Errorf("创建 Elasticsearch 客户端失败: %w", err)
		}
		info, code, err := client.Ping(r.url).Do(ctx)
		if err != nil {
			return fmt.Errorf("Elasticsearch ping 失败: %w", err)
		}
		if code >= 300 {
			return fmt.Errorf("Elasticsearch ping 返回状态码 %d", code)
		}

		r.mu.Lock()
		r.client = client
		r.mu.Unlock()

		version := ""
		if info != nil {
			version = info.Version.Number
		}
		r.log.Info("Elasticsearch 连接已建立", zap.String("version", version))
		return nil
	})
}

func (r *SearchRepository) getClient() (*elastic.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, ErrNoIndexConnection
	}
	return r.client, nil
}

// EnsureIndex 索引不存在时按 mapping 创建
func (r *SearchRepository) EnsureIndex(ctx context.Context, name, mapping string) (bool, error) {
	client, err := r.getClient()
	if err != nil {
		return false, err
	}

	exists, err := client.IndexExists(name).Do(ctx)
	if err != nil {
		return false, fmt.Errorf("检查索引 %s 失败: %w", name, err)
	}
	if exists {
		return false, nil
	}

	r.log.Info("创建索引", zap.String("index", name))
	res, err := client.CreateIndex(name).BodyString(mapping).Do(ctx)
	if err != nil {
		return false, fmt.Errorf("创建索引 %s 失败: %w", name, err)
	}
	if !res.Acknowledged {
		r.log.Warn("创建索引未被确认", zap.String("index", name))
	}
	return true, nil
}

// IndexDocuments 分批写入文档；同 id 文档整体覆盖
// 单个文档被拒绝只记录在结果里，不影响其他批次；网络错误重试耗尽后返回 error
func (r *SearchRepository) IndexDocuments(ctx context.Context, index string, docs []model.Document) (BulkResult, error) {
	result := BulkResult{Errors: []BulkError{}}
	if len(docs) == 0 {
		return result, nil
	}
	client, err := r.getClient()
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.BulkWorkers)

	for start := 0; start < len(docs); start += r.opts.BulkSize {
		end := start + r.opts.BulkSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		g.Go(func() error {
			indexed, failed, err := r.indexBatch(gctx, client, index, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Indexed += indexed
			result.Errors = append(result.Errors, failed...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	r.log.Info("批量写入完成",
		zap.String("index", index),
		zap.Int("indexed", result.Indexed),
		zap.Int("failed", len(result.Errors)))
	return result, nil
}

func (r *SearchRepository) indexBatch(ctx context.Context, client *elastic.Client, index string, batch []model.Document) (int, []BulkError, error) {
	var res *elastic.BulkResponse
	err := r.opts.Retry.Do(ctx, r.log, "elastic.bulk", func() error {
		svc := client.Bulk().Index(index)
		for _, doc := range batch {
			svc.Add(elastic.NewBulkIndexRequest().Id(doc.DocumentID()).Doc(doc))
		}
		resp, err := svc.Do(ctx)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = resp
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("批量写入索引 %s 失败: %w", index, err)
	}

	var failed []BulkError
	for _, item := range res.Failed() {
		be := BulkError{ID: item.Id, Status: item.Status}
		if item.Error != nil {
			be.Type = item.Error.Type
			be.Reason = item.Error.Reason
		}
		r.log.Error("文档写入失败",
			zap.String("index", index),
			zap.String("id", be.ID),
			zap.Int("status", be.Status),
			zap.String("type", be.Type),
			zap.String("reason", be.Reason))
		failed = append(failed, be)
	}
	return len(res.Succeeded()), failed, nil
}

// retryable 连接错误、超时、429 与 5xx 可以重试
func retryable(err error) bool {
	if elastic.IsConnErr(err) || elastic.IsTimeout(err) {
		return true
	}
	var e *elastic.Error
	if errors.As(err, &e) {
		return e.Status == 429 || e.Status >= 500
	}
	return true
}

// Count 索引中的文档数
func (r *SearchRepository) Count(ctx context.Context, index string) (int64, error) {
	client, err := r.getClient()
	if err != nil {
		return 0, err
	}
	n, err := client.Count(index).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("统计索引 %s 失败: %w", index, err)
	}
	return n, nil
}

// Close 释放客户端
func (r *SearchRepository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Stop()
		r.client = nil
	}
}
