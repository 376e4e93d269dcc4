package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/user/moovie-etl/internal/metrics"
	"github.com/user/moovie-etl/internal/model"
	"github.com/user/moovie-etl/internal/repository"
	"github.com/user/moovie-etl/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Stage 同步循环所处阶段
type Stage string

const (
	StageIdle              Stage = "idle"
	StageFetchWatermark    Stage = "fetch_watermark"
	StageDetectChanges     Stage = "detect_changes"
	StageCascade           Stage = "cascade"
	StageFetchAggregates   Stage = "fetch_aggregates"
	StageTransform         Stage = "transform"
	StageIndex             Stage = "index"
	StageAdvanceCheckpoint Stage = "advance_checkpoint"
	StageSleep             Stage = "sleep"
)

// ContentSource 源库读取
type ContentSource interface {
	ChangedIDs(ctx context.Context, entity string, since time.Time) ([]string, error)
	FilmIDsByRelated(ctx context.Context, entity string, ids []string) ([]string, error)
	StreamMovieRows(ctx context.Context, filmIDs []string, pageSize int, fn func([]model.MovieRow) error) error
	StreamPersonRows(ctx context.Context, personIDs []string, pageSize int, fn func([]model.PersonRow) error) error
}

// DocumentIndexer 搜索索引写入
type DocumentIndexer interface {
	IndexDocuments(ctx context.Context, index string, docs []model.Document) (repository.BulkResult, error)
}

var (
	_ ContentSource   = (*repository.ContentRepository)(nil)
	_ DocumentIndexer = (*repository.SearchRepository)(nil)
)

// detectOrder 变更检测的实体顺序
var detectOrder = []string{model.EntityFilmWork, model.EntityGenre, model.EntityPerson}

// SyncOptions 同步参数
type SyncOptions struct {
	StateKey     string
	MoviesIndex  string
	PersonsIndex string
	PageSize     int
	Interval     time.Duration
	CycleTimeout time.Duration
}

// IndexReport 单个索引在一个周期内的写入统计
type IndexReport struct {
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

// CycleReport 一个同步周期的结果
type CycleReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Since      time.Time      `json:"since"`
	Changed    map[string]int `json:"changed"`
	FilmIDs    int            `json:"film_ids"`
	PersonIDs  int            `json:"person_ids"`
	Movies     IndexReport    `json:"movies"`
	Persons    IndexReport    `json:"persons"`
	Empty      bool           `json:"empty"`
	Advanced   bool           `json:"advanced"`
	Error      string         `json:"error,omitempty"`
}

// SyncStats 供运维接口展示
type SyncStats struct {
	Stage       Stage        `json:"stage"`
	Running     bool         `json:"running"`
	Cycles      int          `json:"cycles"`
	Failures    int          `json:"failures"`
	LastSuccess *time.Time   `json:"last_success,omitempty"`
	LastReport  *CycleReport `json:"last_report,omitempty"`
}

// SyncService 增量同步：检测变更 -> 级联 -> 读取聚合 -> 转换 -> 写索引 -> 推进水位
type SyncService struct {
	source   ContentSource
	indexer  DocumentIndexer
	state    *state.State
	validate *validator.Validate
	metrics  *metrics.Metrics
	opts     SyncOptions
	log      *zap.Logger
	now      func() time.Time

	// cycleMu 保证同一时间只有一个周期在写水位
	cycleMu sync.Mutex
	group   singleflight.Group
	wg      sync.WaitGroup

	// base Start 传入的 ctx；周期运行在它上面，不受触发方取消的影响
	baseMu sync.RWMutex
	base   context.Context

	statsMu sync.RWMutex
	stats   SyncStats
}

// NewSyncService 创建同步服务；m 可以为 nil
func NewSyncService(source ContentSource, indexer DocumentIndexer, st *state.State, m *metrics.Metrics, opts SyncOptions, log *zap.Logger) *SyncService {
	if opts.StateKey == "" {
		opts.StateKey = "state_key"
	}
	if opts.MoviesIndex == "" {
		opts.MoviesIndex = "movies"
	}
	if opts.PersonsIndex == "" {
		opts.PersonsIndex = "persons"
	}
	if opts.PageSize < 1 {
		opts.PageSize = 1000
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &SyncService{
		source:   source,
		indexer:  indexer,
		state:    st,
		validate: validator.New(),
		metrics:  m,
		opts:     opts,
		log:      log.Named("etl"),
		now:      time.Now,
		stats:    SyncStats{Stage: StageIdle},
	}
}

// Start 立即执行一次同步，之后每隔 Interval 执行一次，直到 ctx 取消
func (s *SyncService) Start(ctx context.Context) {
	s.baseMu.Lock()
	s.base = ctx
	s.baseMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.log.Info("同步服务已启动", zap.Duration("interval", s.opts.Interval))
		// 循环总是等当前周期结束；服务 ctx 取消时周期会自行中止
		wait := context.WithoutCancel(ctx)
		s.Trigger(wait)

		for {
			select {
			case <-ctx.Done():
				s.setStage(StageIdle)
				s.log.Info("同步服务已停止")
				return
			case <-ticker.C:
				s.Trigger(wait)
			}
		}
	}()
}

// Wait 等待定时循环和所有已触发的周期结束
func (s *SyncService) Wait() {
	s.wg.Wait()
}

// Trigger 立即执行一个周期；已有周期在运行时共享它的结果
// ctx 只决定调用方等待多久，取消后周期继续运行直到服务关闭
func (s *SyncService) Trigger(ctx context.Context) (CycleReport, error) {
	cycleCtx := s.cycleContext(ctx)

	s.wg.Add(1)
	ch := s.group.DoChan("cycle", func() (interface{}, error) {
		return s.RunCycle(cycleCtx)
	})

	select {
	case res := <-ch:
		s.wg.Done()
		if res.Shared {
			s.log.Debug("复用正在进行的同步周期")
		}
		report, _ := res.Val.(CycleReport)
		return report, res.Err
	case <-ctx.Done():
		go func() {
			<-ch
			s.wg.Done()
		}()
		return CycleReport{}, ctx.Err()
	}
}

// TriggerAsync 在后台执行一个周期，Wait 会等待它结束
func (s *SyncService) TriggerAsync() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Trigger(context.Background()); err != nil {
			s.log.Debug("后台触发的同步周期失败", zap.Error(err))
		}
	}()
}

// cycleContext Start 之后使用服务的 ctx，否则沿用 ctx 的值但不继承取消
func (s *SyncService) cycleContext(ctx context.Context) context.Context {
	s.baseMu.RLock()
	defer s.baseMu.RUnlock()
	if s.base != nil {
		return s.base
	}
	return context.WithoutCancel(ctx)
}

// RunCycle 执行一个完整的同步周期
// 任一阶段出错时不推进水位，下个周期会重新检测同一批变更
func (s *SyncService) RunCycle(ctx context.Context) (CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if s.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CycleTimeout)
		defer cancel()
	}

	s.statsMu.Lock()
	s.stats.Running = true
	s.statsMu.Unlock()

	report := CycleReport{StartedAt: s.now().UTC(), Changed: map[string]int{}}
	err := s.runCycle(ctx, &report)
	report.FinishedAt = s.now().UTC()

	result := "success"
	switch {
	case err != nil && IsCanceled(err):
		result = "error"
		report.Error = err.Error()
		s.log.Warn("同步周期被中止，水位保持不变", zap.Time("since", report.Since), zap.Error(err))
	case err != nil:
		result = "error"
		report.Error = err.Error()
		s.log.Error("同步周期失败，水位保持不变", zap.Time("since", report.Since), zap.Error(err))
	case report.Empty:
		result = "empty"
		s.log.Info("没有检测到变更", zap.Time("since", report.Since))
	default:
		s.log.Info("同步周期完成",
			zap.Int("film_ids", report.FilmIDs),
			zap.Int("person_ids", report.PersonIDs),
			zap.Int("movies_indexed", report.Movies.Indexed),
			zap.Int("persons_indexed", report.Persons.Indexed),
			zap.Time("watermark", report.StartedAt))
	}
	s.metrics.RecordCycle(result, report.FinishedAt.Sub(report.StartedAt))

	s.statsMu.Lock()
	s.stats.Running = false
	s.stats.Cycles++
	if err != nil {
		s.stats.Failures++
	} else {
		finished := report.FinishedAt
		s.stats.LastSuccess = &finished
	}
	last := report
	s.stats.LastReport = &last
	s.statsMu.Unlock()

	s.setStage(StageSleep)
	return report, err
}

func (s *SyncService) runCycle(ctx context.Context, report *CycleReport) error {
	s.setStage(StageFetchWatermark)
	since, err := s.state.Watermark(s.opts.StateKey)
	if err != nil {
		return fmt.Errorf("读取水位失败: %w", err)
	}
	report.Since = since

	s.setStage(StageDetectChanges)
	changed, err := s.detectChanges(ctx, since)
	if err != nil {
		return err
	}
	total := 0
	for entity, ids := range changed {
		report.Changed[entity] = len(ids)
		s.metrics.RecordChanged(entity, len(ids))
		total += len(ids)
	}
	if total == 0 {
		report.Empty = true
		return nil
	}

	s.setStage(StageCascade)
	filmIDs, err := s.cascade(ctx, changed)
	if err != nil {
		return err
	}
	personIDs := repository.Dedupe(changed[model.EntityPerson])
	report.FilmIDs = len(filmIDs)
	report.PersonIDs = len(personIDs)

	if report.Movies, err = s.syncMovies(ctx, filmIDs); err != nil {
		return err
	}
	if report.Persons, err = s.syncPersons(ctx, personIDs); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.setStage(StageAdvanceCheckpoint)
	if err := s.state.SetWatermark(s.opts.StateKey, report.StartedAt); err != nil {
		return fmt.Errorf("保存水位失败: %w", err)
	}
	report.Advanced = true
	s.metrics.SetWatermark(report.StartedAt)
	return nil
}

// detectChanges 并发检测三类实体的变更
func (s *SyncService) detectChanges(ctx context.Context, since time.Time) (map[string][]string, error) {
	results := make([][]string, len(detectOrder))

	g, gctx := errgroup.WithContext(ctx)
	for i, entity := range detectOrder {
		i, entity := i, entity
		g.Go(func() error {
			ids, err := s.source.ChangedIDs(gctx, entity, since)
			if err != nil {
				return fmt.Errorf("检测 %s 变更失败: %w", entity, err)
			}
			results[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changed := make(map[string][]string, len(detectOrder))
	for i, entity := range detectOrder {
		changed[entity] = results[i]
		if len(results[i]) > 0 {
			s.log.Info("检测到变更", zap.String("entity", entity), zap.Int("count", len(results[i])))
		}
	}
	return changed, nil
}

// cascade 把类型、人物变更展开为受影响的作品，与直接变更的作品合并去重
func (s *SyncService) cascade(ctx context.Context, changed map[string][]string) ([]string, error) {
	filmIDs := append([]string{}, changed[model.EntityFilmWork]...)
	for _, entity := range []string{model.EntityGenre, model.EntityPerson} {
		ids := changed[entity]
		if len(ids) == 0 {
			continue
		}
		related, err := s.source.FilmIDsByRelated(ctx, entity, ids)
		if err != nil {
			return nil, fmt.Errorf("展开 %s 关联作品失败: %w", entity, err)
		}
		s.log.Debug("级联作品", zap.String("entity", entity), zap.Int("films", len(related)))
		filmIDs = append(filmIDs, related...)
	}
	return repository.Dedupe(filmIDs), nil
}

func (s *SyncService) syncMovies(ctx context.Context, filmIDs []string) (IndexReport, error) {
	var rep IndexReport
	if len(filmIDs) == 0 {
		return rep, nil
	}
	tr := NewMovieTransformer(s.log, s.validate)
	index := s.indexFunc(ctx, s.opts.MoviesIndex, &rep)

	s.setStage(StageFetchAggregates)
	err := s.source.StreamMovieRows(ctx, filmIDs, s.opts.PageSize, func(rows []model.MovieRow) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setStage(StageTransform)
		if err := index(asDocuments(tr.PushPage(rows))); err != nil {
			return err
		}
		if err := tr.Err(); err != nil {
			return err
		}
		s.setStage(StageFetchAggregates)
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("同步作品失败: %w", err)
	}

	s.setStage(StageTransform)
	if doc, ok := tr.Flush(); ok {
		if err := index([]model.Document{doc}); err != nil {
			return rep, fmt.Errorf("同步作品失败: %w", err)
		}
	}
	rep.Dropped = tr.Dropped()
	s.metrics.RecordIndexed(s.opts.MoviesIndex, rep.Indexed, rep.Failed, rep.Dropped)
	return rep, nil
}

func (s *SyncService) syncPersons(ctx context.Context, personIDs []string) (IndexReport, error) {
	var rep IndexReport
	if len(personIDs) == 0 {
		return rep, nil
	}
	tr := NewPersonTransformer(s.log, s.validate)
	index := s.indexFunc(ctx, s.opts.PersonsIndex, &rep)

	s.setStage(StageFetchAggregates)
	err := s.source.StreamPersonRows(ctx, personIDs, s.opts.PageSize, func(rows []model.PersonRow) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setStage(StageTransform)
		if err := index(asDocuments(tr.PushPage(rows))); err != nil {
			return err
		}
		if err := tr.Err(); err != nil {
			return err
		}
		s.setStage(StageFetchAggregates)
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("同步人物失败: %w", err)
	}

	s.setStage(StageTransform)
	if doc, ok := tr.Flush(); ok {
		if err := index([]model.Document{doc}); err != nil {
			return rep, fmt.Errorf("同步人物失败: %w", err)
		}
	}
	rep.Dropped = tr.Dropped()
	s.metrics.RecordIndexed(s.opts.PersonsIndex, rep.Indexed, rep.Failed, rep.Dropped)
	return rep, nil
}

// indexFunc 写入一批文档并累计到 rep；单文档被拒绝不算错误
func (s *SyncService) indexFunc(ctx context.Context, index string, rep *IndexReport) func([]model.Document) error {
	return func(docs []model.Document) error {
		if len(docs) == 0 {
			return nil
		}
		s.setStage(StageIndex)
		res, err := s.indexer.IndexDocuments(ctx, index, docs)
		if err != nil {
			return err
		}
		rep.Indexed += res.Indexed
		rep.Failed += len(res.Errors)
		return nil
	}
}

func asDocuments[T model.Document](docs []T) []model.Document {
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, d)
	}
	return out
}

// ResetWatermark 把水位重置为起点，下个周期全量重建索引
func (s *SyncService) ResetWatermark() error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if err := s.state.ResetWatermark(s.opts.StateKey); err != nil {
		return fmt.Errorf("重置水位失败: %w", err)
	}
	s.log.Warn("水位已重置，下个周期将全量同步")
	return nil
}

// Watermark 当前已提交的水位
func (s *SyncService) Watermark() (time.Time, error) {
	return s.state.Watermark(s.opts.StateKey)
}

// Stats 当前状态快照
func (s *SyncService) Stats() SyncStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	out := s.stats
	if out.LastReport != nil {
		r := *out.LastReport
		out.LastReport = &r
	}
	return out
}

func (s *SyncService) setStage(stage Stage) {
	s.statsMu.Lock()
	s.stats.Stage = stage
	s.statsMu.Unlock()
	s.metrics.SetStage(string(stage))
}

// IsCanceled 周期是否因 ctx 取消或超时而中止
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
