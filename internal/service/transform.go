package service

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/user/moovie-etl/internal/model"
	"go.uber.org/zap"
)

const creationDateLayout = "2006-01-02"

// ErrRowsOutOfOrder 同一个 id 的行在结果中不连续
var ErrRowsOutOfOrder = errors.New("行未按 id 排序")

// movieAcc 正在拼装的作品文档，以及各列表里已出现的 id
type movieAcc struct {
	doc       *model.FilmDocument
	noTitle   bool
	genres    map[string]struct{}
	actors    map[string]struct{}
	directors map[string]struct{}
	writers   map[string]struct{}
}

// MovieTransformer 把按作品 id 排序的宽表行折叠成 FilmDocument
// 作品 id 变化时输出上一个文档；一个实例只服务一条行流，不可并发使用
type MovieTransformer struct {
	log      *zap.Logger
	validate *validator.Validate

	cur     *movieAcc
	emitted map[string]struct{}
	dropped int
	err     error
}

// NewMovieTransformer 创建作品转换器
func NewMovieTransformer(log *zap.Logger, validate *validator.Validate) *MovieTransformer {
	return &MovieTransformer{
		log:      log.Named("transform"),
		validate: validate,
		emitted:  make(map[string]struct{}),
	}
}

// Push 合并一行；若该行开启了新的作品，返回上一个已完成的文档
func (t *MovieTransformer) Push(row model.MovieRow) (*model.FilmDocument, bool) {
	if t.err != nil {
		return nil, false
	}
	if t.cur != nil && t.cur.doc.ID == row.FilmID {
		t.merge(row)
		return nil, false
	}

	var (
		done *model.FilmDocument
		ok   bool
	)
	if t.cur != nil {
		done, ok = t.finalize()
	}

	if _, seen := t.emitted[row.FilmID]; seen {
		// 继续拼装只会得到缺少前半部分的文档，写入后会覆盖索引中完整的版本
		t.err = fmt.Errorf("%w: film_id=%s", ErrRowsOutOfOrder, row.FilmID)
		t.log.Error("作品行不连续，停止转换", zap.String("film_id", row.FilmID))
		return done, ok
	}

	t.cur = newMovieAcc(row)
	t.merge(row)
	return done, ok
}

// PushPage 合并一页，返回其中已完成的文档；页尾未完成的作品留到下一页继续
// 遇到不连续的行时停止，Err 返回原因
func (t *MovieTransformer) PushPage(rows []model.MovieRow) []*model.FilmDocument {
	var docs []*model.FilmDocument
	for _, row := range rows {
		if doc, ok := t.Push(row); ok {
			docs = append(docs, doc)
		}
		if t.err != nil {
			break
		}
	}
	return docs
}

// Flush 行流结束时输出最后一个文档
func (t *MovieTransformer) Flush() (*model.FilmDocument, bool) {
	if t.cur == nil || t.err != nil {
		return nil, false
	}
	return t.finalize()
}

// Err 行流不连续时非 nil，之后的行都被忽略
func (t *MovieTransformer) Err() error {
	return t.err
}

// Dropped 因校验失败被丢弃的文档数
func (t *MovieTransformer) Dropped() int {
	return t.dropped
}

func newMovieAcc(row model.MovieRow) *movieAcc {
	doc := &model.FilmDocument{
		ID:             row.FilmID,
		IMDbRating:     row.Rating,
		Title:          deref(row.Title),
		Description:    row.Description,
		FilePath:       row.FilePath,
		Genres:         []model.GenreRef{},
		DirectorsNames: []string{},
		ActorsNames:    []string{},
		WritersNames:   []string{},
		Directors:      []model.PersonRef{},
		Actors:         []model.PersonRef{},
		Writers:        []model.PersonRef{},
	}
	if row.CreationDate != nil {
		s := row.CreationDate.Format(creationDateLayout)
		doc.CreationDate = &s
	}
	return &movieAcc{
		doc:       doc,
		noTitle:   row.Title == nil,
		genres:    make(map[string]struct{}),
		actors:    make(map[string]struct{}),
		directors: make(map[string]struct{}),
		writers:   make(map[string]struct{}),
	}
}

func (t *MovieTransformer) merge(row model.MovieRow) {
	acc := t.cur

	if row.GenreID != nil {
		if _, ok := acc.genres[*row.GenreID]; !ok {
			acc.genres[*row.GenreID] = struct{}{}
			acc.doc.Genres = append(acc.doc.Genres, model.GenreRef{
				ID:          *row.GenreID,
				Name:        deref(row.GenreName),
				Description: row.GenreDescription,
			})
		}
	}

	if row.PersonID == nil || row.Role == nil {
		return
	}
	person := model.PersonRef{ID: *row.PersonID, Name: deref(row.PersonName)}

	switch *row.Role {
	case model.RoleActor:
		addPerson(acc.actors, &acc.doc.Actors, &acc.doc.ActorsNames, person)
	case model.RoleDirector:
		addPerson(acc.directors, &acc.doc.Directors, &acc.doc.DirectorsNames, person)
	case model.RoleWriter:
		addPerson(acc.writers, &acc.doc.Writers, &acc.doc.WritersNames, person)
	default:
		t.log.Debug("忽略未知角色", zap.String("film_id", row.FilmID), zap.String("role", *row.Role))
	}
}

// addPerson 同时写入 id/name 列表和 names 列表，按 id 去重
func addPerson(seen map[string]struct{}, list *[]model.PersonRef, names *[]string, p model.PersonRef) {
	if _, ok := seen[p.ID]; ok {
		return
	}
	seen[p.ID] = struct{}{}
	*list = append(*list, p)
	*names = append(*names, p.Name)
}

func (t *MovieTransformer) finalize() (*model.FilmDocument, bool) {
	doc, noTitle := t.cur.doc, t.cur.noTitle
	t.cur = nil
	t.emitted[doc.ID] = struct{}{}

	// 空字符串是合法标题，只有 NULL 不行
	if noTitle {
		t.dropped++
		t.log.Error("作品缺少标题，已丢弃", zap.String("film_id", doc.ID))
		return nil, false
	}
	if err := t.validate.Struct(doc); err != nil {
		t.dropped++
		t.log.Error("作品文档校验失败，已丢弃", zap.String("film_id", doc.ID), zap.Error(err))
		return nil, false
	}
	return doc, true
}

// personAcc 正在拼装的人物文档
type personAcc struct {
	doc   *model.PersonDocument
	films map[string]int
	roles []map[string]struct{}
}

// PersonTransformer 把按人物 id 排序的行折叠成 PersonDocument，
// 同一作品的多个角色合并为一个角色集合
type PersonTransformer struct {
	log      *zap.Logger
	validate *validator.Validate

	cur     *personAcc
	emitted map[string]struct{}
	dropped int
	err     error
}

// NewPersonTransformer 创建人物转换器
func NewPersonTransformer(log *zap.Logger, validate *validator.Validate) *PersonTransformer {
	return &PersonTransformer{
		log:      log.Named("transform"),
		validate: validate,
		emitted:  make(map[string]struct{}),
	}
}

// Push 合并一行；若该行开启了新的人物，返回上一个已完成的文档
func (t *PersonTransformer) Push(row model.PersonRow) (*model.PersonDocument, bool) {
	if t.err != nil {
		return nil, false
	}
	if t.cur != nil && t.cur.doc.ID == row.PersonID {
		t.merge(row)
		return nil, false
	}

	var (
		done *model.PersonDocument
		ok   bool
	)
	if t.cur != nil {
		done, ok = t.finalize()
	}

	if _, seen := t.emitted[row.PersonID]; seen {
		t.err = fmt.Errorf("%w: person_id=%s", ErrRowsOutOfOrder, row.PersonID)
		t.log.Error("人物行不连续，停止转换", zap.String("person_id", row.PersonID))
		return done, ok
	}

	t.cur = &personAcc{
		doc: &model.PersonDocument{
			ID:       row.PersonID,
			FullName: row.FullName,
			Films:    []model.PersonFilm{},
		},
		films: make(map[string]int),
	}
	t.merge(row)
	return done, ok
}

// PushPage 合并一页，返回其中已完成的文档
func (t *PersonTransformer) PushPage(rows []model.PersonRow) []*model.PersonDocument {
	var docs []*model.PersonDocument
	for _, row := range rows {
		if doc, ok := t.Push(row); ok {
			docs = append(docs, doc)
		}
		if t.err != nil {
			break
		}
	}
	return docs
}

// Flush 行流结束时输出最后一个文档
func (t *PersonTransformer) Flush() (*model.PersonDocument, bool) {
	if t.cur == nil || t.err != nil {
		return nil, false
	}
	return t.finalize()
}

// Err 行流不连续时非 nil
func (t *PersonTransformer) Err() error {
	return t.err
}

// Dropped 因校验失败被丢弃的文档数
func (t *PersonTransformer) Dropped() int {
	return t.dropped
}

func (t *PersonTransformer) merge(row model.PersonRow) {
	if row.FilmID == nil {
		return
	}
	acc := t.cur
	idx, ok := acc.films[*row.FilmID]
	if !ok {
		idx = len(acc.doc.Films)
		acc.films[*row.FilmID] = idx
		acc.doc.Films = append(acc.doc.Films, model.PersonFilm{ID: *row.FilmID})
		acc.roles = append(acc.roles, make(map[string]struct{}))
	}
	if row.Role != nil {
		acc.roles[idx][*row.Role] = struct{}{}
	}
}

func (t *PersonTransformer) finalize() (*model.PersonDocument, bool) {
	acc := t.cur
	t.cur = nil
	t.emitted[acc.doc.ID] = struct{}{}

	for i := range acc.doc.Films {
		roles := make([]string, 0, len(acc.roles[i]))
		for role := range acc.roles[i] {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		acc.doc.Films[i].Roles = roles
	}

	if err := t.validate.Struct(acc.doc); err != nil {
		t.dropped++
		t.log.Error("人物文档校验失败，已丢弃", zap.String("person_id", acc.doc.ID), zap.Error(err))
		return nil, false
	}
	return acc.doc, true
}

// TransformMovies 一次性折叠整段行流
func TransformMovies(log *zap.Logger, validate *validator.Validate, rows []model.MovieRow) []*model.FilmDocument {
	t := NewMovieTransformer(log, validate)
	docs := t.PushPage(rows)
	if doc, ok := t.Flush(); ok {
		docs = append(docs, doc)
	}
	return docs
}

// TransformPersons 一次性折叠整段行流
func TransformPersons(log *zap.Logger, validate *validator.Validate, rows []model.PersonRow) []*model.PersonDocument {
	t := NewPersonTransformer(log, validate)
	docs := t.PushPage(rows)
	if doc, ok := t.Flush(); ok {
		docs = append(docs, doc)
	}
	return docs
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
