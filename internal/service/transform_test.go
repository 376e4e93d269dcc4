package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/moovie-etl/internal/model"
	"go.uber.org/zap"
)

func sp(s string) *string { return &s }

func movieRow(film, personID, personName, role, genreID, genreName string) model.MovieRow {
	rating := 8.1
	created := time.Date(1977, 5, 25, 0, 0, 0, 0, time.UTC)
	row := model.MovieRow{
		FilmID:       film,
		Title:        sp("Title " + film),
		Description:  sp("About " + film),
		Rating:       &rating,
		Type:         sp("movie"),
		CreationDate: &created,
	}
	if personID != "" {
		row.PersonID = sp(personID)
		row.PersonName = sp(personName)
		row.Role = sp(role)
	}
	if genreID != "" {
		row.GenreID = sp(genreID)
		row.GenreName = sp(genreName)
		row.GenreDescription = sp(genreName + " films")
	}
	return row
}

func TestTransformMovies_ExampleScenario(t *testing.T) {
	rows := []model.MovieRow{
		movieRow("F1", "P1", "Ann Lee", model.RoleActor, "G1", "Drama"),
		movieRow("F1", "P1", "Ann Lee", model.RoleWriter, "G1", "Drama"),
		movieRow("F1", "P1", "Ann Lee", model.RoleActor, "G1", "Drama"),
	}

	docs := TransformMovies(zap.NewNop(), validator.New(), rows)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, "F1", doc.ID)
	assert.Equal(t, []model.PersonRef{{ID: "P1", Name: "Ann Lee"}}, doc.Actors)
	assert.Equal(t, []model.PersonRef{{ID: "P1", Name: "Ann Lee"}}, doc.Writers)
	assert.Empty(t, doc.Directors)
	assert.Equal(t, []string{"Ann Lee"}, doc.ActorsNames)
	assert.Equal(t, []string{"Ann Lee"}, doc.WritersNames)
	require.Len(t, doc.Genres, 1)
	assert.Equal(t, "G1", doc.Genres[0].ID)
	require.NotNil(t, doc.CreationDate)
	assert.Equal(t, "1977-05-25", *doc.CreationDate)
}

func TestTransformMovies_NoDuplicateIDs(t *testing.T) {
	// 2 个人物 × 3 个类型 的笛卡尔积
	var rows []model.MovieRow
	for _, p := range []struct{ id, role string }{{"P1", model.RoleDirector}, {"P2", model.RoleActor}} {
		for _, g := range []string{"G1", "G2", "G3"} {
			rows = append(rows, movieRow("F1", p.id, "name "+p.id, p.role, g, "genre "+g))
		}
	}

	docs := TransformMovies(zap.NewNop(), validator.New(), rows)
	require.Len(t, docs, 1)
	doc := docs[0]

	assertUniqueGenres(t, doc.Genres)
	assertUniquePersons(t, doc.Actors)
	assertUniquePersons(t, doc.Directors)
	assertUniquePersons(t, doc.Writers)
	assert.Len(t, doc.Genres, 3)
	assert.Len(t, doc.Directors, 1)
	assert.Len(t, doc.Actors, 1)
	assert.Equal(t, len(doc.Actors), len(doc.ActorsNames))
	assert.Equal(t, len(doc.Directors), len(doc.DirectorsNames))
}

func TestTransformMovies_FilmWithoutRelations(t *testing.T) {
	rows := []model.MovieRow{
		movieRow("F1", "", "", "", "", ""),
		movieRow("F2", "P1", "Ann", model.RoleActor, "", ""),
	}

	docs := TransformMovies(zap.NewNop(), validator.New(), rows)
	require.Len(t, docs, 2)
	assert.Equal(t, "F1", docs[0].ID)
	assert.Empty(t, docs[0].Genres)
	assert.Empty(t, docs[0].Actors)
	assert.NotNil(t, docs[0].Actors, "空列表需要序列化为 []")

	body, err := json.Marshal(docs[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), `"actors":[]`)
}

func TestTransformMovies_InvalidDocumentIsDropped(t *testing.T) {
	bad := movieRow("F2", "P1", "Ann", model.RoleActor, "", "")
	bad.Title = nil

	rows := []model.MovieRow{
		movieRow("F1", "P1", "Ann", model.RoleActor, "G1", "Drama"),
		bad,
		movieRow("F3", "P2", "Bob", model.RoleDirector, "G1", "Drama"),
	}

	tr := NewMovieTransformer(zap.NewNop(), validator.New())
	docs := tr.PushPage(rows)
	last, ok := tr.Flush()
	require.True(t, ok)
	docs = append(docs, last)

	require.Len(t, docs, 2)
	assert.Equal(t, "F1", docs[0].ID)
	assert.Equal(t, "F3", docs[1].ID)
	assert.Equal(t, 1, tr.Dropped())
}

func TestTransformMovies_EmptyTitleKept(t *testing.T) {
	row := movieRow("F1", "P1", "Ann", model.RoleActor, "G1", "Drama")
	row.Title = sp("")

	tr := NewMovieTransformer(zap.NewNop(), validator.New())
	assert.Empty(t, tr.PushPage([]model.MovieRow{row}))
	doc, ok := tr.Flush()
	require.True(t, ok)
	assert.Equal(t, "", doc.Title)
	assert.Zero(t, tr.Dropped())
}

func TestMovieTransformer_OutOfOrderRowsStop(t *testing.T) {
	rows := []model.MovieRow{
		movieRow("F1", "", "", "", "G1", "Drama"),
		movieRow("F2", "", "", "", "G1", "Drama"),
		movieRow("F1", "", "", "", "G2", "Comedy"),
		movieRow("F3", "", "", "", "G1", "Drama"),
	}

	tr := NewMovieTransformer(zap.NewNop(), validator.New())
	docs := tr.PushPage(rows)
	require.ErrorIs(t, tr.Err(), ErrRowsOutOfOrder)

	// 只输出完整的 F1 和 F2，不会再产生只含 G2 的 F1
	require.Len(t, docs, 2)
	assert.Equal(t, "F1", docs[0].ID)
	assert.Equal(t, []model.GenreRef{{ID: "G1", Name: "Drama", Description: sp("Drama films")}}, docs[0].Genres)
	assert.Equal(t, "F2", docs[1].ID)

	_, ok := tr.Flush()
	assert.False(t, ok)
	assert.Empty(t, tr.PushPage(rows[3:]))
}

func TestPersonTransformer_OutOfOrderRowsStop(t *testing.T) {
	rows := []model.PersonRow{
		personRow("P1", "Ann", "F1", model.RoleActor),
		personRow("P2", "Bob", "F1", model.RoleActor),
		personRow("P1", "Ann", "F2", model.RoleWriter),
	}

	tr := NewPersonTransformer(zap.NewNop(), validator.New())
	docs := tr.PushPage(rows)
	require.ErrorIs(t, tr.Err(), ErrRowsOutOfOrder)
	require.Len(t, docs, 2)
	assert.Equal(t, "P2", docs[1].ID)

	_, ok := tr.Flush()
	assert.False(t, ok)
}

func TestMovieTransformer_GroupSpansPages(t *testing.T) {
	rows := []model.MovieRow{
		movieRow("F1", "P1", "Ann", model.RoleActor, "G1", "Drama"),
		movieRow("F1", "P2", "Bob", model.RoleActor, "G1", "Drama"),
		movieRow("F1", "P3", "Cid", model.RoleWriter, "G1", "Drama"),
		movieRow("F2", "P1", "Ann", model.RoleDirector, "G2", "Comedy"),
	}

	tr := NewMovieTransformer(zap.NewNop(), validator.New())
	first := tr.PushPage(rows[:2])
	assert.Empty(t, first, "第一页结束时 F1 尚未完成")

	second := tr.PushPage(rows[2:])
	require.Len(t, second, 1)
	assert.Equal(t, "F1", second[0].ID)
	assert.Len(t, second[0].Actors, 2)
	assert.Len(t, second[0].Writers, 1)

	last, ok := tr.Flush()
	require.True(t, ok)
	assert.Equal(t, "F2", last.ID)

	_, ok = tr.Flush()
	assert.False(t, ok)
}

func TestTransformMovies_Idempotent(t *testing.T) {
	rows := []model.MovieRow{
		movieRow("F1", "P1", "Ann", model.RoleActor, "G1", "Drama"),
		movieRow("F1", "P2", "Bob", model.RoleWriter, "G2", "Comedy"),
		movieRow("F2", "P1", "Ann", model.RoleDirector, "G1", "Drama"),
	}

	a, err := json.Marshal(TransformMovies(zap.NewNop(), validator.New(), rows))
	require.NoError(t, err)
	b, err := json.Marshal(TransformMovies(zap.NewNop(), validator.New(), rows))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTransformMovies_UnknownRoleIgnored(t *testing.T) {
	rows := []model.MovieRow{movieRow("F1", "P1", "Ann", "producer", "", "")}

	docs := TransformMovies(zap.NewNop(), validator.New(), rows)
	require.Len(t, docs, 1)
	assert.Empty(t, docs[0].Actors)
	assert.Empty(t, docs[0].Directors)
	assert.Empty(t, docs[0].Writers)
}

func personRow(person, name, film, role string) model.PersonRow {
	row := model.PersonRow{PersonID: person, FullName: name}
	if film != "" {
		row.FilmID = sp(film)
		row.Role = sp(role)
	}
	return row
}

func TestTransformPersons_RoleUnion(t *testing.T) {
	rows := []model.PersonRow{
		personRow("P1", "George Lucas", "F1", model.RoleWriter),
		personRow("P1", "George Lucas", "F1", model.RoleDirector),
		personRow("P1", "George Lucas", "F1", model.RoleWriter),
		personRow("P1", "George Lucas", "F2", model.RoleWriter),
		personRow("P2", "Mark Hamill", "F1", model.RoleActor),
	}

	docs := TransformPersons(zap.NewNop(), validator.New(), rows)
	require.Len(t, docs, 2)

	assert.Equal(t, "P1", docs[0].ID)
	assert.Equal(t, []model.PersonFilm{
		{ID: "F1", Roles: []string{model.RoleDirector, model.RoleWriter}},
		{ID: "F2", Roles: []string{model.RoleWriter}},
	}, docs[0].Films)

	assert.Equal(t, "P2", docs[1].ID)
	assert.Equal(t, []model.PersonFilm{{ID: "F1", Roles: []string{model.RoleActor}}}, docs[1].Films)
}

func TestTransformPersons_LastPersonIsEmitted(t *testing.T) {
	rows := []model.PersonRow{
		personRow("P1", "Ann", "F1", model.RoleActor),
		personRow("P2", "Bob", "F2", model.RoleActor),
	}

	docs := TransformPersons(zap.NewNop(), validator.New(), rows)
	require.Len(t, docs, 2)
	assert.Equal(t, "P2", docs[1].ID)
}

func TestTransformPersons_PersonWithoutFilms(t *testing.T) {
	docs := TransformPersons(zap.NewNop(), validator.New(), []model.PersonRow{personRow("P1", "Ann", "", "")})
	require.Len(t, docs, 1)
	assert.Empty(t, docs[0].Films)
}

func TestTransformPersons_InvalidDropped(t *testing.T) {
	rows := []model.PersonRow{
		personRow("P1", "Ann", "", ""),
		personRow("P2", "Bob", "F1", model.RoleActor),
	}
	rows[0].FilmID = sp("")

	tr := NewPersonTransformer(zap.NewNop(), validator.New())
	docs := tr.PushPage(rows)
	last, ok := tr.Flush()
	require.True(t, ok)
	docs = append(docs, last)

	require.Len(t, docs, 1)
	assert.Equal(t, "P2", docs[0].ID)
	assert.Equal(t, 1, tr.Dropped())
}

func assertUniqueGenres(t *testing.T, genres []model.GenreRef) {
	t.Helper()
	seen := map[string]bool{}
	for _, g := range genres {
		assert.False(t, seen[g.ID], "重复的类型 %s", g.ID)
		seen[g.ID] = true
	}
}

func assertUniquePersons(t *testing.T, persons []model.PersonRef) {
	t.Helper()
	seen := map[string]bool{}
	for _, p := range persons {
		assert.False(t, seen[p.ID], "重复的人物 %s", p.ID)
		seen[p.ID] = true
	}
}
