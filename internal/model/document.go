package model

// Document 可写入搜索索引的文档
type Document interface {
	DocumentID() string
}

// GenreRef 文档中的类型
type GenreRef struct {
	ID          string  `json:"id" validate:"required"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// PersonRef 文档中的人物
type PersonRef struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

// FilmDocument movies 索引文档
type FilmDocument struct {
	ID             string      `json:"id" validate:"required"`
	IMDbRating     *float64    `json:"imdb_rating"`
	Title          string      `json:"title"`
	Description    *string     `json:"description"`
	CreationDate   *string     `json:"creation_date"`
	FilePath       *string     `json:"file_path"`
	Genres         []GenreRef  `json:"genres" validate:"dive"`
	DirectorsNames []string    `json:"directors_names"`
	ActorsNames    []string    `json:"actors_names"`
	WritersNames   []string    `json:"writers_names"`
	Directors      []PersonRef `json:"directors" validate:"dive"`
	Actors         []PersonRef `json:"actors" validate:"dive"`
	Writers        []PersonRef `json:"writers" validate:"dive"`
}

func (d *FilmDocument) DocumentID() string { return d.ID }

// PersonFilm 人物参与的作品及其全部角色
type PersonFilm struct {
	ID    string   `json:"id" validate:"required"`
	Roles []string `json:"roles"`
}

// PersonDocument persons 索引文档
type PersonDocument struct {
	ID       string       `json:"id" validate:"required"`
	FullName string       `json:"full_name"`
	Films    []PersonFilm `json:"films" validate:"dive"`
}

func (d *PersonDocument) DocumentID() string { return d.ID }
