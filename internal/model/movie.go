package model

import (
	"time"
)

// 被监控的实体类型（同时也是 content schema 下的表名）
const (
	EntityGenre    = "genre"
	EntityPerson   = "person"
	EntityFilmWork = "film_work"
)

// 参与角色
const (
	RoleActor    = "actor"
	RoleDirector = "director"
	RoleWriter   = "writer"
)

// 以下 gorm 模型用于在空库上建表（loader --migrate），字段与 content schema 一致

// Genre 类型
type Genre struct {
	ID          string    `json:"id" gorm:"type:uuid;primaryKey"`
	Name        string    `json:"name" gorm:"not null"`
	Description *string   `json:"description"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified" gorm:"index"`
}

func (Genre) TableName() string { return "content.genre" }

// Person 人物
type Person struct {
	ID       string    `json:"id" gorm:"type:uuid;primaryKey"`
	FullName string    `json:"full_name" gorm:"not null"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified" gorm:"index"`
}

func (Person) TableName() string { return "content.person" }

// FilmWork 影视作品（聚合根）
type FilmWork struct {
	ID           string     `json:"id" gorm:"type:uuid;primaryKey"`
	Title        string     `json:"title" gorm:"not null"`
	Description  *string    `json:"description"`
	CreationDate *time.Time `json:"creation_date" gorm:"type:date"`
	Rating       *float64   `json:"rating"`
	Type         string     `json:"type" gorm:"not null"`
	FilePath     *string    `json:"file_path"`
	Created      time.Time  `json:"created"`
	Modified     time.Time  `json:"modified" gorm:"index"`
}

func (FilmWork) TableName() string { return "content.film_work" }

// GenreFilmWork 作品-类型关联
type GenreFilmWork struct {
	ID         string    `json:"id" gorm:"type:uuid;primaryKey"`
	FilmWorkID string    `json:"film_work_id" gorm:"type:uuid;not null;uniqueIndex:film_work_genre_idx"`
	GenreID    string    `json:"genre_id" gorm:"type:uuid;not null;uniqueIndex:film_work_genre_idx"`
	Created    time.Time `json:"created"`

	FilmWork FilmWork `json:"-" gorm:"foreignKey:FilmWorkID;constraint:OnDelete:CASCADE"`
	Genre    Genre    `json:"-" gorm:"foreignKey:GenreID;constraint:OnDelete:CASCADE"`
}

func (GenreFilmWork) TableName() string { return "content.genre_film_work" }

// PersonFilmWork 作品-人物关联，带角色
type PersonFilmWork struct {
	ID         string    `json:"id" gorm:"type:uuid;primaryKey"`
	FilmWorkID string    `json:"film_work_id" gorm:"type:uuid;not null;uniqueIndex:film_work_person_idx"`
	PersonID   string    `json:"person_id" gorm:"type:uuid;not null;uniqueIndex:film_work_person_idx"`
	Role       string    `json:"role" gorm:"not null;uniqueIndex:film_work_person_idx"`
	Created    time.Time `json:"created"`

	FilmWork FilmWork `json:"-" gorm:"foreignKey:FilmWorkID;constraint:OnDelete:CASCADE"`
	Person   Person   `json:"-" gorm:"foreignKey:PersonID;constraint:OnDelete:CASCADE"`
}

func (PersonFilmWork) TableName() string { return "content.person_film_work" }

// ContentModels 建表顺序（被引用的表在前）
func ContentModels() []interface{} {
	return []interface{}{&Genre{}, &Person{}, &FilmWork{}, &GenreFilmWork{}, &PersonFilmWork{}}
}

// MovieRow 宽表查询的一行：作品 × 人物关联 × 人物 × 类型关联 × 类型
// 左连接可能带来空的人物/类型列
type MovieRow struct {
	FilmID       string
	Title        *string
	Description  *string
	Rating       *float64
	Type         *string
	CreationDate *time.Time
	FilePath     *string

	PersonID   *string
	PersonName *string
	Role       *string

	GenreID          *string
	GenreName        *string
	GenreDescription *string
}

// PersonRow 人物 × 人物关联 的一行；没有参与任何作品的人物 FilmID 为空
type PersonRow struct {
	PersonID string
	FullName string
	FilmID   *string
	Role     *string
}
