package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memSource struct {
	tables map[string][]Row
	reads  []string
}

func (s *memSource) SelectTable(_ context.Context, table string, batchSize int, fn func([]Row) error) error {
	s.reads = append(s.reads, table)
	rows, ok := s.tables[table]
	if !ok {
		return ErrExtraction
	}
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// memDestination 模拟 ON CONFLICT (id) DO NOTHING，并检查外键目标已加载
type memDestination struct {
	order []string
	deps  map[string]map[string]string // table -> column -> referenced table
	data  map[string]map[any]Row
	fail  string
}

func newMemDestination() *memDestination {
	return &memDestination{
		order: []string{"genre", "film_work", "genre_film_work"},
		deps: map[string]map[string]string{
			"genre_film_work": {"genre_id": "genre", "film_work_id": "film_work"},
		},
		data: map[string]map[any]Row{},
	}
}

func (d *memDestination) Tables(context.Context) ([]string, error) {
	return d.order, nil
}

func (d *memDestination) LoadBatch(_ context.Context, table string, rows []Row) (int64, error) {
	if table == d.fail {
		return 0, ErrLoading
	}
	if d.data[table] == nil {
		d.data[table] = map[any]Row{}
	}
	var inserted int64
	for _, row := range rows {
		for col, ref := range d.deps[table] {
			if _, ok := d.data[ref][row[col]]; !ok {
				return inserted, errors.New("foreign key violation")
			}
		}
		if _, ok := d.data[table][row["id"]]; ok {
			continue
		}
		d.data[table][row["id"]] = row
		inserted++
	}
	return inserted, nil
}

func fixtureSource() *memSource {
	return &memSource{tables: map[string][]Row{
		"genre":     {{"id": "g1"}, {"id": "g2"}},
		"film_work": {{"id": "f1"}, {"id": "f2"}, {"id": "f3"}},
		"genre_film_work": {
			{"id": "gf1", "genre_id": "g1", "film_work_id": "f1"},
			{"id": "gf2", "genre_id": "g2", "film_work_id": "f3"},
		},
	}}
}

func TestLoader_Run(t *testing.T) {
	src := fixtureSource()
	dst := newMemDestination()

	report, err := New(src, dst, 2, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"genre", "film_work", "genre_film_work"}, src.reads)
	require.Len(t, report.Tables, 3)
	assert.Equal(t, TableReport{Table: "film_work", Extracted: 3, Inserted: 3, Batches: 2}, report.Tables[1])
	assert.Len(t, dst.data["genre_film_work"], 2)
}

func TestLoader_RerunConverges(t *testing.T) {
	src := fixtureSource()
	dst := newMemDestination()
	l := New(src, dst, 1000, zap.NewNop())

	_, err := l.Run(context.Background())
	require.NoError(t, err)

	report, err := l.Run(context.Background())
	require.NoError(t, err)
	for _, tr := range report.Tables {
		assert.Zero(t, tr.Inserted, tr.Table)
		assert.Positive(t, tr.Extracted, tr.Table)
	}
	assert.Len(t, dst.data["film_work"], 3)
}

func TestLoader_AbortsOnLoadError(t *testing.T) {
	src := fixtureSource()
	dst := newMemDestination()
	dst.fail = "film_work"

	_, err := New(src, dst, 1000, zap.NewNop()).Run(context.Background())
	require.ErrorIs(t, err, ErrLoading)
	assert.NotContains(t, src.reads, "genre_film_work")
}

func TestLoader_AbortsOnExtractionError(t *testing.T) {
	src := fixtureSource()
	delete(src.tables, "genre")

	_, err := New(src, newMemDestination(), 1000, zap.NewNop()).Run(context.Background())
	require.ErrorIs(t, err, ErrExtraction)
}
