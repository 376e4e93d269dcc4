package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_GetOrLoad(t *testing.T) {
	c := NewTTLCache(time.Minute)
	calls := 0
	load := func() (interface{}, error) {
		calls++
		return int64(42), nil
	}

	v, err := c.GetOrLoad("movies", load)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = c.GetOrLoad("movies", load)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	c.Delete("movies")
	_, err = c.GetOrLoad("movies", load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTTLCache_ErrorsAreNotCached(t *testing.T) {
	c := NewTTLCache(time.Minute)
	_, err := c.GetOrLoad("k", func() (interface{}, error) { return nil, errors.New("down") })
	require.Error(t, err)

	v, err := c.GetOrLoad("k", func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestTTLCache_Expires(t *testing.T) {
	c := NewTTLCache(20 * time.Millisecond)
	_, err := c.GetOrLoad("k", func() (interface{}, error) { return 1, nil })
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	v, err := c.GetOrLoad("k", func() (interface{}, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
