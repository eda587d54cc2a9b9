package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_SortsAndFilters(t *testing.T) {
	r := Runner{FS: fstest.MapFS{
		"0002_commands_up.sql": {Data: []byte("SELECT 2")},
		"0001_init_up.sql":     {Data: []byte("SELECT 1")},
		"0001_init_down.sql":   {Data: []byte("SELECT 0")},
		"notes_up.sql":         {Data: []byte("--")},
		"README.md":            {Data: []byte("#")},
		"sub/0010_late_up.sql": {Data: []byte("SELECT 10")},
	}}
	got, err := r.Discover()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, int64(2), got[1].Version)
	assert.Equal(t, "sub/0010_late_up.sql", got[2].Name)
}

func TestDiscover_DuplicateVersion(t *testing.T) {
	r := Runner{FS: fstest.MapFS{
		"0001_a_up.sql": {Data: []byte("SELECT 1")},
		"0001_b_up.sql": {Data: []byte("SELECT 1")},
	}}
	_, err := r.Discover()
	assert.Error(t, err)
}

func TestDiscover_NoSource(t *testing.T) {
	_, err := Runner{}.Discover()
	assert.Error(t, err, "未配置迁移目录应报错")
}
