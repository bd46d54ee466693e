package manager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowCodec(t *testing.T) {
	key, value, ok, err := DecodeRow(EncodeRow("users/1", []byte("alice")))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "users/1", key)
	assert.Equal(t, []byte("alice"), value)

	_, _, ok, err = DecodeRow(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, _, err = DecodeRow([]byte{0, 0, 0, 9, 'a'})
	assert.Error(t, err)
}

func TestPageCacheWriteAheadRule(t *testing.T) {
	store := NewMemoryPageStore()
	cache := NewPageCache(store, 16)

	require.NoError(t, cache.Apply(1, 10, []byte("a")))
	require.NoError(t, cache.Apply(2, 11, []byte("b")))
	require.NoError(t, cache.Apply(1, 12, []byte("a2")))

	assert.Equal(t, map[uint64]uint64{1: 10, 2: 11}, cache.DirtyPages())

	// 页1最后一次修改的日志还没落盘，不能写回
	n, err := cache.FlushDirty(11)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[uint64]uint64{1: 10}, cache.DirtyPages())

	p, err := store.ReadPage(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), p.LSN)
	p, err = store.ReadPage(1)
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())

	n, err = cache.FlushDirty(12)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, cache.DirtyPages())
	p, err = store.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), p.Data)
}

func TestPageCacheApplyIfNewer(t *testing.T) {
	cache := NewPageCache(NewMemoryPageStore(), 16)
	require.NoError(t, cache.Apply(5, 20, []byte("new")))

	applied, err := cache.ApplyIfNewer(5, 20, []byte("again"))
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = cache.ApplyIfNewer(5, 15, []byte("old"))
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = cache.ApplyIfNewer(5, 21, []byte("newer"))
	require.NoError(t, err)
	assert.True(t, applied)

	p, err := cache.Get(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), p.Data)
	assert.Equal(t, uint64(21), p.LSN)
}

func TestPageCacheEviction(t *testing.T) {
	store := NewMemoryPageStore()
	cache := NewPageCache(store, 2)

	require.NoError(t, cache.Apply(1, 1, []byte("dirty")))
	for id := uint64(2); id <= 6; id++ {
		_, err := cache.Get(id)
		require.NoError(t, err)
	}

	stats := cache.Stats()
	assert.True(t, stats.Evictions > 0)
	assert.Equal(t, 1, stats.Dirty)
	// 脏页常驻，不会在写回前被淘汰
	assert.Equal(t, map[uint64]uint64{1: 1}, cache.DirtyPages())
	assert.Equal(t, uint64(0), store.Writes())

	p, err := cache.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("dirty"), p.Data)
}

func TestFilePageStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	store, err := OpenFilePageStore(path, 256)
	require.NoError(t, err)

	require.NoError(t, store.WritePage(&Page{ID: 3, LSN: 9, Data: EncodeRow("k", []byte("v"))}))
	require.NoError(t, store.WritePage(&Page{ID: 1, LSN: 4, Data: EncodeRow("j", []byte("w"))}))
	require.NoError(t, store.Sync())

	t.Run("读写", func(t *testing.T) {
		p, err := store.ReadPage(3)
		require.NoError(t, err)
		assert.Equal(t, uint64(9), p.LSN)
		key, value, ok, err := DecodeRow(p.Data)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "k", key)
		assert.Equal(t, []byte("v"), value)

		p, err = store.ReadPage(2)
		require.NoError(t, err)
		assert.True(t, p.IsEmpty())

		ids, err := store.PageIDs()
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 3}, ids)
	})

	t.Run("超过页大小", func(t *testing.T) {
		err := store.WritePage(&Page{ID: 4, LSN: 1, Data: make([]byte, 300)})
		assert.True(t, errors.Is(err, ErrValueTooLarge))
	})

	require.NoError(t, store.Close())

	t.Run("校验失败", func(t *testing.T) {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[3*256+pageHeaderSize] ^= 0xff
		require.NoError(t, os.WriteFile(path, data, 0644))

		store, err := OpenFilePageStore(path, 256)
		require.NoError(t, err)
		defer store.Close()
		_, err = store.ReadPage(3)
		assert.True(t, errors.Is(err, ErrChecksumMismatch))
		_, err = store.ReadPage(1)
		assert.NoError(t, err)
	})
}

func TestKeyDirectoryRebuild(t *testing.T) {
	store := NewMemoryPageStore()
	require.NoError(t, store.WritePage(&Page{ID: 2, LSN: 5, Data: EncodeRow("a", []byte("1"))}))
	require.NoError(t, store.WritePage(&Page{ID: 7, LSN: 8, Data: EncodeRow("b", []byte("2"))}))
	require.NoError(t, store.WritePage(&Page{ID: 9, LSN: 9}))

	dir := NewKeyDirectory()
	rows, err := dir.Rebuild(NewPageCache(store, 8))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Key: "a", Value: []byte("1"), PageID: 2, LSN: 5}, rows[0])
	assert.Equal(t, Row{Key: "b", Value: []byte("2"), PageID: 7, LSN: 8}, rows[1])

	id, ok := dir.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, uint64(2), dir.Assign("a"))
	// 新键的页号大于所有已有页，空页也不复用
	assert.Equal(t, uint64(10), dir.Assign("c"))
	assert.Equal(t, 3, dir.Len())
}
