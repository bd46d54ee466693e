package mvcc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionStoreCapacity(t *testing.T) {
	t.Run("全局上限", func(t *testing.T) {
		s := NewVersionStore(4, 10, 3)
		require.True(t, s.Reserve(2))
		assert.False(t, s.Reserve(2))
		require.True(t, s.Reserve(1))
		assert.Equal(t, int64(3), s.TotalVersions())
		s.Release(1)
		assert.Equal(t, int64(2), s.TotalVersions())
	})

	t.Run("单键上限先尝试局部回收", func(t *testing.T) {
		s := NewVersionStore(4, 2, 100)
		for i := int64(1); i <= 2; i++ {
			require.True(t, s.Reserve(1))
			require.NoError(t, s.Install("k", []byte{byte(i)}, uint64(i), ts(i*10)))
		}
		// 有快照停在 15，v10 仍可能被读到
		err := s.EnsureKeyCapacity([]string{"k"}, ts(15))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCapacityExceeded))

		// 快照前移后 v10 可回收
		require.NoError(t, s.EnsureKeyCapacity([]string{"k"}, ts(25)))
		assert.Equal(t, 1, s.ChainLen("k"))
		assert.Equal(t, int64(1), s.TotalVersions())
	})

	t.Run("全量回收", func(t *testing.T) {
		s := NewVersionStore(8, 100, 1000)
		for k := 0; k < 10; k++ {
			for i := int64(1); i <= 3; i++ {
				require.True(t, s.Reserve(1))
				require.NoError(t, s.Install(fmt.Sprintf("key-%d", k), []byte("x"), uint64(i), ts(i*10)))
			}
		}
		assert.Equal(t, int64(30), s.TotalVersions())
		collected := s.Collect(ts(100))
		assert.Equal(t, 20, collected)
		assert.Equal(t, int64(10), s.TotalVersions())
		assert.Equal(t, 10, s.KeyCount())
		assert.Len(t, s.Keys(), 10)
	})
}
