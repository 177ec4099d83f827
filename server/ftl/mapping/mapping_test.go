package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightchannel/ocftl/server/ftl/block"
)

func TestTable(t *testing.T) {
	t.Run("update then lookup round-trips and takes a block ref", func(t *testing.T) {
		tab := NewTable(16, false)
		b := block.New(0, 0, 0, 4, 1)

		require.NoError(t, tab.UpdateMap(0, 3, b, FlagPrimary))

		e := tab.LookupLtoP(0)
		assert.Equal(t, uint64(3), e.Addr)
		assert.EqualValues(t, 1, b.RefCount())

		assert.Equal(t, uint64(0), tab.LookupPtoL(3))
	})

	t.Run("overwrite invalidates the previous physical page", func(t *testing.T) {
		tab := NewTable(16, false)
		b := block.New(0, 0, 0, 4, 1)

		require.NoError(t, tab.UpdateMap(0, 1, b, FlagPrimary))
		require.NoError(t, tab.UpdateMap(0, 2, b, FlagPrimary))

		assert.True(t, b.InvalidBit(1))
		assert.Equal(t, Poison, tab.LookupPtoL(1))
		assert.Equal(t, uint64(0), tab.LookupPtoL(2))
	})

	t.Run("double invalidation via a stale addr is an integrity error", func(t *testing.T) {
		tab := NewTable(16, false)
		b := block.New(0, 0, 0, 4, 1)
		require.NoError(t, tab.UpdateMap(0, 1, b, FlagPrimary))
		b.MarkInvalid(1) // simulate the slot already invalidated out-of-band

		err := tab.UpdateMap(0, 2, b, FlagPrimary)
		assert.Error(t, err)
	})

	t.Run("shadow map is independent of primary", func(t *testing.T) {
		tab := NewTable(16, true)
		b1 := block.New(0, 0, 0, 4, 1)
		b2 := block.New(1, 0, 4, 4, 1)

		require.NoError(t, tab.UpdateMap(5, 1, b1, FlagPrimary))
		require.NoError(t, tab.UpdateMap(5, 5, b2, FlagShadow))

		shadow := tab.LookupShadow(5)
		assert.Equal(t, uint64(5), shadow.Addr)
		primary := tab.LookupLtoP(5)
		assert.Equal(t, uint64(1), primary.Addr)
	})

	t.Run("trim_shadow clears without installing", func(t *testing.T) {
		tab := NewTable(16, true)
		b := block.New(0, 0, 0, 4, 1)
		require.NoError(t, tab.UpdateMap(5, 1, b, FlagShadow))
		require.NoError(t, tab.UpdateMap(5, 0, nil, FlagTrimShadow))

		assert.True(t, tab.LookupShadow(5).Empty())
	})

	t.Run("never-written entry is empty and takes no ref", func(t *testing.T) {
		tab := NewTable(16, false)
		e := tab.LookupLtoP(9)
		assert.True(t, e.Empty())
	})

	t.Run("bijection holds across several writes", func(t *testing.T) {
		tab := NewTable(16, false)
		b := block.New(0, 0, 0, 16, 1)
		for l := uint64(0); l < 4; l++ {
			require.NoError(t, tab.UpdateMap(l, l, b, FlagPrimary))
		}
		assert.True(t, tab.CheckBijection())
	})
}
