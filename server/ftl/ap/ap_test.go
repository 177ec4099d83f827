package ap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightchannel/ocftl/server/ftl/pool"
)

func newTestAllocator(t *testing.T, nrPools, blksPerPool, k, h, apsPerPool uint32) *Allocator {
	store := pool.NewStore(nrPools, blksPerPool, k, h)
	a, err := NewAllocator(store, apsPerPool)
	require.NoError(t, err)
	return a
}

func TestPageIsFast(t *testing.T) {
	k := uint32(12)
	assert.True(t, PageIsFast(0, k))
	assert.True(t, PageIsFast(3, k))
	assert.False(t, PageIsFast(4, k))
	assert.False(t, PageIsFast(5, k))
	assert.True(t, PageIsFast(6, k))
	assert.True(t, PageIsFast(7, k))
	assert.False(t, PageIsFast(8, k)) // k-4
	assert.False(t, PageIsFast(11, k))
}

func TestAllocator(t *testing.T) {
	t.Run("new allocator claims an initial current block per AP", func(t *testing.T) {
		a := newTestAllocator(t, 1, 2, 4, 1, 1)
		require.Equal(t, 1, a.Len())
		assert.NotNil(t, a.AP(0).CurrentBlock())
	})

	t.Run("alloc_from_ap hands out sequential addresses then rolls over", func(t *testing.T) {
		a := newTestAllocator(t, 1, 2, 2, 1, 1)
		apRef := a.AP(0)
		first := apRef.CurrentBlock()

		addr1, blk1, err := a.AllocFromAP(apRef)
		require.NoError(t, err)
		assert.Equal(t, first.BaseAddr, addr1)
		assert.Same(t, first, blk1)

		addr2, _, err := a.AllocFromAP(apRef)
		require.NoError(t, err)
		assert.Equal(t, first.BaseAddr+1, addr2)

		// Current block is now full: next alloc rolls to a fresh block.
		addr3, blk3, err := a.AllocFromAP(apRef)
		require.NoError(t, err)
		assert.NotSame(t, first, blk3)
		assert.Equal(t, blk3.BaseAddr, addr3)
		assert.Nil(t, first.Owner())
	})

	t.Run("next_ap round-robins across all APs", func(t *testing.T) {
		a := newTestAllocator(t, 1, 4, 4, 1, 3)
		seen := map[uint32]bool{}
		for i := 0; i < 3; i++ {
			seen[a.NextAP().Index] = true
		}
		assert.Len(t, seen, 3)
	})

	t.Run("alloc_fastest prefers an AP with a ready fast page", func(t *testing.T) {
		a := newTestAllocator(t, 1, 2, 8, 1, 1)
		base := a.AP(0).CurrentBlock().BaseAddr
		addr, _, err := a.AllocFastest()
		require.NoError(t, err)
		assert.Equal(t, base, addr) // page 0 is fast and was handed out first
	})

	t.Run("alloc_fastest falls back to default allocation when no AP has a fast page ready", func(t *testing.T) {
		a := newTestAllocator(t, 1, 2, 8, 1, 1)
		apRef := a.AP(0)
		// Drain past the fast window (pages 0-3) so only slow pages remain.
		for i := 0; i < 4; i++ {
			_, _, err := a.AllocFromAP(apRef)
			require.NoError(t, err)
		}
		_, blk, err := a.AllocFastest()
		require.NoError(t, err)
		assert.Same(t, apRef.CurrentBlock(), blk)
	})
}
