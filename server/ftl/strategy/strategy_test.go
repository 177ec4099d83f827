package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightchannel/ocftl/server/ftl/ap"
	"github.com/lightchannel/ocftl/server/ftl/hint"
	"github.com/lightchannel/ocftl/server/ftl/mapping"
	"github.com/lightchannel/ocftl/server/ftl/pool"
)

func newHarness(t *testing.T, kind Kind, apsPerPool uint32) (*Strategy, *ap.Allocator, *hint.List, *pool.Store) {
	store := pool.NewStore(1, 4, 8, 1)
	alloc, err := ap.NewAllocator(store, apsPerPool)
	require.NoError(t, err)
	hints := hint.NewList()
	table := mapping.NewTable(store.N, kind == Latency)
	return New(kind, alloc, table, store, hints), alloc, hints, store
}

func TestMapPageDefault(t *testing.T) {
	s, _, _, _ := newHarness(t, Default, 1)
	m, err := s.MapPage(0, false, 0, 1)
	require.NoError(t, err)
	assert.NotNil(t, m.Blk)
	assert.False(t, m.HasShadow)
}

func TestMapPageSwap(t *testing.T) {
	t.Run("a swap hint routes the write to a fast page", func(t *testing.T) {
		s, _, hints, _ := newHarness(t, Swap, 1)
		hints.Submit(&hint.Record{StartLBA: 3, Count: 1, Flags: hint.FlagSwap})

		m, err := s.MapPage(3, false, 0, 1)
		require.NoError(t, err)
		assert.True(t, m.FastSlot)
	})

	t.Run("no hint and not GC falls back to default placement", func(t *testing.T) {
		s, _, _, _ := newHarness(t, Swap, 1)
		m, err := s.MapPage(3, false, 0, 1)
		require.NoError(t, err)
		assert.False(t, m.FastSlot)
	})
}

func TestMapPageLatency(t *testing.T) {
	t.Run("a latency hint installs a shadow copy", func(t *testing.T) {
		s, _, hints, _ := newHarness(t, Latency, 1)
		hints.Submit(&hint.Record{StartLBA: 2, Count: 1, Flags: hint.FlagLatency})

		m, err := s.MapPage(2, false, 0, 1)
		require.NoError(t, err)
		assert.True(t, m.HasShadow)
		assert.NotNil(t, m.ShadowBlk)
	})

	t.Run("without a hint there is no shadow write", func(t *testing.T) {
		s, _, _, _ := newHarness(t, Latency, 1)
		m, err := s.MapPage(2, false, 0, 1)
		require.NoError(t, err)
		assert.False(t, m.HasShadow)
	})
}

func TestMapPagePack(t *testing.T) {
	t.Run("a pack hint routes to the reserved pack AP and stays bound to the inode", func(t *testing.T) {
		s, alloc, hints, _ := newHarness(t, Pack, 2)
		hints.Submit(&hint.Record{Ino: 11, StartLBA: 0, Count: 1, Flags: hint.FlagPack})
		hints.Submit(&hint.Record{Ino: 11, StartLBA: 1, Count: 1, Flags: hint.FlagPack})

		m1, err := s.MapPage(0, false, 0, 2)
		require.NoError(t, err)
		m2, err := s.MapPage(1, false, 0, 2)
		require.NoError(t, err)

		packAP := alloc.AP(s.packAPIndex(0, 2))
		assert.Same(t, packAP.CurrentBlock(), m1.Blk)
		assert.Same(t, packAP.CurrentBlock(), m2.Blk)
	})

	t.Run("a write with no pack hint never lands on the reserved pack AP", func(t *testing.T) {
		s, alloc, _, _ := newHarness(t, Pack, 2)
		m, err := s.MapPage(9, false, 0, 2)
		require.NoError(t, err)

		packAP := alloc.AP(s.packAPIndex(0, 2))
		assert.NotSame(t, packAP.CurrentBlock(), m.Blk)
	})

	t.Run("repeated non-pack writes never land on the reserved pack AP", func(t *testing.T) {
		// Regression: mapDefault's bare NextAP() round robin spans every
		// AP including the reserved pack AP, so a lone write only
		// avoided it by luck of starting at index 0.
		s, alloc, _, _ := newHarness(t, Pack, 2)
		packAP := alloc.AP(s.packAPIndex(0, 2))
		for l := uint64(0); l < 6; l++ {
			m, err := s.MapPage(l, false, 0, 2)
			require.NoError(t, err)
			assert.NotSame(t, packAP.CurrentBlock(), m.Blk, "write %d landed on the pack AP", l)
		}
	})
}

func TestLookupLtoPLatencyPrefersShadowWhilePrimaryActive(t *testing.T) {
	// Two pools, so the primary and shadow copies land in distinct blocks.
	store := pool.NewStore(2, 4, 8, 1)
	alloc, err := ap.NewAllocator(store, 1)
	require.NoError(t, err)
	hints := hint.NewList()
	s := New(Latency, alloc, mapping.NewTable(store.N, true), store, hints)
	hints.Submit(&hint.Record{StartLBA: 4, Count: 1, Flags: hint.FlagLatency})

	m, err := s.MapPage(4, false, 0, 1)
	require.NoError(t, err)
	require.NoError(t, s.table.UpdateMap(4, m.Addr, m.Blk, mapping.FlagPrimary))
	require.True(t, m.HasShadow)
	require.NoError(t, s.table.UpdateMap(4, m.ShadowAddr, m.ShadowBlk, mapping.FlagShadow))

	primaryPool := store.PoolOf(m.Addr)
	granted, _ := primaryPool.TryBeginActive(true)
	require.True(t, granted)
	defer primaryPool.EndActive(true)

	e := s.LookupLtoP(4)
	assert.Equal(t, m.ShadowAddr, e.Addr)

	// Regression: the primary block's ref must be released (it was
	// taken by the table.LookupLtoP call inside Strategy.LookupLtoP)
	// and the returned shadow block must hold exactly the one ref this
	// call handed out, or primary blocks become unreclaimable and
	// shadow refcounts go negative.
	assert.EqualValues(t, 0, m.Blk.RefCount())
	assert.EqualValues(t, 1, e.Blk.RefCount())
	e.Blk.DecRef()
}
