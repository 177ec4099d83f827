package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightchannel/ocftl/server/ftl/block"
)

func newTestPool(n int) *Pool {
	blocks := make([]*block.Block, n)
	for i := range blocks {
		blocks[i] = block.New(uint32(i), 0, uint64(i)*4, 4, 1)
	}
	return New(0, blocks)
}

func TestPool(t *testing.T) {
	t.Run("get_block moves free to used and decrements the counter", func(t *testing.T) {
		p := newTestPool(2)
		require.EqualValues(t, 2, p.NrFreeBlocks())

		b, err := p.GetBlock(false)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.EqualValues(t, 1, p.NrFreeBlocks())
	})

	t.Run("get_block on an empty pool returns out-of-space", func(t *testing.T) {
		p := newTestPool(1)
		_, err := p.GetBlock(false)
		require.NoError(t, err)

		_, err = p.GetBlock(false)
		require.Error(t, err)
	})

	t.Run("put_block requires zero ref count and a fully-invalid bitmap", func(t *testing.T) {
		p := newTestPool(1)
		b, err := p.GetBlock(false)
		require.NoError(t, err)

		b.IncRef()
		assert.Error(t, p.PutBlock(b))

		b.DecRef()
		assert.Error(t, p.PutBlock(b)) // no page invalidated yet

		for off := uint32(0); off < 4; off++ {
			b.MarkInvalid(off)
		}
		assert.NoError(t, p.PutBlock(b))
		assert.EqualValues(t, 1, p.NrFreeBlocks())
	})

	t.Run("put_block is idempotent on an already-reset block", func(t *testing.T) {
		p := newTestPool(1)
		b, err := p.GetBlock(false)
		require.NoError(t, err)
		for off := uint32(0); off < 4; off++ {
			b.MarkInvalid(off)
		}
		require.NoError(t, p.PutBlock(b))

		before := b.NrInvalidPages()
		b2, err := p.GetBlock(false)
		require.NoError(t, err)
		assert.Same(t, b, b2)
		assert.Equal(t, before, b2.NrInvalidPages())
	})

	t.Run("select_victim orders by nr_invalid_pages, ties by lower id", func(t *testing.T) {
		p := newTestPool(3)
		for i := 0; i < 3; i++ {
			b, err := p.GetBlock(false)
			require.NoError(t, err)
			_ = b
		}
		blocks := p.Blocks()
		byID := func(id uint32) *block.Block {
			for _, b := range blocks {
				if b.ID == id {
					return b
				}
			}
			return nil
		}
		byID(0).MarkInvalid(0)
		byID(1).MarkInvalid(0)
		byID(1).MarkInvalid(1)
		byID(2).MarkInvalid(0)
		byID(2).MarkInvalid(1)

		victim, ok := p.SelectVictim()
		require.True(t, ok)
		assert.EqualValues(t, 1, victim.ID)
	})

	t.Run("select_victim never chooses a block with zero invalid pages", func(t *testing.T) {
		p := newTestPool(1)
		_, err := p.GetBlock(false)
		require.NoError(t, err)

		_, ok := p.SelectVictim()
		assert.False(t, ok)
	})

	t.Run("is_active gate queues a second claim until the first ends", func(t *testing.T) {
		p := newTestPool(1)
		granted, wait := p.TryBeginActive(true)
		assert.True(t, granted)
		assert.Nil(t, wait)

		granted2, wait2 := p.TryBeginActive(true)
		assert.False(t, granted2)
		require.NotNil(t, wait2)

		done := make(chan struct{})
		go func() {
			<-wait2
			close(done)
		}()
		p.EndActive(true)
		<-done
	})
}
