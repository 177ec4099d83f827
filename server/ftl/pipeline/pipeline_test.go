package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightchannel/ocftl/server/ftl/device"
	"github.com/lightchannel/ocftl/server/ftl/ftlerr"
	"github.com/lightchannel/ocftl/server/ftl/hint"
	"github.com/lightchannel/ocftl/server/ftl/inflight"
	"github.com/lightchannel/ocftl/server/ftl/mapping"
	"github.com/lightchannel/ocftl/server/ftl/pool"
	"github.com/lightchannel/ocftl/server/ftl/strategy"

	"github.com/lightchannel/ocftl/server/ftl/ap"
)

func newTestPipeline(t *testing.T, kind strategy.Kind) (*Pipeline, *pool.Store) {
	store := pool.NewStore(1, 4, 8, 1)
	table := mapping.NewTable(store.N, kind == strategy.Latency)
	alloc, err := ap.NewAllocator(store, 1)
	require.NoError(t, err)
	hints := hint.NewList()
	strat := strategy.New(kind, alloc, table, store, hints)
	dev := device.NewSimDevice(1, store.N, HostPageSize, time.Microsecond, time.Microsecond, time.Microsecond, false)
	pl := New(store, table, inflight.NewSet(4), strat, dev, mustGeom(t, dev), false, 1)
	return pl, store
}

func mustGeom(t *testing.T, dev device.Driver) device.Geometry {
	g, err := dev.Identify()
	require.NoError(t, err)
	return g
}

func value(b byte) []byte {
	buf := make([]byte, HostPageSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestSubmit(t *testing.T) {
	t.Run("reading an address never written returns a zero-filled page", func(t *testing.T) {
		pl, _ := newTestPipeline(t, strategy.Default)
		req := &Request{Sector: 0, Kind: Read}
		require.NoError(t, pl.Submit(req))
		assert.Equal(t, make([]byte, HostPageSize), req.Data)
	})

	t.Run("write then read round-trips the page", func(t *testing.T) {
		pl, _ := newTestPipeline(t, strategy.Default)
		w := &Request{Sector: 0, Kind: Write, Data: value('Z')}
		require.NoError(t, pl.Submit(w))

		r := &Request{Sector: 0, Kind: Read}
		require.NoError(t, pl.Submit(r))
		assert.Equal(t, value('Z'), r.Data)
	})

	t.Run("an address beyond N is rejected as a bad address", func(t *testing.T) {
		pl, store := newTestPipeline(t, strategy.Default)
		req := &Request{Sector: store.N * NrPhyInLog, Kind: Read}
		err := pl.Submit(req)
		require.Error(t, err)
		assert.True(t, ftlerr.IsBadAddress(err))
	})

	t.Run("a write of the wrong size is a transient error", func(t *testing.T) {
		pl, _ := newTestPipeline(t, strategy.Default)
		req := &Request{Sector: 0, Kind: Write, Data: make([]byte, 10)}
		err := pl.Submit(req)
		require.Error(t, err)
		assert.True(t, ftlerr.IsTransient(err))
	})

}

func TestWriteLocked(t *testing.T) {
	t.Run("a second write to the same L invalidates the first physical page", func(t *testing.T) {
		pl, _ := newTestPipeline(t, strategy.Default)
		w1 := &Request{Sector: 0, Kind: Write, Data: value('A')}
		require.NoError(t, pl.Submit(w1))
		firstEntry := pl.strat.LookupLtoP(0)
		firstEntry.Blk.DecRef()

		w2 := &Request{Sector: 0, Kind: Write, Data: value('B')}
		require.NoError(t, pl.Submit(w2))

		assert.True(t, firstEntry.Blk.InvalidBit(uint32(firstEntry.Addr-firstEntry.Blk.BaseAddr)))
	})
}

func TestGate(t *testing.T) {
	t.Run("serialized submits to the same pool do not run concurrently", func(t *testing.T) {
		store := pool.NewStore(1, 4, 8, 1)
		table := mapping.NewTable(store.N, false)
		alloc, err := ap.NewAllocator(store, 1)
		require.NoError(t, err)
		hints := hint.NewList()
		strat := strategy.New(strategy.Default, alloc, table, store, hints)
		dev := device.NewSimDevice(1, store.N, HostPageSize, time.Millisecond, 20*time.Millisecond, time.Millisecond, false)
		geom, err := dev.Identify()
		require.NoError(t, err)
		pl := New(store, table, inflight.NewSet(4), strat, dev, geom, true, 1)

		start := time.Now()
		done := make(chan struct{}, 2)
		go func() {
			_ = pl.Submit(&Request{Sector: 0, Kind: Write, Data: value('A')})
			done <- struct{}{}
		}()
		go func() {
			_ = pl.Submit(&Request{Sector: NrPhyInLog, Kind: Write, Data: value('B')})
			done <- struct{}{}
		}()
		<-done
		<-done
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})
}
