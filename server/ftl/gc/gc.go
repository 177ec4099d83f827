// Package gc implements the garbage collector (spec §4.6, C6): a
// periodic and on-demand per-pool worker that selects a victim block,
// relocates its live pages through the normal write path, erases it,
// and returns it to its pool's free list. The background loop follows
// the teacher's ticker+stopChan worker idiom (see
// manager.BufferPoolManager.backgroundFlush).
package gc

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/atomic"

	"github.com/lightchannel/ocftl/logger"
	"github.com/lightchannel/ocftl/server/ftl/block"
	"github.com/lightchannel/ocftl/server/ftl/device"
	"github.com/lightchannel/ocftl/server/ftl/ftlerr"
	"github.com/lightchannel/ocftl/server/ftl/inflight"
	"github.com/lightchannel/ocftl/server/ftl/mapping"
	"github.com/lightchannel/ocftl/server/ftl/pipeline"
	"github.com/lightchannel/ocftl/server/ftl/pool"
)

// Stats counts reclamation activity across every pool's sweeps, in the
// same atomic-counter style as pipeline.Stats.
type Stats struct {
	CyclesRun        atomic.Int64
	BlocksReclaimed  atomic.Int64
	PagesRelocated   atomic.Int64
	QuarantineEvents atomic.Int64
}

// GCLimitInverse is the default divisor in need = nr_blocks /
// GC_LIMIT_INVERSE (spec §4.6).
const GCLimitInverse = 10

// GC drives reclamation for every pool in a store.
type GC struct {
	store    *pool.Store
	table    *mapping.Table
	inflight *inflight.Set
	dev      device.Driver
	pl       *pipeline.Pipeline

	limitInverse uint32
	period       time.Duration

	kick     chan uint32
	stopChan chan struct{}
	ticker   *time.Ticker
	wg       sync.WaitGroup

	stats Stats
}

// Stats exposes the GC's running counters for diagnostics and the
// property tests of spec.md §8 (e.g. S3's "GC makes forward progress").
func (g *GC) Stats() *Stats { return &g.stats }

// New builds a GC worker for store, reusing the pipeline's mapping
// table, inflight lock set and device so relocation writes go through
// the same active placement strategy as host requests.
func New(store *pool.Store, table *mapping.Table, rangeLocks *inflight.Set, dev device.Driver, pl *pipeline.Pipeline, period time.Duration) *GC {
	return &GC{
		store:        store,
		table:        table,
		inflight:     rangeLocks,
		dev:          dev,
		pl:           pl,
		limitInverse: GCLimitInverse,
		period:       period,
		kick:         make(chan uint32, 1),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the periodic timer (spec §5: "a single-timer-kicked
// per-pool GC worker").
func (g *GC) Start() {
	g.ticker = time.NewTicker(g.period)
	g.wg.Add(1)
	go g.run()
}

// Stop cancels the GC worker: signals the loop to exit, stops the
// timer, and waits for the loop to return. A kick still pending in the
// channel is dropped, not run.
func (g *GC) Stop() {
	close(g.stopChan)
	if g.ticker != nil {
		g.ticker.Stop()
	}
	g.wg.Wait()
}

// Kick requests an on-demand GC pass over poolIdx (spec §4.6: "on-
// demand (gc_kick)"). Non-blocking: the kick channel holds one pending
// kick for any pool, and further kicks are dropped while it is full.
func (g *GC) Kick(poolIdx uint32) {
	select {
	case g.kick <- poolIdx:
	default:
	}
}

func (g *GC) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ticker.C:
			g.sweepAll()
		case poolIdx := <-g.kick:
			g.sweepPool(g.store.Pool(poolIdx))
		case <-g.stopChan:
			return
		}
	}
}

func (g *GC) sweepAll() {
	for _, p := range g.store.Pools() {
		g.sweepPool(p)
	}
}

// sweepPool implements the per-pool loop of spec §4.6 step 1: while
// free blocks are scarce and a candidate exists, reclaim victims.
func (g *GC) sweepPool(p *pool.Pool) {
	p.LockGC()
	defer p.UnlockGC()

	g.stats.CyclesRun.Inc()
	need := int32(p.NrBlocks()) / int32(g.limitInverse)
	for need > p.NrFreeBlocks() {
		victim, ok := p.SelectVictim()
		if !ok {
			return
		}
		if err := g.reclaim(p, victim); err != nil {
			logger.Logger.WithFields(map[string]interface{}{
				"pool":  p.Index,
				"block": victim.ID,
				"error": err,
			}).Warn("ftl: gc: victim left on used list, will retry")
			// Reclaim failed; the block stays on used and goes back on
			// priority so the next sweep retries it, unless a failed
			// erase already quarantined it.
			quarantined := false
			for _, q := range p.QuarantineList() {
				if q == victim {
					quarantined = true
					break
				}
			}
			if !quarantined {
				p.RequeuePriority(victim)
			}
			return
		}
	}
}

// reclaim implements relocation for a single victim (spec §4.6).
func (g *GC) reclaim(p *pool.Pool, victim *block.Block) error {
	if !victim.IsFull() {
		return ftlerr.New("gc.reclaim", ftlerr.ErrIntegrity, errors.New("victim not full"))
	}
	if !victim.CASGCRunning() {
		return ftlerr.New("gc.reclaim", ftlerr.ErrIntegrity, errors.New("gc already running on victim"))
	}

	for victim.RefCount() > 0 {
		time.Sleep(time.Millisecond)
	}

	for _, slot := range victim.ZeroBitSlots() {
		if err := g.relocatePage(victim, slot); err != nil {
			victim.SetGCRunning(false)
			return errors.Annotatef(err, "relocate block %d slot %d", victim.ID, slot)
		}
		g.stats.PagesRelocated.Inc()
	}

	if err := g.dev.EraseBlock(victim.ID, victim.BaseAddr, victim.K*victim.H); err != nil {
		p.Quarantine(victim)
		g.stats.QuarantineEvents.Inc()
		victim.SetGCRunning(false)
		return ftlerr.New("gc.reclaim", ftlerr.ErrDevice, errors.Annotate(err, "erase failed, block quarantined"))
	}

	victim.SetGCRunning(false)
	if err := p.PutBlock(victim); err != nil {
		return errors.Annotate(err, "put_block after erase")
	}
	g.stats.BlocksReclaimed.Inc()
	return nil
}

// relocatePage relocates one still-valid page (spec §4.6 "Relocation
// (per block)"): range-lock its logical address, synchronously read
// the physical page, then reinsert it through the normal write path
// with is_gc=true, which reallocates via the strategy and updates the
// mapping (invalidating the old page as a side effect of update_map).
func (g *GC) relocatePage(victim *block.Block, slot uint32) error {
	addr := victim.BaseAddr + uint64(slot)
	l := g.table.LookupPtoL(addr)
	if l == mapping.Poison {
		// Already unmapped (e.g. a concurrent overwrite invalidated it
		// after ZeroBitSlots was computed); nothing to relocate.
		return nil
	}

	rl := g.inflight.Lock(l, l, 1)
	defer g.inflight.Unlock(l, rl)

	data, err := g.dev.ReadPage(addr)
	if err != nil {
		return ftlerr.New("gc.relocatePage", ftlerr.ErrDevice, err)
	}

	req := &pipeline.Request{
		Sector: l * pipeline.NrPhyInLog,
		Kind:   pipeline.Write,
		Data:   data,
		IsGC:   true,
	}
	return g.pl.WriteLocked(req, l)
}
