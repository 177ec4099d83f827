// Package ap implements the append-point allocator (spec §4.2, C2):
// a per-AP "current block" cursor handing out sequential physical
// addresses, rolling over to a freshly-acquired block when full.
package ap

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/lightchannel/ocftl/server/ftl/block"
	"github.com/lightchannel/ocftl/server/ftl/ftlerr"
	"github.com/lightchannel/ocftl/server/ftl/pool"
)

// AP is a logical writer owning a current block (spec §3).
type AP struct {
	Index     uint32
	PoolIndex uint32

	mu  sync.Mutex
	cur *block.Block
}

// OwnerID satisfies block.Owner; it identifies the AP, not a block.
func (a *AP) OwnerID() uint32 { return a.Index }

// CurrentBlock returns the AP's current block (weak read, no refcount taken).
func (a *AP) CurrentBlock() *block.Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// PageIsFast implements the fast-page predicate of spec §4.7, shared
// between the swap strategy and alloc_fastest below: pages {0..3} are
// fast, the last 4 are slow, and in between, slots 2,3 of each group
// of 4 are fast.
func PageIsFast(pagenr, k uint32) bool {
	if pagenr < 4 {
		return true
	}
	if pagenr >= k-4 {
		return false
	}
	rel := (pagenr - 4) % 4
	return rel == 2 || rel == 3
}

// Allocator owns every AP (A = P * APs-per-pool) and the shared
// round-robin counter spec §4.2 says is process-wide but should be
// encapsulated on the store instance rather than a true global (§9).
type Allocator struct {
	store    *pool.Store
	aps      []*AP
	byPool   [][]*AP
	next     atomic.Uint32
	nextPool []atomic.Uint32
}

// NewAllocator creates apsPerPool APs for every pool in store, each
// eagerly claiming an initial current block.
func NewAllocator(store *pool.Store, apsPerPool uint32) (*Allocator, error) {
	a := &Allocator{store: store, byPool: make([][]*AP, store.NrPools), nextPool: make([]atomic.Uint32, store.NrPools)}
	idx := uint32(0)
	for pi := uint32(0); pi < store.NrPools; pi++ {
		p := store.Pool(pi)
		for i := uint32(0); i < apsPerPool; i++ {
			ap := &AP{Index: idx, PoolIndex: pi}
			blk, err := p.GetBlock(false)
			if err != nil {
				return nil, ftlerr.New("ap.NewAllocator", ftlerr.ErrOutOfSpace, err)
			}
			blk.SetOwner(ap)
			ap.cur = blk
			a.aps = append(a.aps, ap)
			a.byPool[pi] = append(a.byPool[pi], ap)
			idx++
		}
	}
	return a, nil
}

func (a *Allocator) AP(i uint32) *AP { return a.aps[i] }
func (a *Allocator) Len() int        { return len(a.aps) }

// NextAP implements the shared round-robin AP selector (spec §4.2).
func (a *Allocator) NextAP() *AP {
	n := a.next.Inc() - 1
	return a.aps[n%uint32(len(a.aps))]
}

// NextAPInPool round-robins across only the APs owned by poolIdx, used
// to pin a latency-mode shadow write to a specific pool (spec §4.7,
// §8 property 10: primary and shadow land in different pools).
func (a *Allocator) NextAPInPool(poolIdx uint32) *AP {
	list := a.byPool[poolIdx]
	n := a.nextPool[poolIdx].Inc() - 1
	return list[n%uint32(len(list))]
}

// AllocFromAP implements alloc_from_ap (spec §4.2): try the current
// block; on EMPTY, acquire a fresh block from the AP's pool, install
// it as current, and retry. Before installing, the AP releases its
// back-reference on the retired block (spec §4.2 edge case).
func (a *Allocator) AllocFromAP(ap *AP) (uint64, *block.Block, error) {
	for {
		ap.mu.Lock()
		cur := ap.cur
		ap.mu.Unlock()

		offset := cur.TryAllocPage()
		if offset != block.EMPTY {
			return cur.BaseAddr + uint64(offset), cur, nil
		}

		// Current block is full: retire it and install a fresh one.
		ap.mu.Lock()
		if ap.cur == cur { // nobody else raced us to retire it already
			cur.SetOwner(nil)
			p := a.store.Pool(ap.PoolIndex)
			blk, err := p.GetBlock(false)
			if err != nil {
				ap.mu.Unlock()
				return 0, nil, ftlerr.New("ap.AllocFromAP", ftlerr.ErrOutOfSpace, err)
			}
			blk.SetOwner(ap)
			ap.cur = blk
		}
		ap.mu.Unlock()
	}
}

// AllocFastest implements alloc_fastest (spec §4.2): scans APs
// round-robin looking for one whose current flash page is fast,
// falling back to the normal allocator when none is found. Used by
// swap-mode placement (spec §4.7).
func (a *Allocator) AllocFastest() (uint64, *block.Block, error) {
	n := uint32(len(a.aps))
	start := a.next.Load()
	for i := uint32(0); i < n; i++ {
		ap := a.aps[(start+i)%n]
		ap.mu.Lock()
		cur := ap.cur
		ap.mu.Unlock()

		pagenr := cur.NextFlashPage()
		if pagenr >= cur.K {
			continue // full, will be retired by whoever allocates from it next
		}
		if !PageIsFast(pagenr, cur.K) {
			continue
		}
		offset := cur.TryAllocPage()
		if offset != block.EMPTY {
			return cur.BaseAddr + uint64(offset), cur, nil
		}
	}
	// No AP has a ready fast page right now: fall back to default allocation.
	return a.AllocFromAP(a.NextAP())
}
