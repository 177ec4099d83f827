// Package strategy implements the placement strategy plugin (spec
// §4.7, C7): default, swap, latency and pack placement, dispatched as
// a tagged variant rather than a runtime-patched vtable (spec §9:
// "a tagged variant with inlined dispatch beats heap-allocated trait
// objects here").
package strategy

import (
	"time"

	"github.com/lightchannel/ocftl/server/ftl/ap"
	"github.com/lightchannel/ocftl/server/ftl/block"
	"github.com/lightchannel/ocftl/server/ftl/hint"
	"github.com/lightchannel/ocftl/server/ftl/mapping"
	"github.com/lightchannel/ocftl/server/ftl/pool"
)

// Kind selects one of the four placement variants (spec §4.7).
type Kind int

const (
	Default Kind = iota
	Swap
	Latency
	Pack
)

// ApDisassociateTime bounds how long a pack AP stays bound to an idle
// inode before becoming available to a new one (spec §4.7).
const ApDisassociateTime = 30 * time.Second

// packAssoc tracks a pack AP's inode association and last-use time.
type packAssoc struct {
	ino      uint64
	lastUse  time.Time
	hasAssoc bool
}

const noInode = ^uint64(0)

// Mapped is the outcome of MapPage: where a logical write landed.
type Mapped struct {
	Addr       uint64
	Blk        *block.Block
	ShadowAddr uint64
	ShadowBlk  *block.Block
	HasShadow  bool
	FastSlot   bool // swap mode: landed on a fast page via alloc_fastest
}

// Strategy dispatches map_page/lookup_ltop per spec §4.7.
type Strategy struct {
	kind  Kind
	alloc *ap.Allocator
	table *mapping.Table
	store *pool.Store
	hints *hint.List

	// pack mode: one packAssoc per pool, keyed by pool index, tracking
	// the last AP in that pool (the reserved "pack AP").
	packState []packAssoc
}

// New builds a strategy of the given kind wired to the shared
// allocator, mapping table, pool store and hint list.
func New(kind Kind, alloc *ap.Allocator, table *mapping.Table, store *pool.Store, hints *hint.List) *Strategy {
	s := &Strategy{kind: kind, alloc: alloc, table: table, store: store, hints: hints}
	if kind == Pack {
		s.packState = make([]packAssoc, store.NrPools)
		for i := range s.packState {
			s.packState[i] = packAssoc{ino: noInode}
		}
	}
	return s
}

func (s *Strategy) Kind() Kind { return s.kind }

// packAPIndex returns the AP index of the reserved pack AP for pool
// pi, assuming apsPerPool APs are laid out contiguously per pool.
func (s *Strategy) packAPIndex(pi uint32, apsPerPool uint32) uint32 {
	return pi*apsPerPool + apsPerPool - 1
}

// MapPage implements map_page(L, is_gc) (spec §4.7) across all four
// variants. gcOldAddr is only meaningful when isGC is true (used by
// swap/latency to decide fast-slot/flag handling); it is the
// relocating page's prior physical address.
func (s *Strategy) MapPage(l uint64, isGC bool, gcOldAddr uint64, apsPerPool uint32) (Mapped, error) {
	switch s.kind {
	case Swap:
		return s.mapSwap(l, isGC, gcOldAddr)
	case Latency:
		return s.mapLatency(l)
	case Pack:
		return s.mapPack(l, apsPerPool)
	default:
		return s.mapDefault()
	}
}

func (s *Strategy) mapDefault() (Mapped, error) {
	return s.mapVia(s.alloc.NextAP())
}

func (s *Strategy) mapVia(a *ap.AP) (Mapped, error) {
	addr, blk, err := s.alloc.AllocFromAP(a)
	if err != nil {
		return Mapped{}, err
	}
	return Mapped{Addr: addr, Blk: blk}, nil
}

// mapDefaultSkipPack implements default placement for a pool AP set
// that reserves one AP per pool for pack mode (spec §4.7: "Non-pack
// allocations skip pack APs entirely"). With apsPerPool <= 1 every AP
// in a pool doubles as its pack AP, so there is no non-pack AP to
// skip to and this falls back to the plain round robin.
func (s *Strategy) mapDefaultSkipPack(apsPerPool uint32) (Mapped, error) {
	if apsPerPool <= 1 {
		return s.mapDefault()
	}
	n := uint32(s.alloc.Len())
	for i := uint32(0); i < n; i++ {
		a := s.alloc.NextAP()
		if a.Index%apsPerPool != apsPerPool-1 {
			return s.mapVia(a)
		}
	}
	return s.mapDefault()
}

// mapSwap implements the swap variant (spec §4.7): consult a hint or,
// during GC, the old address's fast/slow slot, and prefer a fast AP
// page; fall back to default placement otherwise.
func (s *Strategy) mapSwap(l uint64, isGC bool, gcOldAddr uint64) (Mapped, error) {
	wantFast := false
	if _, ok := s.hints.FindHint(l, hint.FlagSwap); ok {
		wantFast = true
	} else if isGC {
		blk := s.store.BlockOf(gcOldAddr)
		pagenr := uint32((gcOldAddr - blk.BaseAddr) / uint64(blk.H))
		wantFast = ap.PageIsFast(pagenr, blk.K)
	}

	if wantFast {
		addr, blk, err := s.alloc.AllocFastest()
		if err == nil {
			return Mapped{Addr: addr, Blk: blk, FastSlot: true}, nil
		}
	}
	return s.mapDefault()
}

// mapLatency implements the latency variant (spec §4.7): allocate
// normally, and if a latency hint covers L, also write an independent
// second copy recorded into the shadow map, pinned to the pool after
// the primary's ((primary pool + 1) % NrPools). With more than one pool
// the two copies never share a pool, so one pool going busy never hides
// both; with a single pool both copies land in that pool.
func (s *Strategy) mapLatency(l uint64) (Mapped, error) {
	primaryAP := s.alloc.NextAP()
	addr, blk, err := s.alloc.AllocFromAP(primaryAP)
	if err != nil {
		return Mapped{}, err
	}
	m := Mapped{Addr: addr, Blk: blk}

	if _, ok := s.hints.FindHint(l, hint.FlagLatency); ok {
		shadowPool := (primaryAP.PoolIndex + 1) % s.store.NrPools
		shadowAP := s.alloc.NextAPInPool(shadowPool)
		shadowAddr, shadowBlk, serr := s.alloc.AllocFromAP(shadowAP)
		if serr == nil {
			m.ShadowAddr, m.ShadowBlk, m.HasShadow = shadowAddr, shadowBlk, true
		}
	}
	return m, nil
}

// mapPack implements the pack variant (spec §4.7): route a hinted
// write to the AP already bound to its inode, or to an idle/stale
// pack AP; non-pack writes skip pack APs entirely via
// mapDefaultSkipPack.
func (s *Strategy) mapPack(l uint64, apsPerPool uint32) (Mapped, error) {
	rec, ok := s.hints.FindHint(l, hint.FlagPack)
	if !ok {
		return s.mapDefaultSkipPack(apsPerPool)
	}

	now := time.Now()
	for pi := range s.packState {
		assoc := &s.packState[pi]
		if assoc.hasAssoc && assoc.ino == rec.Ino {
			return s.allocFromPackAP(uint32(pi), apsPerPool, rec.Ino, now)
		}
	}
	for pi := range s.packState {
		assoc := &s.packState[pi]
		if !assoc.hasAssoc || now.Sub(assoc.lastUse) > ApDisassociateTime {
			return s.allocFromPackAP(uint32(pi), apsPerPool, rec.Ino, now)
		}
	}
	return s.mapDefaultSkipPack(apsPerPool)
}

func (s *Strategy) allocFromPackAP(pi uint32, apsPerPool uint32, ino uint64, now time.Time) (Mapped, error) {
	idx := s.packAPIndex(pi, apsPerPool)
	packAP := s.alloc.AP(idx)

	before := packAP.CurrentBlock()
	addr, blk, err := s.alloc.AllocFromAP(packAP)
	if err != nil {
		return Mapped{}, err
	}

	assoc := &s.packState[pi]
	if blk != before {
		// Current block rolled over: association resets to EMPTY
		// (spec §4.7), then is immediately re-bound to this write's inode.
		assoc.hasAssoc = false
	}
	assoc.ino = ino
	assoc.hasAssoc = true
	assoc.lastUse = now

	return Mapped{Addr: addr, Blk: blk}, nil
}

// LookupLtoP implements lookup_ltop (spec §4.7): the latency variant
// prefers the shadow copy while the primary pool is busy; every other
// variant reads the primary map directly.
func (s *Strategy) LookupLtoP(l uint64) mapping.Entry {
	e := s.table.LookupLtoP(l)
	if s.kind != Latency || e.Empty() {
		return e
	}
	if s.store.PoolOf(e.Addr).IsActive() {
		if shadow := s.table.LookupShadow(l); !shadow.Empty() {
			// LookupLtoP already took a ref on the primary block; we're
			// returning the shadow entry instead, which holds no ref of
			// its own (LookupShadow is a plain read), so swap them here.
			e.Blk.DecRef()
			shadow.Blk.IncRef()
			return shadow
		}
	}
	return e
}
