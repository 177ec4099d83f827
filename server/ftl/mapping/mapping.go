// Package mapping implements the L→P/P→L translation table (spec
// §4.3, C3): a primary table, a reverse table, and an optional shadow
// table for latency-mode dual writes.
package mapping

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lightchannel/ocftl/server/ftl/block"
	"github.com/lightchannel/ocftl/server/ftl/ftlerr"
)

// Poison is the reverse-table sentinel for a stale/unused physical page.
const Poison = ^uint64(0)

// Flag selects which map update_map touches (spec §4.3).
type Flag int

const (
	FlagPrimary Flag = iota
	FlagShadow
	FlagTrimShadow
)

// Entry is an L→P translation. Blk == nil means the logical address
// has never been written (spec §3): "block = none" reads as zeros.
type Entry struct {
	Addr uint64
	Blk  *block.Block
}

func (e Entry) Empty() bool { return e.Blk == nil }

// Table holds the primary/reverse/shadow arrays, all sized N, under a
// single global mapping lock (spec §5 locking order position 2).
type Table struct {
	mu      sync.Mutex
	primary []Entry
	reverse []uint64
	shadow  []Entry // nil unless latency mode is enabled

	spinWait time.Duration
}

// NewTable allocates a table of size n. withShadow enables the
// latency-mode shadow map.
func NewTable(n uint64, withShadow bool) *Table {
	t := &Table{
		primary:  make([]Entry, n),
		reverse:  make([]uint64, n),
		spinWait: 50 * time.Microsecond,
	}
	for i := range t.reverse {
		t.reverse[i] = Poison
	}
	if withShadow {
		t.shadow = make([]Entry, n)
	}
	return t
}

func (t *Table) HasShadow() bool { return t.shadow != nil }

// UpdateMap implements update_map (spec §4.3): under the global
// mapping lock, invalidate the previous page of the same kind
// (primary/shadow), poison its reverse entry, then install the new
// mapping. TrimShadow invalidates and clears the shadow entry without
// installing a new address.
func (t *Table) UpdateMap(l uint64, newAddr uint64, newBlk *block.Block, flag Flag) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.targetFor(flag)
	if target == nil {
		return ftlerr.New("mapping.UpdateMap", ftlerr.ErrIntegrity, errors.New("shadow map not enabled"))
	}

	old := target[l]
	if !old.Empty() {
		offset := uint32(old.Addr - old.Blk.BaseAddr)
		if !old.Blk.MarkInvalid(offset) {
			return ftlerr.New("mapping.UpdateMap", ftlerr.ErrIntegrity, errors.Errorf("double invalidation at L=%d", l))
		}
		t.reverse[old.Addr] = Poison
	}

	if flag == FlagTrimShadow {
		target[l] = Entry{}
		return nil
	}

	target[l] = Entry{Addr: newAddr, Blk: newBlk}
	t.reverse[newAddr] = l
	return nil
}

func (t *Table) targetFor(flag Flag) []Entry {
	switch flag {
	case FlagPrimary:
		return t.primary
	case FlagShadow, FlagTrimShadow:
		return t.shadow
	default:
		return nil
	}
}

// LookupLtoP implements lookup_ltop (spec §4.3): spin-wait until the
// entry's block is not mid-GC-relocation, then take a block reference
// and return. An empty entry (never written) is returned without a
// reference, since there is no block to pin.
func (t *Table) LookupLtoP(l uint64) Entry {
	for {
		t.mu.Lock()
		e := t.primary[l]
		t.mu.Unlock()

		if e.Empty() {
			return e
		}
		if !e.Blk.GCRunning() {
			e.Blk.IncRef()
			return e
		}
		time.Sleep(t.spinWait)
	}
}

// LookupShadow reads the shadow entry for l (latency mode only).
func (t *Table) LookupShadow(l uint64) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shadow == nil {
		return Entry{}
	}
	return t.shadow[l]
}

// LookupPtoL implements lookup_ptol (spec §4.3): a plain array read,
// returning Poison for stale physical pages.
func (t *Table) LookupPtoL(p uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reverse[p]
}

// CheckBijection verifies spec §8 property 1 at a quiescent moment.
func (t *Table) CheckBijection() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for l, e := range t.primary {
		if e.Empty() {
			continue
		}
		if t.reverse[e.Addr] != uint64(l) {
			return false
		}
	}
	for p, l := range t.reverse {
		if l == Poison {
			continue
		}
		e := t.primary[l]
		if e.Empty() || e.Addr != uint64(p) {
			return false
		}
	}
	return true
}
