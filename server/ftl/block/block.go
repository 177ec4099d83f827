// Package block implements the smallest erasable unit of the FTL's
// data model (spec §3): a block of K flash pages, each possibly
// holding H host pages, with its invalid-page bitmap and per-block
// reference count.
package block

import (
	"sync"

	"go.uber.org/atomic"
)

// Owner is the weak, non-owning back-reference a block holds to
// whichever append point currently treats it as "current" (spec §9:
// "the block<->AP back-reference is a non-owning link"). The ap
// package's *AP type satisfies this without block importing ap.
type Owner interface {
	OwnerID() uint32
}

// Bitmap is a fixed-size bitset used for a block's invalid-page map.
type Bitmap struct {
	bits []uint64
	n    int
}

func NewBitmap(n int) *Bitmap {
	return &Bitmap{bits: make([]uint64, (n+63)/64), n: n}
}

func (b *Bitmap) Test(i int) bool {
	return b.bits[i/64]&(1<<uint(i%64)) != 0
}

func (b *Bitmap) Set(i int) {
	b.bits[i/64] |= 1 << uint(i%64)
}

func (b *Bitmap) Clear(i int) {
	b.bits[i/64] &^= 1 << uint(i%64)
}

func (b *Bitmap) Reset() {
	for i := range b.bits {
		b.bits[i] = 0
	}
}

// Popcount returns the number of set bits, used to cross-check
// nrInvalidPages against the bitmap (spec §8 property 2).
func (b *Bitmap) Popcount() int {
	count := 0
	for _, w := range b.bits {
		for w != 0 {
			w &= w - 1
			count++
		}
	}
	return count
}

// Block is the smallest erasable unit (spec §3).
type Block struct {
	ID        uint32
	PoolIndex uint32
	BaseAddr  uint64 // block_to_addr(block): first physical page address
	K         uint32 // flash pages per block
	H         uint32 // host pages per flash page

	mu         sync.Mutex
	owner      Owner
	nextPage   uint32 // flash-page cursor, 0..K
	nextOffset uint32 // host-page-within-flash-page cursor, 0..H

	invalid        *Bitmap
	nrInvalidPages atomic.Uint32
	refCount       atomic.Int32
	gcRunning      atomic.Bool
}

// New constructs a freshly-erased block. baseAddr is block_to_addr(block).
func New(id, poolIndex uint32, baseAddr uint64, k, h uint32) *Block {
	return &Block{
		ID:        id,
		PoolIndex: poolIndex,
		BaseAddr:  baseAddr,
		K:         k,
		H:         h,
		invalid:   NewBitmap(int(k * h)),
	}
}

func (b *Block) OwnerID() uint32 { return b.ID }

// Lock/Unlock expose the per-block lock for callers (AP allocation,
// GC relocation) that must hold it across more than one block method.
func (b *Block) Lock()   { b.mu.Lock() }
func (b *Block) Unlock() { b.mu.Unlock() }

// IsFull reports block_is_full(block): next_page == K (spec §4.1).
func (b *Block) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextPage == b.K
}

// EMPTY sentinel for TryAllocPage, spec §4.2.
const EMPTY = ^uint32(0)

// TryAllocPage implements alloc_phys_addr under the block lock (spec
// §4.2): returns the page offset within the block (0..K*H) and
// advances the cursor, subdividing each flash page into H host pages.
// Returns EMPTY if the block is already full.
func (b *Block) TryAllocPage() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextPage >= b.K {
		return EMPTY
	}
	offset := b.nextPage*b.H + b.nextOffset
	b.nextOffset++
	if b.nextOffset == b.H {
		b.nextOffset = 0
		b.nextPage++
	}
	return offset
}

// NextFlashPage returns the current flash-page cursor, used by the
// swap strategy's fast-page scan (spec §4.2 alloc_fastest).
func (b *Block) NextFlashPage() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextPage
}

// SetOwner installs/clears the weak AP back-reference. The AP
// allocator clears this (ap = none) before installing a new current
// block on retirement, per spec §4.2 edge case.
func (b *Block) SetOwner(o Owner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owner = o
}

func (b *Block) Owner() Owner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

// MarkInvalid sets bit `offset` in the invalid-page bitmap, asserting
// it was previously clear (spec §4.3 update_map). Returns false (an
// INTEGRITY condition for the caller to report) if the bit was
// already set.
func (b *Block) MarkInvalid(offset uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := int(offset)
	if b.invalid.Test(idx) {
		return false
	}
	b.invalid.Set(idx)
	b.nrInvalidPages.Inc()
	return true
}

func (b *Block) NrInvalidPages() uint32 {
	return b.nrInvalidPages.Load()
}

// InvalidBit reports whether the given page offset is currently
// invalid.
func (b *Block) InvalidBit(offset uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalid.Test(int(offset))
}

// ZeroBitSlots returns the offsets of still-valid pages (zero bits),
// i.e. the pages GC must relocate (spec §4.6).
func (b *Block) ZeroBitSlots() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := int(b.K * b.H)
	out := make([]uint32, 0, total)
	for i := 0; i < total; i++ {
		if !b.invalid.Test(i) {
			out = append(out, uint32(i))
		}
	}
	return out
}

// CheckBitmapConsistency verifies popcount(invalid_pages) ==
// nr_invalid_pages (spec §8 property 2).
func (b *Block) CheckBitmapConsistency() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(b.invalid.Popcount()) == b.nrInvalidPages.Load()
}

// FullyInvalid reports whether every page in the block is marked
// invalid, the bitmap precondition of pool_put_block (spec §4.1).
func (b *Block) FullyInvalid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nrInvalidPages.Load() == b.K*b.H
}

// Reset clears bitmap/cursor/owner after erase (spec §3: "On reset:
// bitmap zero, cursor zero, ap cleared"). Caller must hold no other
// lock on this block; Reset acquires its own.
func (b *Block) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalid.Reset()
	b.nextPage = 0
	b.nextOffset = 0
	b.owner = nil
	b.nrInvalidPages.Store(0)
}

func (b *Block) IncRef() int32 { return b.refCount.Inc() }
func (b *Block) DecRef() int32 { return b.refCount.Dec() }
func (b *Block) RefCount() int32 {
	return b.refCount.Load()
}

func (b *Block) SetGCRunning(v bool) { b.gcRunning.Store(v) }
func (b *Block) GCRunning() bool     { return b.gcRunning.Load() }

// CASGCRunning implements the 0->1 transition spec §4.6 step 3 asserts.
func (b *Block) CASGCRunning() bool {
	return b.gcRunning.CAS(false, true)
}
