// Package pool implements the block & pool store (spec §4.1, C1): a
// static array of pools, each owning a contiguous range of blocks with
// free/used/priority list membership.
package pool

import (
	"container/heap"
	"container/list"
	"sync"

	"go.uber.org/atomic"

	"github.com/lightchannel/ocftl/server/ftl/block"
	"github.com/lightchannel/ocftl/server/ftl/ftlerr"
)

// priorityHeap is a max-heap over blocks keyed by nr_invalid_pages,
// ties broken by lower block ID (spec §4.6 "Victim ordering").
type priorityHeap []*block.Block

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	ni, nj := h[i].NrInvalidPages(), h[j].NrInvalidPages()
	if ni != nj {
		return ni > nj
	}
	return h[i].ID < h[j].ID
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x interface{}) {
	*h = append(*h, x.(*block.Block))
}
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pool owns a contiguous range of blocks and serializes access to them
// (spec §3: "one per channel").
type Pool struct {
	Index uint32

	gcMu sync.Mutex // per-pool GC lock, outermost in the locking order (§5)

	mu       sync.Mutex // per-pool block-list lock (§5 position 3)
	allBlock map[uint32]*block.Block
	free     *list.List // FIFO of *block.Block, head = oldest-erased
	used     *list.List // append-only in write order, head = oldest
	priority priorityHeap

	nrFreeBlocks atomic.Int32
	quarantine   []*block.Block // blocks retired after a failed erase (spec §4.6)

	activeMu    sync.Mutex
	isActive    bool
	waitingBios []chan struct{} // queued requests, woken FIFO by EndActive
}

// New builds a pool owning the given blocks, all initially free.
func New(index uint32, blocks []*block.Block) *Pool {
	p := &Pool{
		Index:    index,
		allBlock: make(map[uint32]*block.Block, len(blocks)),
		free:     list.New(),
		used:     list.New(),
	}
	for _, b := range blocks {
		p.allBlock[b.ID] = b
		p.free.PushBack(b)
	}
	p.nrFreeBlocks.Store(int32(len(blocks)))
	heap.Init(&p.priority)
	return p
}

func (p *Pool) NrBlocks() int       { return len(p.allBlock) }
func (p *Pool) NrFreeBlocks() int32 { return p.nrFreeBlocks.Load() }

func (p *Pool) LockGC()   { p.gcMu.Lock() }
func (p *Pool) UnlockGC() { p.gcMu.Unlock() }

// GetBlock implements pool_get_block (spec §4.1): pop the head of
// free, append to used and priority, reset state outside the lock.
// isGC only documents caller intent; it does not change the failure
// behavior — GetBlock can still fail when free is empty.
func (p *Pool) GetBlock(isGC bool) (*block.Block, error) {
	p.mu.Lock()
	elem := p.free.Front()
	if elem == nil {
		p.mu.Unlock()
		return nil, ftlerr.New("pool.GetBlock", ftlerr.ErrOutOfSpace, nil)
	}
	b := elem.Value.(*block.Block)
	p.free.Remove(elem)
	p.used.PushBack(b)
	heap.Push(&p.priority, b)
	p.nrFreeBlocks.Dec()
	p.mu.Unlock()

	b.Reset()
	return b, nil
}

// PutBlock implements pool_put_block (spec §4.1): requires ref_count
// == 0, gc_running == 0, and a fully-invalid bitmap; removes the
// block from used/priority and pushes it to the tail of free (naive
// wear leveling by FIFO reuse order).
func (p *Pool) PutBlock(b *block.Block) error {
	if b.RefCount() != 0 {
		return ftlerr.New("pool.PutBlock", ftlerr.ErrIntegrity, nil)
	}
	if b.GCRunning() {
		return ftlerr.New("pool.PutBlock", ftlerr.ErrIntegrity, nil)
	}
	if !b.CheckBitmapConsistency() {
		return ftlerr.New("pool.PutBlock", ftlerr.ErrIntegrity, nil)
	}
	if !b.FullyInvalid() {
		return ftlerr.New("pool.PutBlock", ftlerr.ErrIntegrity, nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeFromList(p.used, b)
	p.removeFromPriority(b)
	p.free.PushBack(b)
	p.nrFreeBlocks.Inc()

	b.Reset()
	return nil
}

// Quarantine retires a block after a failed erase (spec §4.6 failure
// semantics): it leaves used/priority but never re-enters free.
func (p *Pool) Quarantine(b *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeFromList(p.used, b)
	p.removeFromPriority(b)
	p.quarantine = append(p.quarantine, b)
}

func (p *Pool) QuarantineList() []*block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*block.Block, len(p.quarantine))
	copy(out, p.quarantine)
	return out
}

// SelectVictim implements the victim-selection half of spec §4.6 step
// 2: pop the max-nr_invalid_pages block off priority. Returns
// ok=false if priority is empty or the best candidate has zero
// invalid pages (never chosen).
func (p *Pool) SelectVictim() (*block.Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.priority) == 0 {
		return nil, false
	}
	// nr_invalid_pages changes after a block is pushed, so restore the
	// heap order before reading the top.
	heap.Init(&p.priority)
	top := p.priority[0]
	if top.NrInvalidPages() == 0 {
		return nil, false
	}
	heap.Pop(&p.priority)
	return top, true
}

// RequeuePriority puts a block back onto the priority list without
// touching used/free membership, used when a selected victim turns
// out to be ineligible for relocation right now.
func (p *Pool) RequeuePriority(b *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	heap.Push(&p.priority, b)
}

func (p *Pool) removeFromList(l *list.List, b *block.Block) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*block.Block) == b {
			l.Remove(e)
			return
		}
	}
}

func (p *Pool) removeFromPriority(b *block.Block) {
	for i, cand := range p.priority {
		if cand == b {
			heap.Remove(&p.priority, i)
			return
		}
	}
}

// Block looks up one of the pool's blocks by ID.
func (p *Pool) Block(id uint32) (*block.Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.allBlock[id]
	return b, ok
}

// TryBeginActive implements the per-pool is_active gate (spec §3, §5
// suspension point (d)): when serialize is false the gate is a no-op.
// When true and the pool is already active, the caller is queued
// (given a channel to wait on, not blocked here) rather than spinning.
func (p *Pool) TryBeginActive(serialize bool) (granted bool, wait chan struct{}) {
	if !serialize {
		return true, nil
	}
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if !p.isActive {
		p.isActive = true
		return true, nil
	}
	ch := make(chan struct{})
	p.waitingBios = append(p.waitingBios, ch)
	return false, ch
}

// EndActive releases the is_active gate, handing it directly to the
// oldest queued waiter (grantWaitingLocks-style hand-off) instead of
// letting every waiter race to re-acquire it.
func (p *Pool) EndActive(serialize bool) {
	if !serialize {
		return
	}
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if len(p.waitingBios) > 0 {
		next := p.waitingBios[0]
		p.waitingBios = p.waitingBios[1:]
		close(next)
		return // is_active stays true, handed to next waiter
	}
	p.isActive = false
}

// FlushWaiting drains and wakes every queued waiter without granting
// the gate, used during shutdown (spec §5: "per-pool waiting_bios
// queues are flushed before the pool is torn down").
func (p *Pool) FlushWaiting() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, ch := range p.waitingBios {
		close(ch)
	}
	p.waitingBios = nil
	p.isActive = false
}

// IsActive reports the current is_active gate state (spec §4.7
// latency mode: lookup_ltop consults the primary pool's is_active).
func (p *Pool) IsActive() bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return p.isActive
}

// Blocks returns all blocks owned by the pool, for stats/diagnostics.
func (p *Pool) Blocks() []*block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*block.Block, 0, len(p.allBlock))
	for _, b := range p.allBlock {
		out = append(out, b)
	}
	return out
}
