// Package inflight implements the inflight range lock (spec §4.4, C4):
// it keeps a request and a concurrent GC relocation from touching the
// same logical range at once. Active ranges are sharded by block
// index to keep contention local, following the same wait-channel
// idiom the teacher's lock manager uses for blocked lock requests.
package inflight

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"
)

// Range is a held inflight lock. Callers must Unlock it exactly once.
type Range struct {
	start, end uint64
	done       chan struct{}
}

type shard struct {
	mu     sync.Mutex
	active []*Range
}

// Set is the sharded range-lock table.
type Set struct {
	shards []*shard
}

// NewSet builds a lock set with nrShards independent shards.
func NewSet(nrShards uint32) *Set {
	if nrShards == 0 {
		nrShards = 1
	}
	s := &Set{shards: make([]*shard, nrShards)}
	for i := range s.shards {
		s.shards[i] = &shard{}
	}
	return s
}

func (s *Set) shardFor(blockIdx uint64) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], blockIdx)
	idx := xxhash.Checksum64(buf[:]) % uint64(len(s.shards))
	return s.shards[idx]
}

func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart <= bEnd && bStart <= aEnd
}

// Lock blocks until [start, start+length) does not overlap any
// currently-held range sharing its shard, then registers and returns
// a handle (spec §4.4: "at most one in-flight operation per logical
// range"). blockIdx keys the shard selection; callers pass the
// logical address's owning block index (or the address itself when
// operating at page granularity) so ranges that can never collide
// don't serialize against each other.
func (s *Set) Lock(blockIdx, start, length uint64) *Range {
	end := start + length - 1
	sh := s.shardFor(blockIdx)

	for {
		sh.mu.Lock()
		var blocker *Range
		for _, e := range sh.active {
			if overlaps(start, end, e.start, e.end) {
				blocker = e
				break
			}
		}
		if blocker == nil {
			r := &Range{start: start, end: end, done: make(chan struct{})}
			sh.active = append(sh.active, r)
			sh.mu.Unlock()
			return r
		}
		sh.mu.Unlock()
		<-blocker.done
	}
}

// Unlock releases a held range and wakes anyone blocked on it.
func (s *Set) Unlock(blockIdx uint64, r *Range) {
	sh := s.shardFor(blockIdx)

	sh.mu.Lock()
	for i, cand := range sh.active {
		if cand == r {
			sh.active = append(sh.active[:i], sh.active[i+1:]...)
			break
		}
	}
	sh.mu.Unlock()
	close(r.done)
}
