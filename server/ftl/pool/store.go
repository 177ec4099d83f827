package pool

import "github.com/lightchannel/ocftl/server/ftl/block"

// Store is the static array of pools (spec §3: "Device configuration").
type Store struct {
	NrPools     uint32
	BlocksPerPool uint32
	PagesPerBlock uint32 // K
	HostPagesPerFlashPage uint32 // H
	N           uint64 // total logical/physical page count: P*B*K*H

	pools []*Pool
}

// NewStore constructs P pools of B blocks each, K flash pages per
// block subdividing into H host pages, per spec §3.
func NewStore(p, b, k, h uint32) *Store {
	s := &Store{
		NrPools:               p,
		BlocksPerPool:         b,
		PagesPerBlock:         k,
		HostPagesPerFlashPage: h,
		N:                     uint64(p) * uint64(b) * uint64(k) * uint64(h),
		pools:                 make([]*Pool, p),
	}

	pagesPerBlock := uint64(k) * uint64(h)
	for pi := uint32(0); pi < p; pi++ {
		blocks := make([]*block.Block, b)
		for bi := uint32(0); bi < b; bi++ {
			id := pi*b + bi
			baseAddr := uint64(id) * pagesPerBlock
			blocks[bi] = block.New(id, pi, baseAddr, k, h)
		}
		s.pools[pi] = New(pi, blocks)
	}
	return s
}

func (s *Store) Pool(idx uint32) *Pool { return s.pools[idx] }

func (s *Store) Pools() []*Pool { return s.pools }

// PoolOf returns the pool owning physical/logical address addr.
func (s *Store) PoolOf(addr uint64) *Pool {
	pagesPerPool := uint64(s.BlocksPerPool) * uint64(s.PagesPerBlock) * uint64(s.HostPagesPerFlashPage)
	return s.pools[addr/pagesPerPool]
}

// PoolIndexOf returns the index of the pool owning addr.
func (s *Store) PoolIndexOf(addr uint64) uint32 {
	pagesPerPool := uint64(s.BlocksPerPool) * uint64(s.PagesPerBlock) * uint64(s.HostPagesPerFlashPage)
	return uint32(addr / pagesPerPool)
}

// BlockOf returns the block owning addr, by reverse-computing its ID
// from the flat address space.
func (s *Store) BlockOf(addr uint64) *Block {
	pagesPerBlock := uint64(s.PagesPerBlock) * uint64(s.HostPagesPerFlashPage)
	id := uint32(addr / pagesPerBlock)
	pi := id / s.BlocksPerPool
	b, _ := s.pools[pi].Block(id)
	return b
}

// Block is re-exported so callers of pool.Store don't also need to
// import the block package just to name the type.
type Block = block.Block
