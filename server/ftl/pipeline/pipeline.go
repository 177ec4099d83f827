// Package pipeline implements the request pipeline (spec §4.5, C5):
// validates a host request, dispatches it through the active
// placement strategy, gates it behind the destination pool's
// single-in-flight serialization, and simulates per-class completion
// timing.
package pipeline

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/atomic"

	"github.com/lightchannel/ocftl/server/ftl/ap"
	"github.com/lightchannel/ocftl/server/ftl/device"
	"github.com/lightchannel/ocftl/server/ftl/ftlerr"
	"github.com/lightchannel/ocftl/server/ftl/inflight"
	"github.com/lightchannel/ocftl/server/ftl/mapping"
	"github.com/lightchannel/ocftl/server/ftl/pool"
	"github.com/lightchannel/ocftl/server/ftl/strategy"
)

// Stats mirrors the teacher's BufferPoolStats shape (atomic counters,
// a GetXxxRatio helper) scoped to what the request pipeline actually
// tracks: completed reads/writes and the transient/device error counts
// spec.md §7 asks callers to be able to retry on.
type Stats struct {
	Reads           atomic.Int64
	Writes          atomic.Int64
	TransientErrors atomic.Int64
	DeviceErrors    atomic.Int64
}

// GetErrorRatio returns the fraction of submitted requests that failed
// with either a transient or device error.
func (s *Stats) GetErrorRatio() float64 {
	reads := s.Reads.Load()
	writes := s.Writes.Load()
	errs := s.TransientErrors.Load() + s.DeviceErrors.Load()
	total := reads + writes + errs
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total)
}

// NrPhyInLog is the number of host sectors per logical/host page:
// 4096-byte pages over 512-byte sectors (spec §6).
const NrPhyInLog = 8

// HostPageSize is the only request size the host interface accepts
// (spec §6); writes of any other size are rejected as transient.
const HostPageSize = 4096

// MemoryPressureLimit is the VirtualMemory used-percent threshold
// above which requests report TRANSIENT rather than risk a failed
// pool allocation (spec §5: "Resource pools... allocation failures
// under memory pressure cause the responsible request to report a
// transient error for retry").
const MemoryPressureLimit = 95.0

// Kind distinguishes a read from a write request.
type Kind int

const (
	Read Kind = iota
	Write
)

// Request is a single host I/O (spec §4.5 state machine: NEW →
// LOCKED(L) → MAPPED → [QUEUED|IN_FLIGHT] → COMPLETING → DONE).
type Request struct {
	Sector uint64
	Kind   Kind
	Data   []byte // exactly HostPageSize bytes; read fills it, write supplies it
	IsGC   bool
	Ino    uint64 // originating inode; placement takes the inode from the matching hint, not from here

	submittedAt time.Time
}

// Pipeline wires the mapping table, inflight lock, pool store, active
// strategy and device driver into request submission.
type Pipeline struct {
	store      *pool.Store
	table      *mapping.Table
	inflight   *inflight.Set
	strat      *strategy.Strategy
	dev        device.Driver
	geom       device.Geometry
	serialize  bool
	apsPerPool uint32

	stats Stats
}

// Stats exposes the pipeline's running counters for diagnostics and
// the property tests of spec.md §8.
func (p *Pipeline) Stats() *Stats { return &p.stats }

func New(store *pool.Store, table *mapping.Table, rangeLocks *inflight.Set, strat *strategy.Strategy, dev device.Driver, geom device.Geometry, serialize bool, apsPerPool uint32) *Pipeline {
	return &Pipeline{
		store:      store,
		table:      table,
		inflight:   rangeLocks,
		strat:      strat,
		dev:        dev,
		geom:       geom,
		serialize:  serialize,
		apsPerPool: apsPerPool,
	}
}

// Submit implements submit(request) (spec §4.5).
func (p *Pipeline) Submit(req *Request) error {
	req.submittedAt = time.Now()

	l := req.Sector / NrPhyInLog
	if l >= p.store.N {
		return ftlerr.New("pipeline.Submit", ftlerr.ErrBadAddress, errors.Errorf("L=%d out of range", l))
	}
	if req.Kind == Write && len(req.Data) != HostPageSize {
		p.stats.TransientErrors.Inc()
		return ftlerr.New("pipeline.Submit", ftlerr.ErrTransient, errors.New("write size must be one host page"))
	}
	if memoryPressure() {
		p.stats.TransientErrors.Inc()
		return ftlerr.New("pipeline.Submit", ftlerr.ErrTransient, errors.New("memory pressure"))
	}

	rl := p.inflight.Lock(l, l, 1)
	defer p.inflight.Unlock(l, rl)

	if req.Kind == Read {
		return p.ReadLocked(req, l)
	}
	return p.WriteLocked(req, l)
}

// ReadLocked implements read_rq (spec §4.5): an empty mapping entry
// short-circuits to a zero-filled buffer with no device I/O. Exported
// for callers that already hold the range lock for l themselves.
func (p *Pipeline) ReadLocked(req *Request, l uint64) error {
	e := p.strat.LookupLtoP(l)
	if e.Empty() {
		req.Data = make([]byte, HostPageSize)
		p.stats.Reads.Inc()
		return nil
	}
	defer e.Blk.DecRef()

	target := p.store.PoolOf(e.Addr)
	p.gate(target)
	defer p.ungate(target)

	data, err := p.dev.ReadPage(e.Addr)
	if err != nil {
		p.stats.DeviceErrors.Inc()
		return ftlerr.New("pipeline.readRQ", ftlerr.ErrDevice, err)
	}
	req.Data = data

	p.stats.Reads.Inc()
	p.simulateTiming(req, device.ClassRead, target.Index)
	return nil
}

// WriteLocked implements write_rq (spec §4.5): map_page chooses the
// destination, the write lands on the device, then update_map installs
// the new mapping (and invalidates the old one as a side effect).
// Exported for the garbage collector's relocation writes (spec §4.6:
// "an asynchronous write through the normal write path with
// is_gc=true"), which already hold the range lock for l.
func (p *Pipeline) WriteLocked(req *Request, l uint64) error {
	var gcOldAddr uint64
	if req.IsGC {
		if prev := p.strat.LookupLtoP(l); !prev.Empty() {
			gcOldAddr = prev.Addr
			prev.Blk.DecRef()
		}
	}

	mapped, err := p.strat.MapPage(l, req.IsGC, gcOldAddr, p.apsPerPool)
	if err != nil {
		return err
	}
	mapped.Blk.IncRef()
	defer mapped.Blk.DecRef()

	target := p.store.PoolOf(mapped.Addr)
	p.gate(target)
	writeErr := p.dev.WritePage(mapped.Addr, req.Data)
	p.ungate(target)
	if writeErr != nil {
		p.stats.DeviceErrors.Inc()
		return ftlerr.New("pipeline.writeRQ", ftlerr.ErrDevice, writeErr)
	}

	if err := p.table.UpdateMap(l, mapped.Addr, mapped.Blk, mapping.FlagPrimary); err != nil {
		return err
	}

	if mapped.HasShadow {
		mapped.ShadowBlk.IncRef()
		shadowTarget := p.store.PoolOf(mapped.ShadowAddr)
		p.gate(shadowTarget)
		swerr := p.dev.WritePage(mapped.ShadowAddr, req.Data)
		p.ungate(shadowTarget)
		mapped.ShadowBlk.DecRef()
		if swerr != nil {
			p.stats.DeviceErrors.Inc()
			return ftlerr.New("pipeline.writeRQ", ftlerr.ErrDevice, swerr)
		}
		if err := p.table.UpdateMap(l, mapped.ShadowAddr, mapped.ShadowBlk, mapping.FlagShadow); err != nil {
			return err
		}
	}

	// Completion duty "increment data_cmnt_size, recycle at K" is a
	// no-op here: a block already joins its pool's priority list at
	// acquisition time (pool.GetBlock), so it is GC-eligible the
	// moment it fills without a separate scheduling step.
	p.stats.Writes.Inc()
	p.simulateTiming(req, p.writeClass(mapped.Addr, mapped.Blk), target.Index)
	return nil
}

// writeClass picks the timing class for a landed write: under the
// swap strategy, a fast slot halves the write budget and a slow slot
// doubles it (spec §4.5); every other strategy uses the plain class.
func (p *Pipeline) writeClass(addr uint64, blk *pool.Block) device.Class {
	if p.strat.Kind() != strategy.Swap {
		return device.ClassWrite
	}
	pagenr := uint32((addr - blk.BaseAddr) / uint64(blk.H))
	if ap.PageIsFast(pagenr, blk.K) {
		return device.ClassSwapFastWrite
	}
	return device.ClassSwapSlowWrite
}

func (p *Pipeline) gate(target *pool.Pool) {
	granted, wait := target.TryBeginActive(p.serialize)
	if !granted {
		<-wait
	}
}

func (p *Pipeline) ungate(target *pool.Pool) {
	target.EndActive(p.serialize)
}

// simulateTiming implements the timing-simulation completion duty
// (spec §4.5): busy-delay up to the class-specific target when the
// device completed faster than it would on real hardware.
func (p *Pipeline) simulateTiming(req *Request, class device.Class, poolIdx uint32) {
	ch := p.geom.Channels[poolIdx]
	var target time.Duration
	switch class {
	case device.ClassRead:
		target = ch.TRead
	case device.ClassWrite:
		target = ch.TWrite
	case device.ClassSwapFastWrite:
		target = ch.TWrite / 2
	case device.ClassSwapSlowWrite:
		target = ch.TWrite * 2
	}
	elapsed := time.Since(req.submittedAt)
	remaining := target - elapsed
	if remaining > 50*time.Microsecond {
		time.Sleep(remaining)
	}
}

func memoryPressure() bool {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false
	}
	return vm.UsedPercent >= MemoryPressureLimit
}
