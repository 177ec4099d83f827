// Package ftl wires the block & pool store (C1), append-point
// allocator (C2), mapping table (C3), inflight range lock (C4),
// request pipeline (C5), garbage collector (C6), placement strategy
// (C7) and hint ingestion (C8) into a single runnable engine.
package ftl

import (
	"github.com/k0kubun/pp"

	"github.com/lightchannel/ocftl/logger"
	"github.com/lightchannel/ocftl/server/ftl/ap"
	"github.com/lightchannel/ocftl/server/ftl/config"
	"github.com/lightchannel/ocftl/server/ftl/device"
	"github.com/lightchannel/ocftl/server/ftl/ftlerr"
	"github.com/lightchannel/ocftl/server/ftl/gc"
	"github.com/lightchannel/ocftl/server/ftl/hint"
	"github.com/lightchannel/ocftl/server/ftl/inflight"
	"github.com/lightchannel/ocftl/server/ftl/mapping"
	"github.com/lightchannel/ocftl/server/ftl/pipeline"
	"github.com/lightchannel/ocftl/server/ftl/pool"
	"github.com/lightchannel/ocftl/server/ftl/strategy"
)

// nrInflightShards is the shard count for the inflight range lock
// (spec §4.4): modest, since each shard only ever holds a handful of
// single-page ranges at once.
const nrInflightShards = 64

// Engine is the assembled FTL: the in-memory translation layer
// sitting between a block-device host interface and a device driver.
type Engine struct {
	cfg    *config.EngineConfig
	store  *pool.Store
	table  *mapping.Table
	ranges *inflight.Set
	alloc  *ap.Allocator
	hints  *hint.List
	strat  *strategy.Strategy
	dev    device.Driver
	pl     *pipeline.Pipeline
	gc     *gc.GC
}

// New constructs an engine from cfg and a device driver (spec §6:
// "Control plane: a configuration record... provided at construction").
func New(cfg *config.EngineConfig, dev device.Driver) (*Engine, error) {
	store := pool.NewStore(cfg.NrPools, cfg.NrBlksPerPool, cfg.NrPagesPerBlk, cfg.HostPagesPerFlashPage)

	withShadow := cfg.TargetType == config.TargetLatency
	table := mapping.NewTable(store.N, withShadow)

	ranges := inflight.NewSet(nrInflightShards)
	hints := hint.NewList()

	alloc, err := ap.NewAllocator(store, cfg.NrApsPerPool)
	if err != nil {
		return nil, ftlerr.New("ftl.New", ftlerr.ErrOutOfSpace, err)
	}

	strat := strategy.New(cfg.TargetType.StrategyKind(), alloc, table, store, hints)

	geom, err := dev.Identify()
	if err != nil {
		return nil, ftlerr.New("ftl.New", ftlerr.ErrDevice, err)
	}

	pl := pipeline.New(store, table, ranges, strat, dev, geom, cfg.PoolSerialize, cfg.NrApsPerPool)
	gcWorker := gc.New(store, table, ranges, dev, pl, cfg.GCTime)

	return &Engine{
		cfg:    cfg,
		store:  store,
		table:  table,
		ranges: ranges,
		alloc:  alloc,
		hints:  hints,
		strat:  strat,
		dev:    dev,
		pl:     pl,
		gc:     gcWorker,
	}, nil
}

// Start launches the periodic GC worker (spec §5).
func (e *Engine) Start() { e.gc.Start() }

// Stop cancels the GC worker (spec §5 cancellation semantics).
func (e *Engine) Stop() { e.gc.Stop() }

// Submit forwards a host request into the pipeline (spec §4.5).
func (e *Engine) Submit(req *pipeline.Request) error {
	err := e.pl.Submit(req)
	if ftlerr.IsIntegrity(err) {
		e.dumpIntegrityState(req)
	}
	return err
}

// SubmitHint accepts a control-channel SUBMIT_HINT/KERNEL_HINT payload
// (spec §6) and appends each entry to the hint list.
func (e *Engine) SubmitHint(payload *hint.Payload) {
	for _, entry := range payload.Data {
		e.hints.Submit(&hint.Record{
			Ino:      entry.Ino,
			StartLBA: entry.StartLBA,
			Count:    entry.Count,
			Class:    entry.Class,
			IsWrite:  payload.IsWrite,
			Flags:    payload.HintFlags,
		})
	}
}

// Kick requests an on-demand GC pass over a pool (spec §4.6 "gc_kick").
func (e *Engine) Kick(poolIdx uint32) { e.gc.Kick(poolIdx) }

// Store exposes the pool store for diagnostics and tests.
func (e *Engine) Store() *pool.Store { return e.store }

// Table exposes the mapping table for diagnostics and tests.
func (e *Engine) Table() *mapping.Table { return e.table }

// PipelineStats exposes the request pipeline's running counters.
func (e *Engine) PipelineStats() *pipeline.Stats { return e.pl.Stats() }

// GCStats exposes the garbage collector's running counters.
func (e *Engine) GCStats() *gc.Stats { return e.gc.Stats() }

// dumpIntegrityState pretty-prints each pool's free-block count on an
// INTEGRITY violation (spec §7: "the subsystem... logs + continues in
// release"): a debug aid, not part of the error path itself.
func (e *Engine) dumpIntegrityState(req *pipeline.Request) {
	logger.ErrorLogger.WithField("sector", req.Sector).Error("ftl: integrity violation, dumping state")
	for _, p := range e.store.Pools() {
		pp.Println(map[string]interface{}{
			"pool":           p.Index,
			"nr_free_blocks": p.NrFreeBlocks(),
		})
	}
}
