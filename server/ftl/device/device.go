// Package device models the NAND-like storage device the FTL engine
// sits on top of: the read/write/erase/identify entry points spec §6
// says are consumed from an underlying driver. Everything else about
// a real device (bad-block tables, ECC, channel arbitration below the
// page level) is out of scope per spec §1.
package device

import (
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/lightchannel/ocftl/server/ftl/ftlerr"
)

// Class labels a request for the pipeline's timing simulation (spec §4.5).
type Class uint8

const (
	ClassRead Class = iota
	ClassWrite
	ClassSwapFastWrite
	ClassSwapSlowWrite
	ClassErase
)

// ChannelInfo is the per-channel geometry reported by Identify (spec §6).
type ChannelInfo struct {
	LAddrBegin uint64
	LAddrEnd   uint64
	GranErase  uint32
	GranRead   uint32
	GranWrite  uint32
	TRead      time.Duration
	TWrite     time.Duration
	TErase     time.Duration
}

// Geometry is the full identify() response.
type Geometry struct {
	Channels []ChannelInfo
}

// Driver is the external collaborator spec §6 says the core consumes:
// only identify/submit/erase_block, nothing about how pages physically
// land on media.
type Driver interface {
	Identify() (Geometry, error)
	ReadPage(physAddr uint64) ([]byte, error)
	WritePage(physAddr uint64, data []byte) error
	EraseBlock(blockID uint32, firstPhysAddr uint64, pagesPerBlock uint32) error
}

// SimDevice is an in-memory NAND stand-in: one channel per pool, pages
// addressed by a flat physical address. It has no timing of its own —
// the request pipeline (C5) simulates per-class latency around calls
// into it, per spec §4.5.
type SimDevice struct {
	mu         sync.RWMutex
	pageSize   int
	compress   bool
	pages      map[uint64][]byte
	geometry   Geometry
}

// NewSimDevice builds a simulated device with nrPools channels, each
// covering poolPages physical pages, and the given per-class timing
// targets (used only to populate Identify(); the pipeline reads those
// back out rather than hardcoding them).
func NewSimDevice(nrPools int, poolPages uint64, pageSize int, tRead, tWrite, tErase time.Duration, compress bool) *SimDevice {
	chans := make([]ChannelInfo, nrPools)
	for i := 0; i < nrPools; i++ {
		chans[i] = ChannelInfo{
			LAddrBegin: uint64(i) * poolPages,
			LAddrEnd:   uint64(i+1) * poolPages,
			GranErase:  1,
			GranRead:   1,
			GranWrite:  1,
			TRead:      tRead,
			TWrite:     tWrite,
			TErase:     tErase,
		}
	}
	return &SimDevice{
		pageSize: pageSize,
		compress: compress,
		pages:    make(map[uint64][]byte),
		geometry: Geometry{Channels: chans},
	}
}

func (d *SimDevice) Identify() (Geometry, error) {
	return d.geometry, nil
}

func (d *SimDevice) ReadPage(physAddr uint64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	raw, ok := d.pages[physAddr]
	if !ok {
		return make([]byte, d.pageSize), nil
	}
	if !d.compress {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}
	out := make([]byte, d.pageSize)
	n, err := lz4.UncompressBlock(raw, out)
	if err != nil {
		return nil, ftlerr.New("device.ReadPage", ftlerr.ErrDevice, errors.Wrap(err, "lz4 decompress"))
	}
	return out[:n], nil
}

func (d *SimDevice) WritePage(physAddr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := data
	if d.compress {
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return ftlerr.New("device.WritePage", ftlerr.ErrDevice, errors.Wrap(err, "lz4 compress"))
		}
		if n == 0 {
			// incompressible: lz4 declines, fall back to raw
			stored = append([]byte(nil), data...)
		} else {
			stored = append([]byte(nil), buf[:n]...)
		}
	} else {
		stored = append([]byte(nil), data...)
	}
	d.pages[physAddr] = stored
	return nil
}

func (d *SimDevice) EraseBlock(blockID uint32, firstPhysAddr uint64, pagesPerBlock uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := uint32(0); i < pagesPerBlock; i++ {
		delete(d.pages, firstPhysAddr+uint64(i))
	}
	return nil
}
