// Package hint implements hint ingestion (spec §4.8, C8): a
// lock-protected hint list fed by the control channel, an inode→class
// side table for latency/pack modes, and file-type classification of
// outgoing writes.
package hint

import (
	"sync"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Class enumerates hint classifications (spec §6).
type Class uint8

const (
	ClassEmpty Class = iota
	ClassUnknown
	ClassVideoSlow
	ClassImageSlow
	ClassDBIndex
)

// Engine/pool flag bits (spec §6).
const (
	FlagNone          uint32 = 0
	FlagSwap          uint32 = 1
	FlagIoctl         uint32 = 2
	FlagLatency       uint32 = 4
	FlagPack          uint32 = 8
	FlagPoolSerialize uint32 = 1 << 15
	FlagFastSlowPages uint32 = 1 << 16
	FlagNoWaits       uint32 = 1 << 17
)

// HintDataMaxInos bounds a single control-channel submission (spec §6
// "up to HINT_DATA_MAX_INOS inode/LBA ranges").
const HintDataMaxInos = 32

// Record is a single hint (spec §3): inserted by ingestion, consumed
// up to Count by FindHint, removed once Processed reaches Count.
type Record struct {
	Ino       uint64
	StartLBA  uint32
	Count     uint32
	Class     Class
	IsWrite   bool
	Flags     uint32
	Processed uint32
}

func (r *Record) covers(l uint64) bool {
	start := uint64(r.StartLBA)
	return l >= start && l < start+uint64(r.Count)
}

// List is the lock-protected hint list plus the ino→class side table
// (spec §4.8: "ino2fc").
type List struct {
	mu     sync.Mutex
	hints  []*Record
	ino2fc map[uint64]Class
}

func NewList() *List {
	return &List{ino2fc: make(map[uint64]Class)}
}

// Submit appends an accepted hint and, for a classified inode,
// records it into the inode→class side table read by ClassOf.
func (l *List) Submit(rec *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hints = append(l.hints, rec)
	if rec.Class != ClassEmpty {
		l.ino2fc[rec.Ino] = rec.Class
	}
}

// FindHint implements find_hint (spec §4.8): linearly scans the list
// for the first entry whose range covers L and whose flags intersect
// activeFlags, increments Processed, and removes the entry once fully
// consumed.
func (l *List) FindHint(addr uint64, activeFlags uint32) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, rec := range l.hints {
		if !rec.covers(addr) {
			continue
		}
		if rec.Flags&activeFlags == 0 {
			continue
		}
		rec.Processed++
		found := *rec
		if rec.Processed >= rec.Count {
			l.hints = append(l.hints[:i], l.hints[i+1:]...)
		}
		return found, true
	}
	return Record{}, false
}

// ClassOf returns the classification recorded for inode ino, if any.
func (l *List) ClassOf(ino uint64) (Class, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.ino2fc[ino]
	return c, ok
}

var videoMagic = []byte{0x66, 0x74, 0x79, 0x70} // "ftyp" at offset 4
var dbIndexMagic = []byte{0x53, 0x51, 0x4c, 0x69} // "SQLi" at offset 0

// Classify implements file_classify (spec §4.8, §9 open question):
// inspects the first sector of an outgoing write for known magic
// bytes. Per the spec's noted anomaly, the comparison is against the
// buffer as unsigned bytes, not the platform's signed char default.
func Classify(firstSector []byte) Class {
	if len(firstSector) >= 8 && matches(firstSector[4:8], videoMagic) {
		return ClassVideoSlow
	}
	if len(firstSector) >= 4 && matches(firstSector[0:4], dbIndexMagic) {
		return ClassDBIndex
	}
	return ClassUnknown
}

func matches(buf, magic []byte) bool {
	for i, m := range magic {
		if uint8(buf[i]) != uint8(m) {
			return false
		}
	}
	return true
}

// PayloadEntry is one element of a SUBMIT_HINT/KERNEL_HINT payload
// (spec §6): `(ino u64, start_lba u32, count u32, class u8)`.
type PayloadEntry struct {
	Ino      uint64
	StartLBA uint32
	Count    uint32
	Class    Class
}

// Payload is the control-channel command body (spec §6): `lba (u32),
// sectors_count (u32), is_write (u32), hint_flags (u32), count (u32),
// data[]`.
type Payload struct {
	LBA          uint32
	SectorsCount uint32
	IsWrite      bool
	HintFlags    uint32
	Count        uint32
	Data         []PayloadEntry
}

var (
	_ easyjson.Marshaler   = (*Payload)(nil)
	_ easyjson.Unmarshaler = (*Payload)(nil)
)

// MarshalEasyJSON implements easyjson.Marshaler by hand, in the shape
// easyjson-generated code takes, so the control channel can encode a
// hint submission without an intermediate reflection pass.
func (p *Payload) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('{')
	w.RawString(`"lba":`)
	w.Uint32(p.LBA)
	w.RawString(`,"sectors_count":`)
	w.Uint32(p.SectorsCount)
	w.RawString(`,"is_write":`)
	w.Bool(p.IsWrite)
	w.RawString(`,"hint_flags":`)
	w.Uint32(p.HintFlags)
	w.RawString(`,"count":`)
	w.Uint32(p.Count)
	w.RawString(`,"data":[`)
	for i, e := range p.Data {
		if i > 0 {
			w.RawByte(',')
		}
		w.RawByte('{')
		w.RawString(`"ino":`)
		w.Uint64(e.Ino)
		w.RawString(`,"start_lba":`)
		w.Uint32(e.StartLBA)
		w.RawString(`,"count":`)
		w.Uint32(e.Count)
		w.RawString(`,"class":`)
		w.Uint8(uint8(e.Class))
		w.RawByte('}')
	}
	w.RawString(`]}`)
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler by hand, mirroring
// generated-code structure: a field-name switch per object level.
func (p *Payload) UnmarshalEasyJSON(l *jlexer.Lexer) {
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		switch key {
		case "lba":
			p.LBA = l.Uint32()
		case "sectors_count":
			p.SectorsCount = l.Uint32()
		case "is_write":
			p.IsWrite = l.Bool()
		case "hint_flags":
			p.HintFlags = l.Uint32()
		case "count":
			p.Count = l.Uint32()
		case "data":
			l.Delim('[')
			for !l.IsDelim(']') {
				var e PayloadEntry
				l.Delim('{')
				for !l.IsDelim('}') {
					k2 := l.UnsafeFieldName(false)
					l.WantColon()
					switch k2 {
					case "ino":
						e.Ino = l.Uint64()
					case "start_lba":
						e.StartLBA = l.Uint32()
					case "count":
						e.Count = l.Uint32()
					case "class":
						e.Class = Class(l.Uint8())
					default:
						l.SkipRecursive()
					}
					l.WantComma()
				}
				l.Delim('}')
				p.Data = append(p.Data, e)
				l.WantComma()
			}
			l.Delim(']')
		default:
			l.SkipRecursive()
		}
		l.WantComma()
	}
	l.Delim('}')
}

func (p *Payload) MarshalJSON() ([]byte, error)   { return easyjson.Marshal(p) }
func (p *Payload) UnmarshalJSON(data []byte) error { return easyjson.Unmarshal(data, p) }
