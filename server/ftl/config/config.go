// Package config loads the FTL control-plane record (spec §6) from an
// ini file, the way server/conf/config.go loads the server's own
// configuration: section-keyed GetKey/MustInt/MustString, os.Exit(1)
// on a malformed required key, time.ParseDuration for duration-shaped
// values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/lightchannel/ocftl/server/ftl/hint"
	"github.com/lightchannel/ocftl/server/ftl/strategy"
)

// TargetType selects the placement strategy (spec §6).
type TargetType string

const (
	TargetDefault TargetType = "default"
	TargetSwap    TargetType = "swap"
	TargetLatency TargetType = "latency"
	TargetPack    TargetType = "pack"
)

// StrategyKind maps the ini-file target_type string to a strategy.Kind.
func (t TargetType) StrategyKind() strategy.Kind {
	switch t {
	case TargetSwap:
		return strategy.Swap
	case TargetLatency:
		return strategy.Latency
	case TargetPack:
		return strategy.Pack
	default:
		return strategy.Default
	}
}

// EngineConfig is the control-plane record of spec §6: `(target_type,
// nr_pools, nr_blks_per_pool, nr_pages_per_blk, nr_aps_per_pool,
// misc_flags, gc_time_ms, t_read_us, t_write_us, t_erase_us)`.
type EngineConfig struct {
	TargetType    TargetType
	NrPools       uint32
	NrBlksPerPool uint32
	NrPagesPerBlk uint32 // K
	HostPagesPerFlashPage uint32 // H
	NrApsPerPool  uint32
	MiscFlags     uint32

	GCTime  time.Duration
	TRead   time.Duration
	TWrite  time.Duration
	TErase  time.Duration

	PoolSerialize bool
	Compress      bool
}

// Default returns the small configuration spec §8's scenarios S1-S6
// are sized against: P=2, B=4, K=4, H=1.
func Default() *EngineConfig {
	return &EngineConfig{
		TargetType:            TargetDefault,
		NrPools:               2,
		NrBlksPerPool:         4,
		NrPagesPerBlk:         4,
		HostPagesPerFlashPage: 1,
		NrApsPerPool:          1,
		MiscFlags:             hint.FlagNone,
		GCTime:                100 * time.Millisecond,
		TRead:                 20 * time.Microsecond,
		TWrite:                200 * time.Microsecond,
		TErase:                1500 * time.Microsecond,
	}
}

// Load reads an `[ftl]` section from an ini file (spec §6). Every
// required key's absence is fatal, matching the teacher's fail-fast
// load behavior rather than silently defaulting a control-plane value.
func Load(path string) (*EngineConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("ftl: config file does not exist:", path)
		os.Exit(1)
	}

	raw, err := ini.Load(path)
	if err != nil {
		fmt.Println("ftl: failed to parse config:", err)
		os.Exit(1)
		return nil, err
	}

	section := raw.Section("ftl")
	cfg := Default()

	cfg.TargetType = TargetType(mustKey(section, "target_type").MustString(string(TargetDefault)))
	cfg.NrPools = uint32(mustKey(section, "nr_pools").MustInt(int(cfg.NrPools)))
	cfg.NrBlksPerPool = uint32(mustKey(section, "nr_blks_per_pool").MustInt(int(cfg.NrBlksPerPool)))
	cfg.NrPagesPerBlk = uint32(mustKey(section, "nr_pages_per_blk").MustInt(int(cfg.NrPagesPerBlk)))
	cfg.HostPagesPerFlashPage = uint32(mustKey(section, "host_pages_per_flash_page").MustInt(int(cfg.HostPagesPerFlashPage)))
	cfg.NrApsPerPool = uint32(mustKey(section, "nr_aps_per_pool").MustInt(int(cfg.NrApsPerPool)))

	miscFlags, err := parseFlags(mustKey(section, "misc_flags").MustString(""))
	if err != nil {
		fmt.Println("ftl: misc_flags:", err)
		os.Exit(1)
	}
	cfg.MiscFlags = miscFlags
	cfg.PoolSerialize = miscFlags&hint.FlagPoolSerialize != 0
	cfg.Compress = miscFlags&hint.FlagFastSlowPages != 0

	cfg.GCTime, err = time.ParseDuration(mustKey(section, "gc_time_ms").MustString(cfg.GCTime.String()))
	if err != nil {
		fmt.Println("ftl: gc_time_ms:", err)
		os.Exit(1)
	}
	cfg.TRead, err = time.ParseDuration(mustKey(section, "t_read_us").MustString(cfg.TRead.String()))
	if err != nil {
		fmt.Println("ftl: t_read_us:", err)
		os.Exit(1)
	}
	cfg.TWrite, err = time.ParseDuration(mustKey(section, "t_write_us").MustString(cfg.TWrite.String()))
	if err != nil {
		fmt.Println("ftl: t_write_us:", err)
		os.Exit(1)
	}
	cfg.TErase, err = time.ParseDuration(mustKey(section, "t_erase_us").MustString(cfg.TErase.String()))
	if err != nil {
		fmt.Println("ftl: t_erase_us:", err)
		os.Exit(1)
	}

	return cfg, nil
}

// mustKey mirrors valueAsString's fail-fast intent: a section that
// exists but is missing a key the engine depends on is a
// configuration error, not a silently-defaulted one.
func mustKey(section *ini.Section, name string) *ini.Key {
	if !section.HasKey(name) {
		fmt.Println("ftl: missing required key:", name)
		os.Exit(1)
	}
	return section.Key(name)
}

// parseFlags parses a comma-separated flag-name list into the bit
// field of spec §6 (`ENGINE_SWAP`, `POOL_SERIALIZE`, ...).
func parseFlags(s string) (uint32, error) {
	var out uint32
	if s == "" {
		return 0, nil
	}
	for _, name := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "swap":
			out |= hint.FlagSwap
		case "ioctl":
			out |= hint.FlagIoctl
		case "latency":
			out |= hint.FlagLatency
		case "pack":
			out |= hint.FlagPack
		case "pool_serialize":
			out |= hint.FlagPoolSerialize
		case "fast_slow_pages":
			out |= hint.FlagFastSlowPages
		case "no_waits":
			out |= hint.FlagNoWaits
		case "":
		default:
			return 0, fmt.Errorf("unknown flag %q", name)
		}
	}
	return out, nil
}
