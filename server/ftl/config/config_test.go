package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightchannel/ocftl/server/ftl/hint"
	"github.com/lightchannel/ocftl/server/ftl/strategy"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, TargetDefault, cfg.TargetType)
	assert.EqualValues(t, 2, cfg.NrPools)
	assert.EqualValues(t, 4, cfg.NrBlksPerPool)
	assert.EqualValues(t, 4, cfg.NrPagesPerBlk)
	assert.EqualValues(t, 1, cfg.HostPagesPerFlashPage)
	assert.Equal(t, strategy.Default, cfg.TargetType.StrategyKind())
}

func TestTargetTypeStrategyKind(t *testing.T) {
	assert.Equal(t, strategy.Swap, TargetSwap.StrategyKind())
	assert.Equal(t, strategy.Latency, TargetLatency.StrategyKind())
	assert.Equal(t, strategy.Pack, TargetPack.StrategyKind())
	assert.Equal(t, strategy.Default, TargetDefault.StrategyKind())
}

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags("swap, pool_serialize,fast_slow_pages")
	require.NoError(t, err)
	assert.Equal(t, hint.FlagSwap|hint.FlagPoolSerialize|hint.FlagFastSlowPages, flags)

	_, err = parseFlags("bogus")
	assert.Error(t, err)

	flags, err = parseFlags("")
	require.NoError(t, err)
	assert.EqualValues(t, 0, flags)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ftl.ini")
	body := `[ftl]
target_type = swap
nr_pools = 3
nr_blks_per_pool = 8
nr_pages_per_blk = 16
host_pages_per_flash_page = 1
nr_aps_per_pool = 2
misc_flags = swap,pool_serialize
gc_time_ms = 50ms
t_read_us = 20us
t_write_us = 200us
t_erase_us = 1500us
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TargetSwap, cfg.TargetType)
	assert.EqualValues(t, 3, cfg.NrPools)
	assert.EqualValues(t, 8, cfg.NrBlksPerPool)
	assert.EqualValues(t, 16, cfg.NrPagesPerBlk)
	assert.EqualValues(t, 2, cfg.NrApsPerPool)
	assert.True(t, cfg.PoolSerialize)
	assert.False(t, cfg.Compress)
	assert.Equal(t, hint.FlagSwap|hint.FlagPoolSerialize, cfg.MiscFlags)
}
