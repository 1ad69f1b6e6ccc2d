package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedkv/kvcache/kvcache"
)

const sampleScenario = `
params:
  dtype: float16
  num_kv_heads: 8
  head_dim: 128
  cache_strategy: paged
  page_size: 16
  enable_prefix_caching: true
  enable_cow: true
max_batch_size: 4
max_seq_len: 2048
block_pool_size: 64
events:
  - claim:
      seq_ids: [0]
  - fetch:
      seq: 0
      prompt: [1, 2, 3]
      num_steps: 1
`

// TestLoadScenario_ParsesEventsInOrder verifies a full scenario file
// decodes into the expected event sequence.
func TestLoadScenario_ParsesEventsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleScenario), 0o644))

	cfg, err := LoadScenario(path)
	require.NoError(t, err)
	require.Len(t, cfg.Events, 2)
	assert.Equal(t, []int64{0}, cfg.Events[0].Claim.SeqIDs)
	assert.Equal(t, []int{1, 2, 3}, cfg.Events[1].Fetch.Prompt)
	assert.Equal(t, 1, cfg.NumDevices, "num_devices defaults to 1 when unset")
}

// TestLoadScenario_RejectsUnknownFields verifies strict decoding catches
// typos in the scenario file instead of silently ignoring them.
func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_batch_sizee: 4\n"), 0o644))

	_, err := LoadScenario(path)
	assert.Error(t, err)
}

// TestParamsConfig_ToParams_ConvertsEnumStrings verifies the YAML string
// enums map onto kvcache's typed constants.
func TestParamsConfig_ToParams_ConvertsEnumStrings(t *testing.T) {
	p := ParamsConfig{
		DType: "bfloat16", NumKVHeads: 4, HeadDim: 64,
		CacheStrategy: "paged", PageSize: 16,
	}
	params, err := p.ToParams()
	require.NoError(t, err)
	assert.Equal(t, kvcache.DTypeBFloat16, params.DType)
	assert.Equal(t, kvcache.StrategyPaged, params.CacheStrategy)
}

// TestParamsConfig_ToParams_RejectsUnknownCacheStrategy verifies invalid
// enum spellings fail fast rather than defaulting silently.
func TestParamsConfig_ToParams_RejectsUnknownCacheStrategy(t *testing.T) {
	p := ParamsConfig{CacheStrategy: "hierarchical"}
	_, err := p.ToParams()
	assert.Error(t, err)
}
