// cmd/scenario.go
package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pagedkv/kvcache/kvcache"
)

// ParamsConfig is the YAML form of kvcache.KVCacheParams; string enum
// fields are validated and converted by ToParams.
type ParamsConfig struct {
	DType               string `yaml:"dtype"`
	NumKVHeads          int    `yaml:"num_kv_heads"`
	HeadDim             int    `yaml:"head_dim"`
	CacheStrategy       string `yaml:"cache_strategy"`
	PageSize            int    `yaml:"page_size"`
	EnablePrefixCaching bool   `yaml:"enable_prefix_caching"`
	EnableCOW           bool   `yaml:"enable_cow"`
}

// ToParams converts the YAML config into kvcache.KVCacheParams, rejecting
// unrecognized enum spellings before Validate ever runs.
func (p ParamsConfig) ToParams() (kvcache.KVCacheParams, error) {
	var dtype kvcache.DType
	switch p.DType {
	case "float16", "":
		dtype = kvcache.DTypeFloat16
	case "bfloat16":
		dtype = kvcache.DTypeBFloat16
	case "float32":
		dtype = kvcache.DTypeFloat32
	default:
		return kvcache.KVCacheParams{}, fmt.Errorf("scenario: unknown dtype %q", p.DType)
	}
	var strategy kvcache.CacheStrategy
	switch p.CacheStrategy {
	case "paged", "":
		strategy = kvcache.StrategyPaged
	case "continuous":
		strategy = kvcache.StrategyContinuous
	default:
		return kvcache.KVCacheParams{}, fmt.Errorf("scenario: unknown cache_strategy %q", p.CacheStrategy)
	}
	return kvcache.KVCacheParams{
		DType:               dtype,
		NumKVHeads:          p.NumKVHeads,
		HeadDim:             p.HeadDim,
		CacheStrategy:       strategy,
		PageSize:            p.PageSize,
		EnablePrefixCaching: p.EnablePrefixCaching,
		EnableCOW:           p.EnableCOW,
	}, nil
}

// ClaimEvent reserves the given caller-chosen sequence ids.
type ClaimEvent struct {
	SeqIDs []int64 `yaml:"seq_ids"`
}

// FetchEvent begins a decode episode for one sequence.
type FetchEvent struct {
	Seq      int64 `yaml:"seq"`
	Prompt   []int `yaml:"prompt"`
	NumSteps int64 `yaml:"num_steps"`
}

// StepEvent closes out a decode episode with its generated tokens.
type StepEvent struct {
	Seq    int64 `yaml:"seq"`
	Tokens []int `yaml:"tokens"`
}

// ReleaseEvent frees a sequence's slot.
type ReleaseEvent struct {
	Seq int64 `yaml:"seq"`
}

// ScenarioEvent is a tagged union of the four replayable operations; exactly
// one field should be set per event.
type ScenarioEvent struct {
	Claim   *ClaimEvent   `yaml:"claim,omitempty"`
	Fetch   *FetchEvent   `yaml:"fetch,omitempty"`
	Step    *StepEvent    `yaml:"step,omitempty"`
	Release *ReleaseEvent `yaml:"release,omitempty"`
}

// ScenarioConfig is the full contents of a scenario YAML file: the manager's
// construction parameters plus the event sequence to replay against it.
type ScenarioConfig struct {
	Params        ParamsConfig    `yaml:"params"`
	MaxBatchSize  int64           `yaml:"max_batch_size"`
	MaxSeqLen     int64           `yaml:"max_seq_len"`
	BlockPoolSize int64           `yaml:"block_pool_size"`
	NumDevices    int             `yaml:"num_devices"`
	Events        []ScenarioEvent `yaml:"events"`
}

// LoadScenario parses a scenario file with strict (unknown-field-rejecting)
// YAML decoding, matching the teacher's defaults.yaml loading discipline.
func LoadScenario(path string) (*ScenarioConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: reading %s: %w", path, err)
	}
	var cfg ScenarioConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("scenario: parsing %s: %w", path, err)
	}
	if cfg.NumDevices <= 0 {
		cfg.NumDevices = 1
	}
	return &cfg, nil
}
