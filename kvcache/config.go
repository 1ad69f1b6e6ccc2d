package kvcache

import "fmt"

// CacheStrategy selects the ragged-inputs paged implementation or the
// legacy continuous/padded one. Only "paged" enables the prefix cache.
type CacheStrategy int

const (
	// StrategyContinuous is the legacy padded-tensor variant. No prefix
	// cache, no COW.
	StrategyContinuous CacheStrategy = iota
	// StrategyPaged selects ragged inputs and enables the prefix cache
	// when Params.EnablePrefixCaching is set.
	StrategyPaged
)

func (s CacheStrategy) String() string {
	if s == StrategyPaged {
		return "paged"
	}
	return "continuous"
}

// DType is the element type of block storage. Opaque to the manager;
// carried only so ragged input assembly can describe tensor shapes.
type DType int

const (
	DTypeFloat16 DType = iota
	DTypeBFloat16
	DTypeFloat32
)

// KVCacheParams groups the recognized configuration keys of §6.
type KVCacheParams struct {
	DType               DType
	NumKVHeads          int
	HeadDim             int
	CacheStrategy       CacheStrategy
	PageSize            int  // tokens per block; PageSize == 1 disables COW
	EnablePrefixCaching bool // false: PrefixCache.Fetch is a no-op, Step skips trie insertion
	EnableCOW           bool // ignored unless CacheStrategy == StrategyPaged and PageSize > 1
}

// Validate rejects unsupported or contradictory combinations. Called once,
// at manager construction; ConfigInvalid is never raised afterwards.
func (p KVCacheParams) Validate() error {
	if p.PageSize <= 0 {
		return newErr(ConfigInvalid, "page_size must be positive, got %d", p.PageSize)
	}
	if p.NumKVHeads <= 0 {
		return newErr(ConfigInvalid, "n_kv_heads must be positive, got %d", p.NumKVHeads)
	}
	if p.HeadDim <= 0 {
		return newErr(ConfigInvalid, "head_dim must be positive, got %d", p.HeadDim)
	}
	if p.EnablePrefixCaching && p.CacheStrategy != StrategyPaged {
		return newErr(ConfigInvalid, "prefix caching requires cache_strategy=paged, got %s", p.CacheStrategy)
	}
	return nil
}

// cowEnabled reports whether COW partial-block reuse is active for these
// params: requires paged strategy, prefix caching, COW opted in, and a
// page size greater than one (§4.4, §8 boundary case).
func (p KVCacheParams) cowEnabled() bool {
	return p.CacheStrategy == StrategyPaged && p.EnablePrefixCaching && p.EnableCOW && p.PageSize > 1
}

func (d DType) String() string {
	switch d {
	case DTypeFloat16:
		return "float16"
	case DTypeBFloat16:
		return "bfloat16"
	case DTypeFloat32:
		return "float32"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}
