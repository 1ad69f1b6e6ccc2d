// Package kvcache implements a paged KV-cache manager with prefix reuse
// for batched autoregressive generation.
//
// # Reading Guide
//
// Start with these files to understand the core:
//   - metadata.go: per-sequence token array and the four monotonic indices
//   - block_pool.go: the slab allocator handing out block ids
//   - trie.go: the refcounted radix trie indexing committed blocks
//   - prefix_cache.go: fetch/step/COW on top of the trie
//   - manager.go: the façade (claim/release/fetch/step) serving loops call
//
// # Architecture
//
// The manager is single-threaded with respect to each sequence: fetch,
// step, claim, and release never block and never read a value produced by
// the device. Device work (the COW copy, the cache-length increment) is
// modeled behind this package's DeviceRuntime and CowKernel interfaces;
// kvcache/device.Simulated is the in-process implementation
// used by the CLI and by tests. Real backends register a replacement via
// kvcache.NewDeviceRuntimeFunc the same way kvcache/device does in its
// init().
package kvcache
