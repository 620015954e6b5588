// Package config owns the pipeline's configuration: an immutable snapshot
// swapped atomically under a global owner, mirroring the teacher's GCO
// (Global Config Owner) pattern.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Queue describes one of the pipeline's bounded concurrency limiters.
type Queue struct {
	MaxConcurrency int `json:"max_concurrency"`
}

// Config is a pipeline's complete, value-typed, JSON-tagged configuration.
// A Config is never mutated in place; updates swap in a new *Config.
type Config struct {
	DataLoadingQueue     Queue `json:"data_loading_queue"`
	DataCachingQueue     Queue `json:"data_caching_queue"`
	ImageDecodingQueue   Queue `json:"image_decoding_queue"`
	ImageEncodingQueue   Queue `json:"image_encoding_queue"`
	ImageProcessingQueue Queue `json:"image_processing_queue"`

	IsProgressiveDecodingEnabled   bool    `json:"is_progressive_decoding_enabled"`
	IsStoringPreviewsInMemoryCache bool    `json:"is_storing_previews_in_memory_cache"`
	IsResumableDataEnabled         bool    `json:"is_resumable_data_enabled"`
	IsTaskCoalescingEnabled        bool    `json:"is_task_coalescing_enabled"`
	IsRateLimiterEnabled           bool    `json:"is_rate_limiter_enabled"`
	RateLimiterQPS                 float64 `json:"rate_limiter_qps"`
	IsDecompressionEnabled         bool    `json:"is_decompression_enabled"`

	DataCachePolicy string `json:"data_cache_policy"` // automatic|storeOriginalData|storeEncodedImages|storeAll

	MemoryCache MemoryCacheConfig `json:"memory_cache"`
	DataCache   DataCacheConfig   `json:"data_cache"`
	Resumable   ResumableConfig   `json:"resumable"`
}

type MemoryCacheConfig struct {
	CostLimit      int64   `json:"cost_limit"`
	CountLimit     int     `json:"count_limit"`
	EntryCostLimit float64 `json:"entry_cost_limit"` // fraction of CostLimit, default 0.1
}

type DataCacheConfig struct {
	RootDir           string        `json:"root_dir"`
	SizeLimit         int64         `json:"size_limit"`
	SweepInterval     time.Duration `json:"sweep_interval"`
	ContentHashLayout bool          `json:"content_hash_layout"`
}

type ResumableConfig struct {
	TTL time.Duration `json:"ttl"`
}

// Default returns the pipeline's default configuration, mirroring §6.5's
// recognized options and their documented defaults.
func Default() *Config {
	return &Config{
		DataLoadingQueue:     Queue{MaxConcurrency: 6},
		DataCachingQueue:     Queue{MaxConcurrency: 2},
		ImageDecodingQueue:   Queue{MaxConcurrency: 1},
		ImageEncodingQueue:   Queue{MaxConcurrency: 1},
		ImageProcessingQueue: Queue{MaxConcurrency: 2},

		IsProgressiveDecodingEnabled:   false,
		IsStoringPreviewsInMemoryCache: false,
		IsResumableDataEnabled:         true,
		IsTaskCoalescingEnabled:        true,
		IsRateLimiterEnabled:           true,
		RateLimiterQPS:                 50,
		IsDecompressionEnabled:         true,

		DataCachePolicy: "automatic",

		MemoryCache: MemoryCacheConfig{
			CostLimit:      256 << 20,
			CountLimit:     4096,
			EntryCostLimit: 0.1,
		},
		DataCache: DataCacheConfig{
			SizeLimit:     1 << 30,
			SweepInterval: 30 * time.Second,
		},
		Resumable: ResumableConfig{
			TTL: 2 * time.Minute,
		},
	}
}

// Clone performs the same shallow-copy-is-enough tradeoff the teacher's GCO
// makes: Config holds only value fields, so a field-by-field copy is a
// correct deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func (c *Config) String() string {
	b, _ := jsoniter.Marshal(c)
	return string(b)
}

// Owner is the global config owner for one pipeline instance: an
// atomically-swapped pointer to an immutable snapshot, guarded for updates
// by a mutex so BeginUpdate/CommitUpdate pairs can't interleave.
type Owner struct {
	cur atomic.Pointer[Config]
	mtx sync.Mutex
}

func NewOwner(initial *Config) *Owner {
	o := &Owner{}
	o.Put(initial)
	return o
}

func (o *Owner) Get() *Config {
	return o.cur.Load()
}

func (o *Owner) Put(c *Config) {
	o.cur.Store(c)
}

// BeginUpdate locks the owner and returns a clone to mutate; the caller
// must follow with CommitUpdate or DiscardUpdate.
func (o *Owner) BeginUpdate() *Config {
	o.mtx.Lock()
	return o.Get().Clone()
}

func (o *Owner) CommitUpdate(c *Config) {
	o.Put(c)
	o.mtx.Unlock()
}

func (o *Owner) DiscardUpdate() {
	o.mtx.Unlock()
}
