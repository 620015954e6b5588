// Package nuke implements an image-loading pipeline: given a request
// describing where to fetch an image and how to transform it, it returns a
// ready-to-display container while coordinating network access, decoding,
// processing, memory and disk caches, progressive delivery, task
// coalescing, priority scheduling, and cancellation.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package nuke

import (
	"context"
	"fmt"
)

// Priority orders work across every queue in the pipeline. Higher values
// run first; a task's effective priority is the max of its subscribers'.
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityVeryLow:
		return "veryLow"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "veryHigh"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Options is a bit-set of per-request cache/load behavior toggles.
type Options uint8

const (
	DisableMemoryCacheReads Options = 1 << iota
	DisableMemoryCacheWrites
	DisableDiskCacheReads
	DisableDiskCacheWrites
	ReloadIgnoringCachedData
	ReturnCacheDataDontLoad
	SkipDecompression
)

func (o Options) Has(flag Options) bool { return o&flag != 0 }

// SourceKind discriminates the single populated field of Source.
type SourceKind int

const (
	SourceRemoteURL SourceKind = iota
	SourceFilePath
	SourceInlineData
	SourceAsyncProducer
)

// AsyncProducer lazily yields bytes for SourceAsyncProducer requests.
type AsyncProducer func(ctx context.Context) ([]byte, error)

// Source describes exactly one origin for a request: a remote URL (with
// optional headers and its own cache policy override), a local file path,
// an inline byte blob, or a lazy async producer.
type Source struct {
	Kind SourceKind

	// SourceRemoteURL
	URL             string
	Headers         map[string]string
	CachePolicy     DataCachePolicy
	HasCachePolicy  bool

	// SourceFilePath
	Path string

	// SourceInlineData
	Data []byte

	// SourceAsyncProducer
	ID       string // stable identifier, used as imageId
	Producer AsyncProducer
}

// Identifier returns the canonical, HTTP-irrelevant identity of the source
// used to build imageId when userInfo carries no FilterID override.
func (s Source) Identifier() string {
	switch s.Kind {
	case SourceRemoteURL:
		return s.URL
	case SourceFilePath:
		return s.Path
	case SourceInlineData:
		return fmt.Sprintf("data:%x", xxsum(s.Data))
	case SourceAsyncProducer:
		return s.ID
	default:
		return ""
	}
}

// IsRemote reports whether the source requires network access and is thus
// eligible for disk caching and resumable downloads.
func (s Source) IsRemote() bool { return s.Kind == SourceRemoteURL }

// ProcessorDescriptor names a deterministic processor and its parameters.
// Identifier must be stable: equal Identifier implies equal transform.
type ProcessorDescriptor struct {
	Identifier string
	Processor  ImageProcessor
}

// UserInfo carries opaque caller-supplied overrides.
type UserInfo struct {
	// FilterID, if set, overrides the canonical source identifier used to
	// derive imageId -- useful when the URL carries volatile query
	// parameters that don't change the image identity.
	FilterID string
	// ScaleOverride, if non-zero, becomes part of the memory-cache key, so
	// requests differing only in scale cache separately. The pipeline does
	// not apply it to images or to memory-cache cost.
	ScaleOverride float64
	// Extra holds any additional caller data, opaque to the pipeline.
	Extra map[string]interface{}
}

// ImageRequest describes what to load and how.
type ImageRequest struct {
	Source     Source
	Processors []ProcessorDescriptor
	Options    Options
	Priority   Priority
	UserInfo   UserInfo
}

// DataCachePolicy governs which artifacts are written to the disk cache.
type DataCachePolicy int

const (
	// PolicyAutomatic stores original bytes when the request applies no
	// processors, and the encoded processed image otherwise.
	PolicyAutomatic DataCachePolicy = iota
	// PolicyStoreOriginalData stores only original bytes.
	PolicyStoreOriginalData
	// PolicyStoreEncodedImages stores only the (possibly processed) output.
	PolicyStoreEncodedImages
	// PolicyStoreAll stores both original bytes and encoded processed output.
	PolicyStoreAll
)

func (p DataCachePolicy) String() string {
	switch p {
	case PolicyAutomatic:
		return "automatic"
	case PolicyStoreOriginalData:
		return "storeOriginalData"
	case PolicyStoreEncodedImages:
		return "storeEncodedImages"
	case PolicyStoreAll:
		return "storeAll"
	default:
		return "unknown"
	}
}
