// Package nukeerr defines the typed error taxonomy surfaced to callers of
// the pipeline: every failure mode a task can terminate with is one of the
// kinds below, never a bare fmt.Errorf.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package nukeerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrDataMissingInCache is returned when ReturnCacheDataDontLoad was set
// on the request and neither the memory nor the disk cache could satisfy it.
type ErrDataMissingInCache struct {
	ImageID string
}

func NewErrDataMissingInCache(imageID string) *ErrDataMissingInCache {
	return &ErrDataMissingInCache{ImageID: imageID}
}

func (e *ErrDataMissingInCache) Error() string {
	return fmt.Sprintf("data missing in cache for %q (returnCacheDataDontLoad)", e.ImageID)
}

// ErrDataLoadingFailed wraps a transport error or non-success response
// surfaced by a DataLoader.
type ErrDataLoadingFailed struct {
	URL       string
	Underlying error
}

func NewErrDataLoadingFailed(url string, underlying error) *ErrDataLoadingFailed {
	return &ErrDataLoadingFailed{URL: url, Underlying: underlying}
}

func (e *ErrDataLoadingFailed) Error() string {
	return fmt.Sprintf("failed to load data for %q: %v", e.URL, e.Underlying)
}

func (e *ErrDataLoadingFailed) Unwrap() error { return e.Underlying }

// ErrDataIsEmpty is returned when a loader completes with no error but zero bytes.
type ErrDataIsEmpty struct {
	URL string
}

func NewErrDataIsEmpty(url string) *ErrDataIsEmpty { return &ErrDataIsEmpty{URL: url} }

func (e *ErrDataIsEmpty) Error() string { return fmt.Sprintf("data is empty for %q", e.URL) }

// ErrDecoderNotRegistered is returned when no registered decoder accepts the bytes.
type ErrDecoderNotRegistered struct {
	Context string
}

func NewErrDecoderNotRegistered(context string) *ErrDecoderNotRegistered {
	return &ErrDecoderNotRegistered{Context: context}
}

func (e *ErrDecoderNotRegistered) Error() string {
	return fmt.Sprintf("no decoder registered to handle %s", e.Context)
}

// ErrDecodingFailed wraps a decoder's own failure.
type ErrDecodingFailed struct {
	Decoder    string
	Context    string
	Underlying error
}

func NewErrDecodingFailed(decoder, context string, underlying error) *ErrDecodingFailed {
	return &ErrDecodingFailed{Decoder: decoder, Context: context, Underlying: underlying}
}

func (e *ErrDecodingFailed) Error() string {
	if e.Underlying == nil {
		return fmt.Sprintf("%s: failed to decode %s", e.Decoder, e.Context)
	}
	return fmt.Sprintf("%s: failed to decode %s: %v", e.Decoder, e.Context, e.Underlying)
}

func (e *ErrDecodingFailed) Unwrap() error { return e.Underlying }

// ErrProcessingFailed wraps a processor's own failure.
type ErrProcessingFailed struct {
	Processor  string
	Context    string
	Underlying error
}

func NewErrProcessingFailed(processor, context string, underlying error) *ErrProcessingFailed {
	return &ErrProcessingFailed{Processor: processor, Context: context, Underlying: underlying}
}

func (e *ErrProcessingFailed) Error() string {
	if e.Underlying == nil {
		return fmt.Sprintf("processor %q produced no image for %s", e.Processor, e.Context)
	}
	return fmt.Sprintf("processor %q failed for %s: %v", e.Processor, e.Context, e.Underlying)
}

func (e *ErrProcessingFailed) Unwrap() error { return e.Underlying }

// ErrImageRequestMissing signals API misuse: a nil request where one is required.
var ErrImageRequestMissing = errors.New("image request is missing")

// ErrPipelineInvalidated is returned for any task created after Invalidate().
var ErrPipelineInvalidated = errors.New("pipeline has been invalidated")

// Kind maps err to the stable label the stats package reports it under
// (err.n{kind=...}). Errors outside this taxonomy report "unknown" rather
// than panicking or being silently dropped from the count.
func Kind(err error) string {
	switch err.(type) {
	case *ErrDataMissingInCache:
		return "data_missing_in_cache"
	case *ErrDataLoadingFailed:
		return "data_loading_failed"
	case *ErrDataIsEmpty:
		return "data_is_empty"
	case *ErrDecoderNotRegistered:
		return "decoder_not_registered"
	case *ErrDecodingFailed:
		return "decoding_failed"
	case *ErrProcessingFailed:
		return "processing_failed"
	default:
		switch err {
		case ErrImageRequestMissing:
			return "image_request_missing"
		case ErrPipelineInvalidated:
			return "pipeline_invalidated"
		default:
			return "unknown"
		}
	}
}
