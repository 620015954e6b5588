package nuke

import "context"

// Cancellable is returned by a DataLoader's LoadData call; cancelling it
// stops further deliveries.
type Cancellable interface {
	Cancel()
}

// DataLoader fetches raw bytes for a request's source. Implementations
// must deliver chunks in order and emit the response exactly once, before
// the first chunk or as part of it.
type DataLoader interface {
	LoadData(ctx context.Context, req *ImageRequest, onChunk func(chunk []byte, resp *TransportResponse), onComplete func(result LoadResult)) Cancellable
}

// LoadResult is the terminal outcome of a DataLoader's fetch.
type LoadResult struct {
	Data     []byte
	Response *TransportResponse
	Err      error
}

// DecodeContext carries the ambient parameters a decoder needs beyond the
// raw bytes: the originating request, whether this is the final (complete)
// chunk, the scan number of the last partial delivered to subscribers (0 if
// none yet), and where the bytes came from. A progressive decoder may use
// LastDeliveredScan to skip work that would only reproduce an already-sent
// scan; it is not required to.
type DecodeContext struct {
	Request           *ImageRequest
	IsCompleted       bool
	LastDeliveredScan int
	CacheSource       CacheType
}

// ImageDecoder turns bytes into a container. DecodePartial is optional:
// decoders that don't support progressive decoding return (nil, nil).
type ImageDecoder interface {
	Decode(data []byte, ctx DecodeContext) (*ImageContainer, error)
	DecodePartial(data []byte, ctx DecodeContext) (*ImageContainer, error)
}

// EncodeContext carries the ambient parameters an encoder needs.
type EncodeContext struct {
	Request *ImageRequest
}

// ImageEncoder turns a container back into bytes for disk-cache storage.
type ImageEncoder interface {
	Encode(container *ImageContainer, ctx EncodeContext) ([]byte, error)
}

// ProcessContext carries the ambient parameters a processor needs.
type ProcessContext struct {
	Request *ImageRequest
}

// ImageProcessor is a deterministic, named transform on a container.
// Identifier must be stable across calls with equal parameters; equal
// Identifier is assumed to imply equal output (the task graph relies on
// this for coalescing).
type ImageProcessor interface {
	Identifier() string
	HashableIdentifier() string
	Process(container *ImageContainer, ctx ProcessContext) (*ImageContainer, error)
}

// DataCaching is the byte-cache collaborator interface (§6.2), satisfied
// by datacache.Cache.
type DataCaching interface {
	Contains(key string) bool
	Get(key string) ([]byte, bool)
	Put(key string, data []byte)
	Remove(key string)
	RemoveAll()
	Flush()
	FlushKey(key string)
}

// ImageCaching is the decoded-container cache collaborator interface,
// satisfied by memcache.Cache.
type ImageCaching interface {
	Get(key string) (*ImageContainer, bool)
	Put(key string, container *ImageContainer)
	Remove(key string)
	RemoveAll()
}

// PressureMonitor starts and stops a background watcher that drops
// memory-cache entries under platform memory pressure (§4.3: "under
// platform memory pressure the cache MUST drop all entries"). memcache.Monitor
// satisfies this; it is declared here, rather than taken as a concrete
// memcache type, so the root package never imports memcache (which itself
// imports this package for ImageCaching/ImageContainer).
type PressureMonitor interface {
	Start()
	Stop()
}
