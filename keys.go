package nuke

import (
	"sort"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
)

func xxsum(b []byte) uint64 { return xxhash.Checksum64(b) }

// processorsIdentifier joins a prefix of processor descriptors into the
// stable suffix used by memory/disk/process keys. An empty slice yields "".
func processorsIdentifier(procs []ProcessorDescriptor) string {
	if len(procs) == 0 {
		return ""
	}
	ids := make([]string, len(procs))
	for i, p := range procs {
		ids[i] = p.Identifier
	}
	return strings.Join(ids, "/")
}

// ImageID is the request's canonical identity: the caller-supplied
// FilterID override when present, otherwise the source's own identifier.
func ImageID(r *ImageRequest) string {
	if r.UserInfo.FilterID != "" {
		return r.UserInfo.FilterID
	}
	return r.Source.Identifier()
}

// MemoryKey is the memory-cache lookup key for the fully processed image.
func MemoryKey(r *ImageRequest) string {
	return memoryKeyFor(r, r.Processors)
}

// memoryKeyFor builds the memory key for an arbitrary processor prefix --
// used by the orchestrator when walking progressively-shorter prefixes of
// r.Processors looking for an intermediate cache hit.
func memoryKeyFor(r *ImageRequest, procs []ProcessorDescriptor) string {
	var sb strings.Builder
	sb.WriteString(ImageID(r))
	sb.WriteByte('|')
	sb.WriteString(processorsIdentifier(procs))
	if r.UserInfo.ScaleOverride != 0 {
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(r.UserInfo.ScaleOverride, 'g', -1, 64))
	}
	return sb.String()
}

// DiskCacheVariant selects which artifact a disk key refers to.
type DiskCacheVariant int

const (
	VariantOriginal DiskCacheVariant = iota
	VariantProcessed
)

// DiskKey is the disk-cache key for a given artifact variant.
func DiskKey(r *ImageRequest, variant DiskCacheVariant) string {
	if variant == VariantOriginal {
		return ImageID(r)
	}
	return ImageID(r) + processorsIdentifier(r.Processors)
}

// LoadKey equates requests that may share a single fetch: the HTTP-relevant
// fields of the source alone (URL + headers), independent of processors.
func LoadKey(r *ImageRequest) string {
	switch r.Source.Kind {
	case SourceRemoteURL:
		var sb strings.Builder
		sb.WriteString(r.Source.URL)
		if len(r.Source.Headers) > 0 {
			keys := make([]string, 0, len(r.Source.Headers))
			for k := range r.Source.Headers {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				sb.WriteByte('|')
				sb.WriteString(k)
				sb.WriteByte('=')
				sb.WriteString(r.Source.Headers[k])
			}
		}
		return sb.String()
	case SourceFilePath:
		return "file:" + r.Source.Path
	case SourceInlineData:
		return "data:" + ImageID(r)
	case SourceAsyncProducer:
		return "async:" + r.Source.ID
	default:
		return ImageID(r)
	}
}

// DecodeKey extends LoadKey with decoder-selection parameters (currently
// just the skipDecompression toggle, the only decoder-affecting option).
func DecodeKey(r *ImageRequest) string {
	k := LoadKey(r)
	if r.Options.Has(SkipDecompression) {
		k += "|skipDecompression"
	}
	return k
}

// ProcessKey extends DecodeKey with the prefix of processors applied so far.
func ProcessKey(r *ImageRequest, appliedPrefix []ProcessorDescriptor) string {
	return DecodeKey(r) + "|" + processorsIdentifier(appliedPrefix)
}
