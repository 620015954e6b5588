// Package cache implements the uniform cache façade (§4.7): read, write,
// store, and remove across the memory and disk layers with explicit layer
// targeting. The façade never performs network I/O and never triggers
// decode/process -- it operates only on already-materialized containers
// (memory) and bytes (disk).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cache

import (
	"github.com/NVIDIA/nuke"
)

// Layer is a bit-set subset of {memory, disk} targeted by a façade call.
type Layer uint8

const (
	LayerMemory Layer = 1 << iota
	LayerDisk
)

func (l Layer) Has(f Layer) bool { return l&f != 0 }

// Result is the union Get returns: a decoded container from the memory
// layer, or raw bytes from the disk layer -- the façade does not decode.
type Result struct {
	Container *nuke.ImageContainer
	Data      []byte
	CacheType nuke.CacheType
}

// Facade coordinates the memory and disk caches behind one API.
type Facade struct {
	memory nuke.ImageCaching
	disk   nuke.DataCaching
}

func New(memory nuke.ImageCaching, disk nuke.DataCaching) *Facade {
	return &Facade{memory: memory, disk: disk}
}

// Get tries memory first (if included in layers), then disk.
func (f *Facade) Get(req *nuke.ImageRequest, layers Layer) (*Result, bool) {
	if layers.Has(LayerMemory) && f.memory != nil {
		if c, ok := f.memory.Get(nuke.MemoryKey(req)); ok {
			return &Result{Container: c, CacheType: nuke.CacheTypeMemory}, true
		}
	}
	if layers.Has(LayerDisk) && f.disk != nil {
		variant := nuke.VariantOriginal
		if len(req.Processors) > 0 {
			variant = nuke.VariantProcessed
		}
		if data, ok := f.disk.Get(nuke.DiskKey(req, variant)); ok {
			return &Result{Data: data, CacheType: nuke.CacheTypeDisk}, true
		}
	}
	return nil, false
}

// StoreContainer writes a decoded container into the memory layer.
func (f *Facade) StoreContainer(container *nuke.ImageContainer, req *nuke.ImageRequest, layers Layer) {
	if layers.Has(LayerMemory) && f.memory != nil {
		f.memory.Put(nuke.MemoryKey(req), container)
	}
}

// StoreData writes raw bytes into the disk layer under the given variant's key.
func (f *Facade) StoreData(data []byte, req *nuke.ImageRequest, variant nuke.DiskCacheVariant, layers Layer) {
	if layers.Has(LayerDisk) && f.disk != nil {
		f.disk.Put(nuke.DiskKey(req, variant), data)
	}
}

// Remove deletes req's entries from the targeted layers.
func (f *Facade) Remove(req *nuke.ImageRequest, layers Layer) {
	if layers.Has(LayerMemory) && f.memory != nil {
		f.memory.Remove(nuke.MemoryKey(req))
	}
	if layers.Has(LayerDisk) && f.disk != nil {
		f.disk.Remove(nuke.DiskKey(req, nuke.VariantOriginal))
		f.disk.Remove(nuke.DiskKey(req, nuke.VariantProcessed))
	}
}

// RemoveAll clears the targeted layers entirely.
func (f *Facade) RemoveAll(layers Layer) {
	if layers.Has(LayerMemory) && f.memory != nil {
		f.memory.RemoveAll()
	}
	if layers.Has(LayerDisk) && f.disk != nil {
		f.disk.RemoveAll()
	}
}

// CachedDataKey exposes the disk-cache key for introspection.
func (f *Facade) CachedDataKey(req *nuke.ImageRequest, variant nuke.DiskCacheVariant) string {
	return nuke.DiskKey(req, variant)
}

// MemoryKey exposes the memory-cache key for introspection.
func (f *Facade) MemoryKey(req *nuke.ImageRequest) string {
	return nuke.MemoryKey(req)
}
