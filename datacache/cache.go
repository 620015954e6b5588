// Package datacache implements the bounded on-disk byte cache (§4.4): one
// regular file per entry under a root directory, atomic tempfile+rename
// writes, a hidden sidecar for access-time/size metadata, and a
// low-frequency LRU sweep. Grounded on cmn/jsp/file.go's atomic-save idiom
// and cluster/lom_cache_hk.go's sweep-on-a-timer shape.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package datacache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"
	"go.uber.org/atomic"
)

const sidecarName = ".nuke-datacache-meta.db"

// stagingState mirrors §3's Data Cache Entry.stagingState.
type stagingState int

const (
	stagingClean stagingState = iota
	stagingPendingWrite
	stagingPendingRemove
)

type metaRecord struct {
	Size       int64 `json:"size"`
	LastAccess int64 `json:"lastAccess"` // unix nanos
}

// Options configures a Cache.
type Options struct {
	RootDir       string
	SizeLimit     int64 // 0 disables size-based sweeping
	SweepInterval time.Duration
}

// Cache is the bounded on-disk byte cache. It satisfies nuke.DataCaching.
type Cache struct {
	root string
	meta *buntdb.DB

	mu      sync.Mutex
	staging map[string][]byte // key -> bytes not yet flushed to disk
	removed map[string]bool   // key -> pending removal not yet flushed

	negative *cuckoo.Filter // fast "definitely absent" check ahead of meta lookups

	sizeLimit int64
	interval  time.Duration
	sweeping  atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Open opens (creating if absent) a disk cache rooted at opts.RootDir. If
// the sidecar metadata file is missing or unreadable, it is reconstructed
// from the filesystem without data loss (§4.4).
func Open(opts Options) (*Cache, error) {
	if err := os.MkdirAll(opts.RootDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "datacache: failed to create root %s", opts.RootDir)
	}
	sidecar := filepath.Join(opts.RootDir, sidecarName)
	db, err := buntdb.Open(sidecar)
	if err != nil {
		glog.Warningf("datacache: sidecar %s unreadable (%v), reconstructing", sidecar, err)
		if rmErr := os.Remove(sidecar); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, errors.Wrapf(rmErr, "datacache: failed to remove corrupt sidecar")
		}
		db, err = buntdb.Open(sidecar)
		if err != nil {
			return nil, errors.Wrap(err, "datacache: failed to create sidecar")
		}
	}
	if err := db.CreateIndex("by_lastAccess", "*", buntdb.IndexJSON("lastAccess")); err != nil && err != buntdb.ErrIndexExists {
		return nil, errors.Wrap(err, "datacache: failed to create lastAccess index")
	}

	interval := opts.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	filter := cuckoo.NewFilter(1 << 16)

	c := &Cache{
		root:      opts.RootDir,
		meta:      db,
		staging:   make(map[string][]byte),
		removed:   make(map[string]bool),
		negative:  filter,
		sizeLimit: opts.SizeLimit,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
	if err := c.reconcileWithFilesystem(); err != nil {
		glog.Errorf("datacache: reconciliation found issues: %v", err)
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c, nil
}

func (c *Cache) pathFor(hash string) string { return filepath.Join(c.root, hash) }

func hashKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Contains reports presence without materializing value bytes.
func (c *Cache) Contains(key string) bool {
	hash := hashKey(key)

	c.mu.Lock()
	if _, ok := c.staging[hash]; ok {
		c.mu.Unlock()
		return true
	}
	if c.removed[hash] {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if c.negative != nil && !c.negative.Lookup([]byte(hash)) {
		return false
	}
	found := false
	_ = c.meta.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(hash)
		found = err == nil
		return nil
	})
	return found
}

// Get returns key's bytes, transparently preferring a staged (not-yet-
// flushed) write over the on-disk copy.
func (c *Cache) Get(key string) ([]byte, bool) {
	hash := hashKey(key)

	c.mu.Lock()
	if data, ok := c.staging[hash]; ok {
		c.mu.Unlock()
		c.touch(hash, int64(len(data)))
		return data, true
	}
	if c.removed[hash] {
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()

	data, err := ioutil.ReadFile(c.pathFor(hash))
	if err != nil {
		return nil, false
	}
	c.touch(hash, int64(len(data)))
	return data, true
}

// Put stages data for key; it is visible to Get/Contains immediately and
// flushed to disk on the next Flush, FlushKey, sweep, or Close.
func (c *Cache) Put(key string, data []byte) {
	hash := hashKey(key)
	cp := make([]byte, len(data))
	copy(cp, data)

	c.mu.Lock()
	delete(c.removed, hash)
	c.staging[hash] = cp
	c.mu.Unlock()

	if c.negative != nil {
		c.negative.Insert([]byte(hash))
	}
	c.touch(hash, int64(len(cp)))
}

// Remove deletes key's entry; a missing key is a no-op.
func (c *Cache) Remove(key string) {
	hash := hashKey(key)
	c.mu.Lock()
	delete(c.staging, hash)
	c.removed[hash] = true
	c.mu.Unlock()
	_ = os.Remove(c.pathFor(hash))
	_ = c.meta.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(hash)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// RemoveAll drops every entry, staged or on disk.
func (c *Cache) RemoveAll() {
	c.mu.Lock()
	c.staging = make(map[string][]byte)
	c.removed = make(map[string]bool)
	c.mu.Unlock()

	_ = c.meta.Update(func(tx *buntdb.Tx) error {
		var keys []string
		_ = tx.Ascend("by_lastAccess", func(k, _ string) bool {
			keys = append(keys, k)
			return true
		})
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})

	entries, err := ioutil.ReadDir(c.root)
	if err == nil {
		for _, fi := range entries {
			if fi.Name() == sidecarName {
				continue
			}
			_ = os.Remove(filepath.Join(c.root, fi.Name()))
		}
	}
}

// Flush persists every staged write to disk.
func (c *Cache) Flush() {
	c.mu.Lock()
	pending := c.staging
	c.staging = make(map[string][]byte)
	c.mu.Unlock()

	for hash, data := range pending {
		if err := c.flushOne(hash, data); err != nil {
			glog.Errorf("datacache: flush %s failed: %v", hash, err)
			c.mu.Lock()
			c.staging[hash] = data
			c.mu.Unlock()
		}
	}
}

// FlushKey persists only key's staged write, if any.
func (c *Cache) FlushKey(key string) {
	hash := hashKey(key)
	c.mu.Lock()
	data, ok := c.staging[hash]
	if ok {
		delete(c.staging, hash)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.flushOne(hash, data); err != nil {
		glog.Errorf("datacache: flush %s failed: %v", hash, err)
		c.mu.Lock()
		c.staging[hash] = data
		c.mu.Unlock()
	}
}

// flushOne writes data to a tempfile and renames it into place -- the
// write is atomic: a crash mid-write never leaves a corrupt entry.
func (c *Cache) flushOne(hash string, data []byte) error {
	final := c.pathFor(hash)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return c.meta.Update(func(tx *buntdb.Tx) error {
		rec := metaRecord{Size: int64(len(data)), LastAccess: time.Now().UnixNano()}
		b, _ := json.Marshal(rec)
		_, _, err := tx.Set(hash, string(b), nil)
		return err
	})
}

func (c *Cache) touch(hash string, size int64) {
	_ = c.meta.Update(func(tx *buntdb.Tx) error {
		rec := metaRecord{Size: size, LastAccess: time.Now().UnixNano()}
		b, _ := json.Marshal(rec)
		_, _, err := tx.Set(hash, string(b), nil)
		return err
	})
}

// Close flushes staged writes and stops the sweep loop.
func (c *Cache) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	c.Flush()
	return c.meta.Close()
}

// Sweep removes least-recently-used entries until the cache is under
// SizeLimit. Only one sweep runs at a time; a concurrent call is a no-op.
func (c *Cache) Sweep() {
	if !c.sweeping.CAS(false, true) {
		return
	}
	defer c.sweeping.Store(false)
	c.Flush()
	if c.sizeLimit <= 0 {
		// eviction disabled, but the periodic flush above must still run
		// (§4.4: flushed periodically and on close) even with no size cap.
		return
	}

	var total int64
	type rec struct {
		hash string
		size int64
	}
	var all []rec
	_ = c.meta.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("by_lastAccess", func(k, v string) bool {
			var m metaRecord
			if json.Unmarshal([]byte(v), &m) == nil {
				all = append(all, rec{hash: k, size: m.Size})
				total += m.Size
			}
			return true
		})
	})

	for _, r := range all {
		if total <= c.sizeLimit {
			break
		}
		_ = os.Remove(c.pathFor(r.hash))
		_ = c.meta.Update(func(tx *buntdb.Tx) error {
			_, err := tx.Delete(r.hash)
			if err != nil && err != buntdb.ErrNotFound {
				return err
			}
			return nil
		})
		total -= r.size
	}
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

// reconcileWithFilesystem rebuilds missing sidecar records by walking the
// root directory, so a lost/corrupt sidecar never loses cached bytes.
func (c *Cache) reconcileWithFilesystem() error {
	return godirwalk.Walk(c.root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || filepath.Base(path) == sidecarName {
				return nil
			}
			hash := filepath.Base(path)
			if len(hash) != sha1.Size*2 {
				return nil // not one of ours
			}
			if c.negative != nil {
				// every file on disk is a live entry regardless of whether its
				// sidecar record survived -- the filter is rebuilt from scratch
				// on every Open, not only when the sidecar itself was lost.
				c.negative.Insert([]byte(hash))
			}
			var exists bool
			_ = c.meta.View(func(tx *buntdb.Tx) error {
				_, err := tx.Get(hash)
				exists = err == nil
				return nil
			})
			if exists {
				return nil
			}
			fi, err := os.Stat(path)
			if err != nil {
				return nil
			}
			rec := metaRecord{Size: fi.Size(), LastAccess: fi.ModTime().UnixNano()}
			b, _ := json.Marshal(rec)
			return c.meta.Update(func(tx *buntdb.Tx) error {
				_, _, err := tx.Set(hash, string(b), nil)
				return err
			})
		},
		Unsorted: true,
	})
}
