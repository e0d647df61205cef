// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package snapcache implements the snapshot table cache (spec §4.2,
// component B): two independent caches, one for minute tables and one for
// hour tables, each keyed by day.
//
// The ordered-keys bookkeeping is delegated to
// github.com/hashicorp/golang-lru/v2, the same way cc-backend's own
// github.com/iamlouk/lrucache wraps a doubly-linked list with an
// eviction-policy layer on top (pkg/lrucache/cache.go): the backing cache
// is sized generously so its own automatic eviction never fires, and the
// policy described in spec §4.2 (10-minute storage period, capacity caps,
// "today is never evicted") is enforced by Sweep, reading the backing
// cache's LRU-ordered key list.
package snapcache

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/rtscada/scada-server/internal/snapcodec"
	"github.com/rtscada/scada-server/internal/snapshot"
)

// Kind distinguishes the minute cache from the hour cache; each has its
// own capacity per spec §4.2.
type Kind int

const (
	Minute Kind = iota
	Hour
)

const (
	minuteCapacity = 5
	hourCapacity   = 10
	storagePeriod  = 10 * time.Minute
	// backingSize is deliberately far above any real capacity so the
	// underlying lru.Cache never auto-evicts; Sweep alone enforces the
	// documented policy.
	backingSize = 4096
)

func capacityFor(k Kind) int {
	if k == Minute {
		return minuteCapacity
	}
	return hourCapacity
}

func prefixFor(k Kind) string {
	if k == Minute {
		return "m"
	}
	return "h"
}

// Entry is one cached daily table.
type Entry struct {
	Date       time.Time // local date, truncated to the day
	Path       string
	mu         sync.Mutex
	lastAccess time.Time
	loaded     bool
	mtime      time.Time
	Table      *snapshot.Table
}

// Lock/Unlock expose the entry's own lock so the evaluator can serialize
// concurrent mutation of one entry's table while different entries stay
// independently mutable (spec §4.2's "serialize concurrent mutation of
// one entry's table under the entry's own lock").
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Touch records an access for LRU/TTL purposes. Callers do this whenever
// they obtain the entry, whether or not they end up calling Fill.
func (e *Entry) Touch(now time.Time) { e.lastAccess = now }

// Cache is one of the two per-kind caches described in spec §4.2.
type Cache struct {
	kind    Kind
	baseDir string
	copyDir string // empty if no copy directory is configured

	mu      sync.Mutex
	backing *lru.Cache[string, *Entry]

	today func() time.Time // injected for testability
}

func New(kind Kind, baseDir, copyDir string) *Cache {
	backing, _ := lru.New[string, *Entry](backingSize)
	return &Cache{
		kind:    kind,
		baseDir: baseDir,
		copyDir: copyDir,
		backing: backing,
		today: func() time.Time {
			n := time.Now()
			return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, n.Location())
		},
	}
}

func dateKey(d time.Time) string { return d.Format("060102") }

func (c *Cache) pathFor(d time.Time) string {
	name := prefixFor(c.kind) + dateKey(d) + ".dat"
	return filepath.Join(c.baseDir, name)
}

// GetOrLoad returns the entry for date, creating an empty one (with its
// file path set, but no file I/O performed) on first access. Per spec
// §4.2 the caller decides separately whether to Fill it.
func (c *Cache) GetOrLoad(date time.Time) *Entry {
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	key := dateKey(date)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.backing.Get(key); ok {
		e.Touch(time.Now())
		return e
	}

	e := &Entry{
		Date:       date,
		Path:       c.pathFor(date),
		lastAccess: time.Now(),
	}
	c.backing.Add(key, e)
	return e
}

// Fill re-reads the entry's file iff its mtime changed since the last
// read; otherwise it is a no-op (spec §4.2 and the cache-fill-is-
// idempotent law in spec §8).
func (e *Entry) Fill() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fi, err := os.Stat(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if !e.loaded {
				e.Table = &snapshot.Table{}
				e.loaded = true
			}
			return nil
		}
		return err
	}

	if e.loaded && !fi.ModTime().After(e.mtime) {
		return nil // no I/O: read-your-writes is already satisfied
	}

	table, err := snapcodec.LoadTable(e.Path)
	if err != nil {
		return err
	}
	e.Table = table
	e.mtime = fi.ModTime()
	e.loaded = true
	return nil
}

// Sweep runs the eviction policy from spec §4.2: entries untouched for
// more than the storage period are dropped; if the cache is still above
// capacity, the least-recently-accessed entries are dropped next — except
// today's entry, which is never evicted. Callers (the scheduler) invoke
// this at most once per minute.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := dateKey(c.today())
	keys := c.backing.Keys() // oldest-accessed first

	for _, k := range keys {
		if k == today {
			continue
		}
		e, ok := c.backing.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(e.lastAccess) > storagePeriod {
			c.backing.Remove(k)
			cclog.Debugf("[SNAPCACHE]> evicted stale entry %s (kind=%d)", k, c.kind)
		}
	}

	capacity := capacityFor(c.kind)
	for c.backing.Len() > capacity {
		keys = c.backing.Keys()
		evicted := false
		for _, k := range keys {
			if k == today {
				continue
			}
			c.backing.Remove(k)
			cclog.Debugf("[SNAPCACHE]> evicted over-capacity entry %s (kind=%d)", k, c.kind)
			evicted = true
			break
		}
		if !evicted {
			break // only today's entry remains; capacity is exceeded but unenforceable
		}
	}
}
