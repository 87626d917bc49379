// Package cache implements the content-addressable caching discipline
// shared by the dependency cache and the image cache: concurrent-download
// deduplication, LRU eviction under a size quota, and checkpointed state
// that survives a worker restart. Both caches are the same generic engine
// parameterized only by their key type and fetch function.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/codalab-worker/pkg/log"
	"github.com/cuemby/codalab-worker/pkg/metrics"
	"github.com/cuemby/codalab-worker/pkg/state"
	"github.com/cuemby/codalab-worker/pkg/taskreg"
	"github.com/cuemby/codalab-worker/pkg/types"
)

// DefaultFailedTTL is how long a failed entry's status message is retained
// before it is purged from the table.
const DefaultFailedTTL = 60 * time.Second

// DefaultMaintenanceInterval is how often the background loop runs a pass.
const DefaultMaintenanceInterval = time.Second

// ShouldContinue is polled by a running fetch task at chunk boundaries and
// I/O retries. It returns false once the entry has been killed, either
// because its last dependent released it mid-download or the worker is
// shutting down.
type ShouldContinue func() bool

// Reporter lets a fetch task post progress without taking the cache's lock
// directly.
type Reporter func(status string, sizeBytes int64)

// FetchFunc downloads or extracts key into destDir, calling report
// periodically and checking shouldContinue at every reasonable boundary. It
// must return the final on-disk size. Returning a non-nil error marks the
// entry failed; shouldContinue returning false mid-fetch is not itself an
// error — the caller detects cancellation and returns a sentinel the cache
// recognizes as "aborted", removing the entry rather than marking it
// failed.
type FetchFunc[K comparable] func(ctx context.Context, key K, destDir string, report Reporter, shouldContinue ShouldContinue) (sizeBytes int64, err error)

// ErrAborted is the error a FetchFunc should return when shouldContinue
// told it to stop.
var ErrAborted = fmt.Errorf("cache: fetch aborted")

// Options configures a Cache.
type Options[K comparable] struct {
	// Name labels metrics and log lines: "dependency" or "image".
	Name string

	// WorkDir is the root each key is fetched under, as WorkDir/<KeyString(key)>.
	WorkDir string

	// QuotaBytes is the maximum total size of non-downloading entries
	// before eviction runs.
	QuotaBytes int64

	// FailedTTL overrides DefaultFailedTTL if non-zero.
	FailedTTL time.Duration

	// MaintenanceInterval overrides DefaultMaintenanceInterval if non-zero.
	MaintenanceInterval time.Duration

	// Fetch performs the actual download/extraction.
	Fetch FetchFunc[K]

	// KeyString renders a key for on-disk paths, metrics labels, and the
	// persisted state file.
	KeyString func(K) string

	// KeyParse inverts KeyString, recovering a typed key from the
	// identifier string a committed entry was persisted under. Required
	// whenever Committer is set and a prior snapshot exists; a cache that
	// never persists (nil Committer) or is always started fresh can leave
	// it nil.
	KeyParse func(string) (K, error)

	// Committer persists the entry table across restarts. Optional; if
	// nil the cache is purely in-memory.
	Committer *state.Committer[map[string]types.CacheEntry]
}

type taskMeta struct{}

// Cache is the shared engine behind DependencyCache and ImageCache.
type Cache[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*types.CacheEntry

	opts   Options[K]
	tasks  *taskreg.Registry[K, taskMeta]
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Cache and starts its background maintenance loop.
func New[K comparable](opts Options[K]) (*Cache[K], error) {
	if opts.FailedTTL == 0 {
		opts.FailedTTL = DefaultFailedTTL
	}
	if opts.MaintenanceInterval == 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if opts.Fetch == nil {
		return nil, fmt.Errorf("cache: Fetch is required")
	}
	if opts.KeyString == nil {
		return nil, fmt.Errorf("cache: KeyString is required")
	}

	c := &Cache[K]{
		entries: make(map[K]*types.CacheEntry),
		opts:    opts,
		tasks:   taskreg.New[K, taskMeta](),
		logger:  log.WithComponent("cache").With().Str("cache", opts.Name).Logger(),
		stopCh:  make(chan struct{}),
	}

	if opts.Committer != nil {
		persisted, err := opts.Committer.Load(nil)
		if err != nil {
			return nil, fmt.Errorf("cache: load persisted state: %w", err)
		}
		if len(persisted) > 0 && opts.KeyParse == nil {
			return nil, fmt.Errorf("cache: KeyParse is required to resume %d persisted entries", len(persisted))
		}
		for identifier, entry := range persisted {
			key, err := opts.KeyParse(identifier)
			if err != nil {
				c.logger.Warn().Err(err).Str("identifier", identifier).
					Msg("dropping unparseable persisted cache entry")
				continue
			}
			entry := entry
			// No fetch task survives a restart; an entry caught mid-download
			// has no one left to finish it, so it comes back failed rather
			// than wedged in downloading forever. Ready and failed entries
			// are restored verbatim.
			if entry.Stage == types.CacheDownloading {
				entry.Stage = types.CacheFailed
				entry.Status = "interrupted by worker restart"
			}
			if entry.Dependents == nil {
				entry.Dependents = map[string]struct{}{}
			}
			c.entries[key] = &entry
			metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(entry.Stage)).Inc()
		}
	}

	c.wg.Add(1)
	go c.maintain()

	return c, nil
}

// Has reports whether key has any entry, in any stage.
func (c *Cache[K]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Acquire registers runUUID as a dependent of key, creating a downloading
// entry and spawning a fetch task if key is new. It never blocks on the
// download itself — callers poll All/Has (or a targeted lookup) across
// subsequent ticks to see the entry progress.
func (c *Cache[K]) Acquire(runUUID string, key K) types.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		entry = &types.CacheEntry{
			Stage:      types.CacheDownloading,
			Identifier: c.opts.KeyString(key),
			Dependents: map[string]struct{}{},
			LastUsed:   time.Now(),
		}
		c.entries[key] = entry
		c.spawnFetch(key, entry)
	}

	entry.Dependents[runUUID] = struct{}{}
	entry.LastUsed = time.Now()
	return *entry
}

// spawnFetch starts the background download for key. Caller must hold c.mu.
func (c *Cache[K]) spawnFetch(key K, entry *types.CacheEntry) {
	destDir := c.destDir(key)
	metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(types.CacheDownloading)).Inc()

	c.tasks.AddIfNew(key, taskMeta{}, func(h *taskreg.Handle[taskMeta]) {
		timer := metrics.NewTimer()
		shouldContinue := func() bool {
			select {
			case <-c.stopCh:
				return false
			default:
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			e, ok := c.entries[key]
			return ok && !e.Killed
		}
		report := func(status string, sizeBytes int64) {
			c.mu.Lock()
			if e, ok := c.entries[key]; ok {
				e.Status = status
				if sizeBytes > 0 {
					e.SizeBytes = sizeBytes
				}
			}
			c.mu.Unlock()
		}

		size, err := c.opts.Fetch(context.Background(), key, destDir, report, shouldContinue)

		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.entries[key]
		if !ok {
			return
		}
		switch {
		case err == ErrAborted || (e.Killed && err != nil):
			delete(c.entries, key)
			metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(types.CacheDownloading)).Dec()
			timer.ObserveDurationVec(metrics.CacheFetchDuration, c.opts.Name, "aborted")
		case err != nil:
			e.Stage = types.CacheFailed
			e.Status = err.Error()
			e.LastUsed = time.Now()
			metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(types.CacheDownloading)).Dec()
			metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(types.CacheFailed)).Inc()
			timer.ObserveDurationVec(metrics.CacheFetchDuration, c.opts.Name, "failed")
		default:
			e.Stage = types.CacheReady
			e.SizeBytes = size
			if e.LocalPath == "" {
				e.LocalPath = destDir
			}
			if e.Status == "" {
				e.Status = "ready"
			}
			metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(types.CacheDownloading)).Dec()
			metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(types.CacheReady)).Inc()
			timer.ObserveDurationVec(metrics.CacheFetchDuration, c.opts.Name, "success")
		}
	})
}

// Release removes runUUID from key's dependent set. If the entry has no
// remaining dependents and is still downloading, it is marked killed so the
// fetch task observes cancellation on its next boundary check.
func (c *Cache[K]) Release(runUUID string, key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(entry.Dependents, runUUID)
	if len(entry.Dependents) == 0 && entry.Stage == types.CacheDownloading {
		entry.Killed = true
	}
}

// All returns a snapshot of every entry. Callers (typically the WorkerLoop
// building a check-in payload) project the fields they need.
func (c *Cache[K]) All() []types.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// KeyedEntry pairs a cache entry with the typed key it is stored under, for
// callers (check-in reporting) that need the key back rather than just its
// string rendering.
type KeyedEntry[K comparable] struct {
	Key   K
	Entry types.CacheEntry
}

// AllKeyed returns a snapshot of every entry together with its key.
func (c *Cache[K]) AllKeyed() []KeyedEntry[K] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]KeyedEntry[K], 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, KeyedEntry[K]{Key: k, Entry: *e})
	}
	return out
}

// Lookup returns a snapshot of key's entry, if any.
func (c *Cache[K]) Lookup(key K) (types.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return types.CacheEntry{}, false
	}
	return *e, true
}

// Stop halts the background maintainer and waits for it to exit. From then
// on every in-flight fetch's shouldContinue reports false; Stop does not
// wait for those fetch tasks to return.
func (c *Cache[K]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache[K]) destDir(key K) string {
	return c.opts.WorkDir + "/" + c.opts.KeyString(key)
}

func (c *Cache[K]) maintain() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.pass()
		case <-c.stopCh:
			return
		}
	}
}

// pass runs one maintenance cycle: reap finished downloads, expire stale
// failures, then evict down to quota.
func (c *Cache[K]) pass() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.MaintenanceDuration, c.opts.Name)
		metrics.MaintenanceCyclesTotal.WithLabelValues(c.opts.Name).Inc()
	}()

	c.reapFinishedDownloads()
	c.expireFailed()
	c.evict()
	c.persist()
}

// reapFinishedDownloads drops the taskreg handle for any entry whose fetch
// task has completed; the handle's callback already updated the entry's
// stage, so this just releases bookkeeping.
func (c *Cache[K]) reapFinishedDownloads() {
	for _, key := range c.tasks.Keys() {
		h, ok := c.tasks.Get(key)
		if !ok || h.Alive() {
			continue
		}
		c.tasks.Remove(key)
	}
}

func (c *Cache[K]) expireFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if e.Stage == types.CacheFailed && now.Sub(e.LastUsed) > c.opts.FailedTTL {
			delete(c.entries, k)
			metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(types.CacheFailed)).Dec()
		}
	}
}

// evict removes least-recently-used entries (failed first, then ready with
// no dependents) until total size is within quota or nothing evictable
// remains.
func (c *Cache[K]) evict() {
	if c.opts.QuotaBytes <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total := func() int64 {
		var sum int64
		for _, e := range c.entries {
			if e.Stage != types.CacheDownloading {
				sum += e.SizeBytes
			}
		}
		return sum
	}

	for total() > c.opts.QuotaBytes {
		victim, victimKey, ok := c.pickEvictionVictimLocked()
		if !ok {
			c.logger.Warn().
				Int64("total_bytes", total()).
				Int64("quota_bytes", c.opts.QuotaBytes).
				Msg("cache over quota with no evictable entries, waiting")
			return
		}
		delete(c.entries, victimKey)
		metrics.CacheEntriesTotal.WithLabelValues(c.opts.Name, string(victim.Stage)).Dec()
		metrics.CacheSizeBytes.WithLabelValues(c.opts.Name).Set(float64(total()))
		metrics.CacheEvictionsTotal.WithLabelValues(c.opts.Name, string(victim.Stage)).Inc()
	}
	metrics.CacheSizeBytes.WithLabelValues(c.opts.Name).Set(float64(total()))
}

// pickEvictionVictimLocked returns the LRU failed entry if any exists,
// otherwise the LRU ready entry with no dependents. Caller must hold c.mu.
func (c *Cache[K]) pickEvictionVictimLocked() (types.CacheEntry, K, bool) {
	var (
		bestKey   K
		best      *types.CacheEntry
		haveFound bool
	)

	consider := func(stage types.CacheStage, requireEmpty bool) bool {
		for k, e := range c.entries {
			if e.Stage != stage {
				continue
			}
			if requireEmpty && e.HasDependents() {
				continue
			}
			if !haveFound || e.LastUsed.Before(best.LastUsed) {
				bestKey, best, haveFound = k, e, true
			}
		}
		return haveFound
	}

	if consider(types.CacheFailed, false) {
		return *best, bestKey, true
	}
	haveFound = false
	if consider(types.CacheReady, true) {
		return *best, bestKey, true
	}
	return types.CacheEntry{}, bestKey, false
}

func (c *Cache[K]) persist() {
	if c.opts.Committer == nil {
		return
	}
	c.mu.Lock()
	snapshot := make(map[string]types.CacheEntry, len(c.entries))
	for k, e := range c.entries {
		snapshot[c.opts.KeyString(k)] = *e
	}
	c.mu.Unlock()

	if err := c.opts.Committer.Commit(snapshot); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist cache state")
	}
}
