// Package cache provides time-boxed memoization over the in-process map and
// the local store.
//
// The cache is advisory: every read path in the core works correctly (just
// slower) when Get returns nothing. Entries are namespaced by user so that
// switching accounts never serves stale cross-user data.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trilhaslab/progresso/internal/localstore"
)

// KeyPrefix tags every cache entry in the local store, keeping them apart
// from durable records like the progress blob.
const KeyPrefix = "cache_"

// progressMarkers force the short max-age class regardless of the supplied
// maxAge; progress-like data goes stale much faster than catalog data.
var progressMarkers = []string{"progress", "progresso"}

// Loader fetches one piece of essential data during preload.
type Loader func(ctx context.Context) (any, error)

// Config tunes cache behavior.
type Config struct {
	// ShortMaxAge applies to keys carrying a progress marker.
	ShortMaxAge time.Duration

	// Now is the clock; tests inject a fake.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		ShortMaxAge: 2 * time.Minute,
		Now:         time.Now,
	}
}

type entry struct {
	data     []byte
	storedAt time.Time
}

// envelope is the durable form of an entry in the local store.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"storedAt"`
}

// Cache is a two-tier cache: an in-process map for hot reads backed by the
// durable local store. Construct one instance per process at the composition
// root and pass it by reference.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	local *localstore.Store // nil means memory-only
	cfg   *Config
	log   *zap.Logger
}

// New creates a cache over the given local store. The store may be nil, in
// which case entries do not survive a restart.
func New(local *localstore.Store, logger *zap.Logger) *Cache {
	return NewWithConfig(local, logger, nil)
}

// NewWithConfig creates a cache with custom tuning.
func NewWithConfig(local *localstore.Store, logger *zap.Logger, cfg *Config) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		entries: make(map[string]entry),
		local:   local,
		cfg:     cfg,
		log:     logger,
	}
}

// buildKey namespaces a key by user: cache_{userId}_{name} or cache_{name}.
func buildKey(key, userID string) string {
	if userID != "" {
		return KeyPrefix + userID + "_" + key
	}
	return KeyPrefix + key
}

// Set stores data under key in both tiers, stamped with the current time.
// Any prior entry for the exact key is overwritten. Unencodable data is
// dropped with a log entry; the cache never fails a caller.
func (c *Cache) Set(ctx context.Context, key string, data any, userID string) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Error("cache entry not encodable", zap.String("key", key), zap.Error(err))
		return
	}
	now := c.cfg.Now()
	full := buildKey(key, userID)

	c.mu.Lock()
	c.entries[full] = entry{data: raw, storedAt: now}
	c.mu.Unlock()

	if c.local != nil {
		env, err := json.Marshal(envelope{Data: raw, StoredAt: now})
		if err != nil {
			c.log.Error("cache envelope not encodable", zap.String("key", key), zap.Error(err))
			return
		}
		c.local.Set(ctx, full, env)
	}
}

// Get returns the cached data for key if it is younger than the effective
// max age. The in-process map is checked first; on miss the local store is
// read and the map repopulated. Expired entries are proactively deleted from
// both tiers.
func (c *Cache) Get(ctx context.Context, key, userID string, maxAge time.Duration) ([]byte, bool) {
	effective := c.effectiveMaxAge(key, maxAge)
	full := buildKey(key, userID)
	now := c.cfg.Now()

	c.mu.Lock()
	e, ok := c.entries[full]
	c.mu.Unlock()

	if !ok && c.local != nil {
		raw, found := c.local.Get(ctx, full)
		if !found {
			return nil, false
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
			c.local.Remove(ctx, full)
			return nil, false
		}
		e = entry{data: env.Data, storedAt: env.StoredAt}
		c.mu.Lock()
		c.entries[full] = e
		c.mu.Unlock()
		ok = true
	}
	if !ok {
		return nil, false
	}

	if now.Sub(e.storedAt) > effective {
		c.remove(ctx, full)
		return nil, false
	}
	return e.data, true
}

// GetInto decodes a cached entry into out, reporting whether a fresh entry
// was found and decoded.
func (c *Cache) GetInto(ctx context.Context, key, userID string, maxAge time.Duration, out any) bool {
	raw, ok := c.Get(ctx, key, userID, maxAge)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Warn("cached entry does not decode into target", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Invalidate deletes the entry for key from both tiers unconditionally.
func (c *Cache) Invalidate(ctx context.Context, key, userID string) {
	c.remove(ctx, buildKey(key, userID))
}

// ClearAll deletes every cache entry namespaced to userID from both tiers.
// An empty userID wipes every cache-tagged entry. Called on logout to
// prevent cross-account leakage.
func (c *Cache) ClearAll(ctx context.Context, userID string) {
	prefix := KeyPrefix
	if userID != "" {
		prefix = KeyPrefix + userID + "_"
	}

	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	if c.local != nil {
		for _, k := range c.local.ListKeys(ctx, prefix) {
			c.local.Remove(ctx, k)
		}
	}
}

// PreloadEssentialData runs every loader concurrently and seeds the cache
// with the results. Preload is best-effort: one loader failing never aborts
// the others, it is only logged.
func (c *Cache) PreloadEssentialData(ctx context.Context, userID string, loaders map[string]Loader) {
	g, ctx := errgroup.WithContext(ctx)
	for key, load := range loaders {
		g.Go(func() error {
			data, err := load(ctx)
			if err != nil {
				c.log.Warn("preload loader failed",
					zap.String("key", key), zap.String("user", userID), zap.Error(err))
				return nil
			}
			c.Set(ctx, key, data, userID)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) effectiveMaxAge(key string, maxAge time.Duration) time.Duration {
	for _, marker := range progressMarkers {
		if strings.Contains(key, marker) {
			return c.cfg.ShortMaxAge
		}
	}
	return maxAge
}

func (c *Cache) remove(ctx context.Context, fullKey string) {
	c.mu.Lock()
	delete(c.entries, fullKey)
	c.mu.Unlock()
	if c.local != nil {
		c.local.Remove(ctx, fullKey)
	}
}
