// Package progresso is the client-side progress core of the learning app:
// it tracks which histórias and questões a signed-in user completed, derives
// course percentages and unlock state, and keeps the on-device copy in sync
// with the remote document store.
//
// The package is the composition root: New wires the local store, the remote
// store, the cache and the engines from one Config, and the Client hands out
// the assembled pieces. All durable state flows through the sync engine so
// the app keeps working offline.
package progresso

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/trilhaslab/progresso/internal/cache"
	"github.com/trilhaslab/progresso/internal/catalog"
	"github.com/trilhaslab/progresso/internal/config"
	"github.com/trilhaslab/progresso/internal/localstore"
	"github.com/trilhaslab/progresso/internal/logging"
	"github.com/trilhaslab/progresso/internal/progress"
	"github.com/trilhaslab/progresso/internal/remotestore"
	"github.com/trilhaslab/progresso/internal/sync"
)

// profileCacheKey memoizes the remote user document.
const profileCacheKey = "perfil"

// Client owns the assembled progress core for one signed-in user.
type Client struct {
	cfg      *config.Config
	log      *zap.Logger
	local    *localstore.Store
	remote   remotestore.Store // nil when running offline-only
	cache    *cache.Cache
	catalog  catalog.Provider
	records  *sync.Engine
	progress *progress.Engine
}

// New assembles a client from the config, serving the catalog from the
// remote store. Offline-only clients (empty Remote.URL) must supply their
// catalog through NewWithCatalog.
func New(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	return NewWithCatalog(cfg, nil, logger)
}

// NewWithCatalog assembles a client with an explicit catalog provider,
// bypassing the remote catalog. cat may be nil to use the remote one. A nil
// logger gets replaced by one built from cfg.Logging.
func NewWithCatalog(cfg *config.Config, cat catalog.Provider, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		var err error
		logger, err = logging.New(&logging.Config{
			Level:      cfg.Logging.Level,
			Env:        cfg.Env,
			FilePath:   cfg.Logging.FilePath,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	local, err := localstore.Open(cfg.Local.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	var remote remotestore.Store
	if cfg.Remote.URL != "" {
		libsql, err := remotestore.OpenLibsql(cfg.Remote.URL, cfg.Remote.AuthToken, logger)
		if err != nil {
			_ = local.Close()
			return nil, fmt.Errorf("failed to open remote store: %w", err)
		}
		remote = libsql
	}

	c := cache.NewWithConfig(local, logger, &cache.Config{
		ShortMaxAge: cfg.Cache.ShortMaxAge,
	})

	if cat == nil {
		if remote == nil {
			_ = local.Close()
			return nil, errors.New("offline-only clients need an explicit catalog provider")
		}
		cat = catalog.NewStoreProvider(remote, c, cfg.Cache.LongMaxAge, logger)
	}

	records := sync.NewWithConfig(local, remote, cfg.UserID, logger, &sync.Config{
		ConflictWindow: cfg.Sync.ConflictWindow,
	})

	return &Client{
		cfg:      cfg,
		log:      logger,
		local:    local,
		remote:   remote,
		cache:    c,
		catalog:  cat,
		records:  records,
		progress: progress.New(records, cat, remote, c, logger),
	}, nil
}

// UserID returns the signed-in user this client tracks.
func (c *Client) UserID() string { return c.cfg.UserID }

// Progress returns the derived-state engine.
func (c *Client) Progress() *progress.Engine { return c.progress }

// Sync returns the record synchronization engine.
func (c *Client) Sync() *sync.Engine { return c.records }

// Catalog returns the course catalog provider.
func (c *Client) Catalog() catalog.Provider { return c.catalog }

// Cache returns the shared cache instance.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Profile returns the remote user document, memoized under the long cache
// class. Sibling apps write arbitrary fields there; the progress core only
// ever merges into it.
func (c *Client) Profile(ctx context.Context) (remotestore.Document, error) {
	var doc remotestore.Document
	if c.cache.GetInto(ctx, profileCacheKey, c.cfg.UserID, c.cfg.Cache.LongMaxAge, &doc) {
		return doc, nil
	}
	if c.remote == nil {
		return nil, sync.ErrRemoteDisabled
	}
	doc, err := c.remote.Get(ctx, "users", c.cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile of %s: %w", c.cfg.UserID, err)
	}
	c.cache.Set(ctx, profileCacheKey, doc, c.cfg.UserID)
	return doc, nil
}

// Preload warms the caches the first screens need: the user profile and the
// aggregate stats, which transitively pulls the course catalog. Best-effort;
// failures are logged by the cache layer.
func (c *Client) Preload(ctx context.Context) {
	loaders := map[string]cache.Loader{
		progress.StatsCacheKey: func(ctx context.Context) (any, error) {
			return c.progress.UserStats(ctx), nil
		},
	}
	if c.remote != nil {
		loaders[profileCacheKey] = func(ctx context.Context) (any, error) {
			return c.remote.Get(ctx, "users", c.cfg.UserID)
		}
	}
	c.cache.PreloadEssentialData(ctx, c.cfg.UserID, loaders)
}

// SyncNow retries any pending remote push. Returns true when the record is
// in sync with the remote afterwards.
func (c *Client) SyncNow(ctx context.Context) bool {
	return c.records.Flush(ctx, c.records.Load(ctx))
}

// CheckConflicts reports local/remote divergence without resolving it.
func (c *Client) CheckConflicts(ctx context.Context) *sync.Conflict {
	return c.records.CheckConflicts(ctx)
}

// Logout wipes the user's cached data from both tiers. The durable progress
// record itself survives; only derived and memoized state is dropped.
func (c *Client) Logout(ctx context.Context) {
	c.cache.ClearAll(ctx, c.cfg.UserID)
}

// Close releases the local and remote stores. The client must not be used
// afterwards.
func (c *Client) Close() error {
	var errs []error
	if closer, ok := c.remote.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close remote store: %w", err))
		}
	}
	if err := c.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close local store: %w", err))
	}
	logging.Sync(c.log)
	return errors.Join(errs...)
}
