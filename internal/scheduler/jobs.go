package scheduler

import (
	"context"
	"log/slog"

	"github.com/leandrotocalini/consensus/internal/catalog"
)

// Purger drops expired cache entries. *cache.Hierarchy satisfies it.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// CachePurge returns a job that removes expired cache entries.
func CachePurge(p Purger, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("expired cache entries purged", "count", n)
		}
		return nil
	}
}

// CatalogSync returns a job that refreshes the catalog from the gateway's
// model list.
func CatalogSync(c *catalog.Catalog, lister catalog.ModelLister) Job {
	return func(ctx context.Context) error {
		_, err := c.SyncFromGateway(ctx, lister)
		return err
	}
}
