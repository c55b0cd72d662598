package catalog

import (
	"context"
	"fmt"

	"github.com/leandrotocalini/consensus/internal/provider/openrouter"
)

// ModelLister lists the models a gateway currently offers.
type ModelLister interface {
	ListModels(ctx context.Context) ([]openrouter.Model, error)
}

// SyncFromGateway refreshes price and context length of known models from
// the gateway's model list. Models the catalog does not know are ignored;
// tiers and routing data stay as configured. Returns the number of models
// updated.
func (c *Catalog) SyncFromGateway(ctx context.Context, lister ModelLister) (int, error) {
	remote, err := lister.ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync catalog: %w", err)
	}

	byID := make(map[string]openrouter.Model, len(remote))
	for _, m := range remote {
		byID[m.ID] = m
	}

	var updated int
	err = c.update(func(models []ModelSpec) []ModelSpec {
		updated = 0
		for i := range models {
			rm, ok := byID[models[i].ID]
			if !ok {
				continue
			}
			in, out, perr := rm.Pricing.PerThousand()
			if perr != nil {
				c.logger.Warn("skipping unparseable gateway pricing", "model", rm.ID, "err", perr)
				continue
			}
			changed := in != models[i].CostPer1KInput || out != models[i].CostPer1KOutput
			models[i].CostPer1KInput = in
			models[i].CostPer1KOutput = out
			if rm.ContextLength > 0 && rm.ContextLength != models[i].ContextLength {
				models[i].ContextLength = rm.ContextLength
				changed = true
			}
			if changed {
				updated++
			}
		}
		return models
	})
	if err != nil {
		return 0, err
	}
	c.logger.Info("model catalog synced from gateway", "remote", len(remote), "updated", updated)
	return updated, nil
}
