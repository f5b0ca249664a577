package backfill

import (
	"context"
	"fmt"
	"sort"

	"twdata/internal/domain"
	"twdata/internal/store"
)

// ListingSource lists the current common stock universe.
type ListingSource interface {
	FetchAll(ctx context.Context) ([]domain.Entity, error)
}

// SyncReport summarizes an entity refresh.
type SyncReport struct {
	Listed   int      `json:"listed"`
	Added    []string `json:"added,omitempty"`
	Delisted []string `json:"delisted,omitempty"`
	Relisted []string `json:"relisted,omitempty"`
}

// SyncEntities upserts the listing universe into entity_meta. Stored stocks
// absent from a non-empty listing of their market are marked delisted as of
// today, and listed stocks carrying a delisting date get it cleared. The
// index pseudo-entity is always present afterwards.
func (o *Orchestrator) SyncEntities(ctx context.Context, src ListingSource, dryRun bool) (*SyncReport, error) {
	listed, err := src.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching listing: %w", err)
	}
	stored, err := o.store.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}

	today := o.opts.Today()
	current := make(map[string]bool, len(listed))
	perMarket := map[domain.Market]int{}
	for _, e := range listed {
		current[e.Code] = true
		perMarket[e.Market]++
	}
	known := make(map[string]bool, len(stored))
	delisted := map[string]bool{}
	for _, e := range stored {
		known[e.Code] = true
		if !e.DelistingDate.IsZero() {
			delisted[e.Code] = true
		}
	}

	rep := &SyncReport{Listed: len(listed)}
	err = o.store.Write(ctx, dryRun, func(tx store.Tx) error {
		for _, e := range listed {
			if !known[e.Code] {
				rep.Added = append(rep.Added, e.Code)
			}
			if err := tx.PutEntity(ctx, e); err != nil {
				return err
			}
			// Back on the listing: an earlier delisting was wrong or the
			// stock resumed trading.
			if delisted[e.Code] && e.DelistingDate.IsZero() {
				if err := tx.ClearDelisting(ctx, e.Code); err != nil {
					return err
				}
				rep.Relisted = append(rep.Relisted, e.Code)
			}
		}
		for _, e := range stored {
			if current[e.Code] || e.Market == domain.MarketIndex || !e.DelistingDate.IsZero() {
				continue
			}
			// An empty listing for a market is an upstream failure, not a
			// mass delisting.
			if perMarket[e.Market] == 0 {
				continue
			}
			e.DelistingDate = today
			if err := tx.PutEntity(ctx, e); err != nil {
				return err
			}
			rep.Delisted = append(rep.Delisted, e.Code)
		}
		if !known[o.opts.Rule.IndexCode] {
			idx := domain.IndexEntity()
			idx.Code = o.opts.Rule.IndexCode
			return tx.PutEntity(ctx, idx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("syncing entities: %w", err)
	}
	sort.Strings(rep.Added)
	sort.Strings(rep.Delisted)
	sort.Strings(rep.Relisted)
	o.log.Info("entities synced", "listed", rep.Listed, "added", len(rep.Added), "delisted", len(rep.Delisted),
		"relisted", len(rep.Relisted), "dry_run", dryRun)
	return rep, nil
}

// Cleanup deletes entities, with all their rows, whose code, market or name
// fails the inclusion rule. Trading status and delisting are ignored so that
// suspended and delisted stocks keep their history. It returns the removed
// codes.
func (o *Orchestrator) Cleanup(ctx context.Context, dryRun bool) ([]string, error) {
	stored, err := o.store.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	today := o.opts.Today()

	var removed []string
	for _, e := range stored {
		shape := e
		shape.Status = domain.StatusNormal
		shape.DelistingDate = 0
		if !o.opts.Rule.Includes(shape, today) {
			removed = append(removed, e.Code)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	err = o.store.Write(ctx, dryRun, func(tx store.Tx) error {
		for _, code := range removed {
			if err := tx.DeleteEntity(ctx, code); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	o.log.Info("entities removed", "count", len(removed), "codes", removed, "dry_run", dryRun)
	return removed, nil
}
