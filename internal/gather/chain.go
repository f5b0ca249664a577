package gather

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"twdata/internal/domain"
	"twdata/internal/util"
)

// Registry holds every configured adapter.
type Registry struct {
	adapters []Adapter
	log      *slog.Logger
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(log *slog.Logger, adapters ...Adapter) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{adapters: adapters, log: log}
}

// Register adds an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Adapters returns every registered adapter.
func (r *Registry) Adapters() []Adapter {
	return append([]Adapter(nil), r.adapters...)
}

// Chain returns the adapters serving kind for market, ordered by ascending
// rank; equal ranks are ordered by name so the order is deterministic.
func (r *Registry) Chain(kind Kind, market domain.Market) *Chain {
	var picked []Adapter
	for _, a := range r.adapters {
		if a.Kind() == kind && a.Supports(market) {
			picked = append(picked, a)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].Rank() != picked[j].Rank() {
			return picked[i].Rank() < picked[j].Rank()
		}
		return picked[i].Name() < picked[j].Name()
	})
	return &Chain{
		kind:     kind,
		market:   market,
		adapters: picked,
		log:      r.log.With("component", "chain", "kind", string(kind), "market", string(market)),
	}
}

// Chain is an ordered failover sequence for one (kind, market).
type Chain struct {
	kind     Kind
	market   domain.Market
	adapters []Adapter
	log      *slog.Logger
}

// Attempt records one adapter call made by the chain.
type Attempt struct {
	Source   string
	Status   Status
	Rows     int
	Rejected bool // Success but failed the sanity check
	Err      error
	Duration time.Duration
}

// Outcome is the result of running a chain for one request.
type Outcome struct {
	Result    Result
	Attempts  []Attempt
	Exhausted bool
}

// Failed returns the attempts that ended in StatusFailed.
func (o Outcome) Failed() []Attempt {
	var out []Attempt
	for _, a := range o.Attempts {
		if a.Status == StatusFailed {
			out = append(out, a)
		}
	}
	return out
}

// Names lists the chain's adapters in the order they are tried.
func (c *Chain) Names() []string {
	names := make([]string, len(c.adapters))
	for i, a := range c.adapters {
		names[i] = a.Name()
	}
	return names
}

// Len returns the number of adapters in the chain.
func (c *Chain) Len() int { return len(c.adapters) }

// Fetch tries each adapter in order and accepts the first successful, sane
// result. When every adapter fails or comes back empty the outcome is marked
// Exhausted; that is an expected result, not an error.
func (c *Chain) Fetch(ctx context.Context, req Request) Outcome {
	var out Outcome
	log := c.log.With("code", req.Entity.Code, "range", req.Range.String())

	for i, a := range c.adapters {
		if i > 0 {
			if p, ok := a.(Pacer); ok {
				lo, hi := p.Delay()
				if err := util.Sleep(ctx, util.Jitter(lo, hi)); err != nil {
					break
				}
			}
		}
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		res := a.Fetch(ctx, req)
		att := Attempt{
			Source:   a.Name(),
			Status:   res.Status,
			Rows:     res.Rows(),
			Err:      res.Err,
			Duration: time.Since(start),
		}

		if res.Status == StatusSuccess && res.Sane() {
			out.Attempts = append(out.Attempts, att)
			out.Result = res
			log.Debug("source accepted", "source", a.Name(), "rows", att.Rows, "skipped", res.Skipped,
				"duration", att.Duration)
			return out
		}

		switch {
		case res.Status == StatusFailed:
			log.Warn("source attempt failed", "source", a.Name(), "error", res.Err, "duration", att.Duration)
		case res.Status == StatusSuccess:
			att.Rejected = true
			log.Warn("source result rejected by sanity check", "source", a.Name(), "rows", att.Rows)
		default:
			log.Debug("source returned no data", "source", a.Name())
		}
		out.Attempts = append(out.Attempts, att)
	}

	out.Exhausted = true
	out.Result = Result{Code: req.Entity.Code, Range: req.Range, Kind: c.kind, Status: StatusEmpty}
	return out
}
