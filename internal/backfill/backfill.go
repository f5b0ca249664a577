// Package backfill sequences gap detection, failover fetching and
// reconciliation into one run and reports what it fixed.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"twdata/internal/calendar"
	"twdata/internal/domain"
	"twdata/internal/gap"
	"twdata/internal/gather"
	"twdata/internal/reconcile"
	"twdata/internal/store"
)

// Store is what the orchestrator needs from the canonical store.
type Store interface {
	store.Reader
	store.Writer
}

// Archiver keeps raw network price results. *store.Archive satisfies it.
type Archiver interface {
	WriteBars(market domain.Market, bars []domain.DailyBar) error
}

// State is the terminal (or transient) state of one entity/kind pair.
type State string

const (
	StatePending         State = "Pending"
	StateNoGapFound      State = "NoGapFound"
	StateGapFound        State = "GapFound"
	StateSourceExhausted State = "SourceExhausted"
	StateReconciled      State = "Reconciled"
	StateFailed          State = "Failed"
)

// Options configures an Orchestrator.
type Options struct {
	Workers     int
	MaxSpanDays int
	Kinds       []gather.Kind
	// StateDir holds checkpoint files; empty disables checkpointing.
	StateDir string
	// MetricsFile is a node-exporter textfile path; empty disables it.
	MetricsFile string
	Gaps        gap.Options
	Rule        domain.InclusionRule
	Today       func() domain.Date
	Logger      *slog.Logger
}

// Orchestrator runs backfills. It is safe to run one backfill at a time.
type Orchestrator struct {
	store    Store
	registry *gather.Registry
	cal      *calendar.Calendar
	detector *gap.Detector
	rec      *reconcile.Reconciler
	archive  Archiver
	opts     Options
	log      *slog.Logger
}

// New wires an Orchestrator. archive may be nil.
func New(st Store, reg *gather.Registry, cal *calendar.Calendar, archive Archiver, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxSpanDays <= 0 {
		opts.MaxSpanDays = DefaultMaxSpanDays
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = gather.AllKinds
	}
	if opts.Rule.CodeLength == 0 {
		opts.Rule = domain.DefaultInclusionRule()
	}
	if opts.Today == nil {
		opts.Today = domain.Today
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	gopts := opts.Gaps
	if gopts.Today == nil {
		gopts.Today = opts.Today
	}
	if gopts.Logger == nil {
		gopts.Logger = opts.Logger
	}
	return &Orchestrator{
		store:    st,
		registry: reg,
		cal:      cal,
		detector: gap.New(st, cal, gopts),
		rec:      reconcile.New(st, reconcile.Options{Logger: opts.Logger}),
		archive:  archive,
		opts:     opts,
		log:      opts.Logger.With("gatherer", "backfill"),
	}
}

// Detector exposes the gap detector for read-only reports.
func (o *Orchestrator) Detector() *gap.Detector { return o.detector }

// Request narrows one run.
type Request struct {
	Entities     []string      // empty means every entity passing the inclusion rule
	LookbackDays int           // zero uses the configured gap lookback
	DryRun       bool          // roll back every write
	Kinds        []gather.Kind // empty uses the configured kinds
}

// EntityReport is the outcome of one entity/kind pair.
type EntityReport struct {
	Code         string      `json:"code"`
	Kind         gather.Kind `json:"kind"`
	State        State       `json:"state"`
	Gaps         int         `json:"gaps"`
	Fixed        int         `json:"fixed"`
	StillMissing int         `json:"still_missing"`
	Exhausted    int         `json:"exhausted,omitempty"`
	Sources      []string    `json:"sources,omitempty"`
	Error        string      `json:"error,omitempty"`

	rows reconcile.Report
	err  error
}

// Summary is the structured result of a run.
type Summary struct {
	RunID           string           `json:"run_id"`
	AsOf            domain.Date      `json:"as_of"`
	DryRun          bool             `json:"dry_run"`
	Started         time.Time        `json:"started"`
	Finished        time.Time        `json:"finished"`
	Entities        int              `json:"entities"`
	Resumed         int              `json:"resumed,omitempty"`
	Fixed           int              `json:"fixed"`
	StillMissing    int              `json:"still_missing"`
	SourceExhausted int              `json:"source_exhausted"` // gap dates no source could serve
	Rows            reconcile.Report `json:"rows"`
	Failed          bool             `json:"failed"`
	Errors          []string         `json:"errors,omitempty"`
	PerEntity       []EntityReport   `json:"per_entity"`
}

// settled reports whether the pair has nothing left to do for its as-of
// date. Only settled pairs are checkpointed.
func (r EntityReport) settled() bool {
	switch r.State {
	case StateNoGapFound:
		return true
	case StateReconciled:
		return r.StillMissing == 0
	}
	return false
}

func (s *Summary) add(r EntityReport) {
	s.Fixed += r.Fixed
	s.StillMissing += r.StillMissing
	s.SourceExhausted += r.Exhausted
	if r.State == StateFailed {
		s.Failed = true
		s.Errors = append(s.Errors, fmt.Sprintf("%s %s: %s", r.Code, r.Kind, r.Error))
	}
	s.Rows.Add(&r.rows)
	s.PerEntity = append(s.PerEntity, r)
}

// Name implements gather.Gatherer.
func (o *Orchestrator) Name() string { return "backfill" }

// Run implements gather.Gatherer with the default request.
func (o *Orchestrator) Run(ctx context.Context) error {
	s, err := o.Backfill(ctx, Request{})
	if err != nil {
		return err
	}
	if s.Failed {
		return fmt.Errorf("backfill %s failed: %v", s.RunID, s.Errors)
	}
	return nil
}

// workItem is one entity with the kinds still to process, in order. Kinds
// run sequentially so flow gaps see the bars written just before.
type workItem struct {
	entity domain.Entity
	kinds  []gather.Kind
}

// Backfill runs one pass. Reference entities are backfilled first against
// the static calendar, the calendar is refreshed from them, then everything
// else follows. Source failures are reported per item; only store failures
// and setup errors mark the run failed. The returned error is non-nil only
// when the run could not start or was cancelled.
func (o *Orchestrator) Backfill(ctx context.Context, req Request) (*Summary, error) {
	asOf := o.opts.Today()
	s := &Summary{
		RunID:   uuid.NewString(),
		AsOf:    asOf,
		DryRun:  req.DryRun,
		Started: time.Now(),
	}
	log := o.log.With("run_id", s.RunID, "dry_run", req.DryRun)

	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = o.opts.Kinds
	}

	entities, err := o.selectEntities(ctx, req, asOf, s)
	if err != nil {
		return nil, err
	}
	s.Entities = len(entities)

	var progress *progressTracker
	if o.opts.StateDir != "" && !req.DryRun {
		progress, err = newProgressTracker(o.opts.StateDir, asOf.Compact())
		if err != nil {
			return nil, err
		}
		defer progress.Close()
		if progress.Len() > 0 {
			log.Info("resuming from checkpoint", "done", progress.Len(),
				"last_completed", progress.LastCompleted())
		}
	}

	metrics := newRunMetrics()
	var phase0, phase1 []workItem
	for _, e := range entities {
		var rest []gather.Kind
		for _, k := range kinds {
			switch {
			case progress.IsDone(e.Code, k):
				s.Resumed++
			case k == gather.KindPrice && o.cal.IsReference(e.Code):
				phase0 = append(phase0, workItem{entity: e, kinds: []gather.Kind{k}})
			default:
				rest = append(rest, k)
			}
		}
		if len(rest) > 0 {
			phase1 = append(phase1, workItem{entity: e, kinds: rest})
		}
	}
	log.Info("backfill starting", "entities", len(entities), "kinds", kinds,
		"references", o.cal.References(), "reference_items", len(phase0),
		"items", len(phase1), "resumed", s.Resumed)

	var mu sync.Mutex
	collect := func(r EntityReport) {
		metrics.observe(r)
		if r.settled() {
			if err := progress.MarkDone(r.Code, r.Kind); err != nil {
				log.Warn("checkpoint write failed", "error", err)
			}
		}
		mu.Lock()
		s.add(r)
		mu.Unlock()
	}

	runErr := o.runPhase(ctx, phase0, req, metrics, collect)
	if runErr == nil {
		if err := o.cal.Refresh(ctx); err != nil {
			s.Failed = true
			s.Errors = append(s.Errors, err.Error())
			log.Error("calendar refresh failed", "error", err)
		}
		runErr = o.runPhase(ctx, phase1, req, metrics, collect)
	}

	sort.Slice(s.PerEntity, func(i, j int) bool {
		a, b := s.PerEntity[i], s.PerEntity[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return kindOrder(a.Kind) < kindOrder(b.Kind)
	})
	s.Finished = time.Now()

	if runErr != nil {
		s.Failed = true
		s.Errors = append(s.Errors, runErr.Error())
	} else if !s.Failed && s.StillMissing == 0 {
		if err := progress.MarkCompleted(asOf.Compact()); err != nil {
			log.Warn("checkpoint write failed", "error", err)
		}
	}

	metrics.finish(s)
	if o.opts.MetricsFile != "" {
		if err := metrics.writeTextfile(o.opts.MetricsFile); err != nil {
			log.Warn("metrics export failed", "error", err)
		}
	}

	log.Info("backfill finished",
		"fixed", s.Fixed, "still_missing", s.StillMissing, "source_exhausted", s.SourceExhausted,
		"inserted", s.Rows.Inserted, "updated", s.Rows.Updated, "rejected", s.Rows.Rejected,
		"failed", s.Failed, "duration", s.Finished.Sub(s.Started))
	return s, runErr
}

// runPhase fans items out over the bounded worker pool. It stops scheduling
// on cancellation; items already running finish their current step.
func (o *Orchestrator) runPhase(ctx context.Context, items []workItem, req Request, m *runMetrics, collect func(EntityReport)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for _, k := range it.kinds {
				if err := gctx.Err(); err != nil {
					return err
				}
				r := o.process(gctx, it.entity, k, req, m)
				if errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded) {
					return r.err
				}
				collect(r)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// selectEntities resolves the request to entity records.
func (o *Orchestrator) selectEntities(ctx context.Context, req Request, asOf domain.Date, s *Summary) ([]domain.Entity, error) {
	stored, err := o.store.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	byCode := make(map[string]domain.Entity, len(stored)+1)
	for _, e := range stored {
		byCode[e.Code] = e
	}
	if _, ok := byCode[o.opts.Rule.IndexCode]; !ok {
		idx := domain.IndexEntity()
		idx.Code = o.opts.Rule.IndexCode
		if err := o.store.Write(ctx, req.DryRun, func(tx store.Tx) error { return tx.PutEntity(ctx, idx) }); err != nil {
			return nil, fmt.Errorf("registering index entity: %w", err)
		}
		byCode[idx.Code] = idx
	}

	if len(req.Entities) == 0 {
		all := make([]domain.Entity, 0, len(byCode))
		for _, e := range byCode {
			all = append(all, e)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
		return o.opts.Rule.Filter(all, asOf), nil
	}

	var out []domain.Entity
	seen := map[string]bool{}
	for _, code := range req.Entities {
		if seen[code] {
			continue
		}
		seen[code] = true
		e, ok := byCode[code]
		if !ok {
			s.Errors = append(s.Errors, fmt.Sprintf("%s: unknown entity", code))
			o.log.Warn("unknown entity requested", "code", code)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func kindOrder(k gather.Kind) int {
	for i, known := range gather.AllKinds {
		if k == known {
			return i
		}
	}
	return len(gather.AllKinds)
}
