// Package store persists canonical rows. SQLite is the canonical store; all
// writes are funnelled through a single writer goroutine. Parquet files hold
// the raw per-source archive.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/guregu/null/v6"

	"twdata/internal/domain"
)

// ErrClosed is returned by writes submitted after Close.
var ErrClosed = errors.New("store: closed")

// StoreError wraps a database failure. A batch that hits one is rolled back
// in full.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Reader is the read-only view used by the calendar, the gap detector and
// the CLI reports. Date bounds are inclusive.
type Reader interface {
	// Entities returns every entity in entity_meta ordered by code.
	Entities(ctx context.Context) ([]domain.Entity, error)

	// Entity returns a single entity; ok is false when absent.
	Entity(ctx context.Context, code string) (e domain.Entity, ok bool, err error)

	// BarDates returns dates in [start, end] that carry a non-null close.
	BarDates(ctx context.Context, code string, start, end domain.Date) ([]domain.Date, error)

	// Bars returns stored bars in [start, end] ascending by date.
	Bars(ctx context.Context, code string, start, end domain.Date) ([]domain.DailyBar, error)

	// Flows returns stored institutional rows in [start, end] ascending.
	Flows(ctx context.Context, code string, start, end domain.Date) ([]domain.InstitutionalFlow, error)

	// FlowDates returns dates in [start, end] with an institutional row.
	FlowDates(ctx context.Context, code string, start, end domain.Date) ([]domain.Date, error)

	// DistributionDates returns report dates in [start, end] with at least
	// one level row.
	DistributionDates(ctx context.Context, code string, start, end domain.Date) ([]domain.Date, error)

	// Levels returns the stored levels of one report ordered by level.
	Levels(ctx context.Context, code string, date domain.Date) ([]domain.DistributionLevel, error)
}

// Tx is the write-capable handle handed to a job running on the writer
// goroutine. It must not escape the job.
type Tx interface {
	Entity(ctx context.Context, code string) (domain.Entity, bool, error)
	PutEntity(ctx context.Context, e domain.Entity) error
	// ClearDelisting resets the delisting date of a relisted entity;
	// PutEntity never clears a known date.
	ClearDelisting(ctx context.Context, code string) error
	DeleteEntity(ctx context.Context, code string) error

	Bar(ctx context.Context, code string, date domain.Date) (domain.DailyBar, bool, error)
	PutBar(ctx context.Context, b domain.DailyBar) error
	// SetBarNets updates the denormalized institutional nets of an existing
	// bar and reports whether a bar row was present.
	SetBarNets(ctx context.Context, code string, date domain.Date, nets [3]null.Int) (bool, error)

	Flow(ctx context.Context, code string, date domain.Date) (domain.InstitutionalFlow, bool, error)
	// PutFlow upserts buy/sell volumes; nets are derived, holdings are left
	// untouched.
	PutFlow(ctx context.Context, f domain.InstitutionalFlow) error
	// FlowSeries returns the full institutional history of code, ascending.
	FlowSeries(ctx context.Context, code string) ([]domain.InstitutionalFlow, error)
	PutHoldings(ctx context.Context, code string, date domain.Date, h [3]domain.HoldingEstimate) error

	Levels(ctx context.Context, code string, date domain.Date) ([]domain.DistributionLevel, error)
	PutLevel(ctx context.Context, l domain.DistributionLevel) error
}

// Writer serializes write jobs onto the single logical writer. A job's
// statements commit together or not at all; dryRun always rolls back.
type Writer interface {
	Write(ctx context.Context, dryRun bool, fn func(Tx) error) error
}
