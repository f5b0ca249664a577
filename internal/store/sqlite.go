package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"twdata/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Reader = (*SQLiteStore)(nil)
var _ Writer = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS entity_meta (
	code           TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	market         TEXT NOT NULL,
	industry       TEXT NOT NULL DEFAULT '',
	listing_date   INTEGER,
	delisting_date INTEGER,
	status         TEXT NOT NULL DEFAULT 'Normal',
	issued_shares  INTEGER,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_bar (
	code             TEXT NOT NULL,
	date             INTEGER NOT NULL,
	date_iso         TEXT NOT NULL,
	open             REAL,
	high             REAL,
	low              REAL,
	close            REAL,
	volume           INTEGER,
	amount           INTEGER,
	amount_estimated INTEGER NOT NULL DEFAULT 0,
	foreign_net      INTEGER,
	trust_net        INTEGER,
	dealer_net       INTEGER,
	source           TEXT NOT NULL DEFAULT '',
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (code, date)
);
CREATE INDEX IF NOT EXISTS idx_daily_bar_date ON daily_bar(date);

CREATE TABLE IF NOT EXISTS institutional_flow (
	code                   TEXT NOT NULL,
	date                   INTEGER NOT NULL,
	date_iso               TEXT NOT NULL,
	foreign_buy            INTEGER,
	foreign_sell           INTEGER,
	foreign_net            INTEGER,
	trust_buy              INTEGER,
	trust_sell             INTEGER,
	trust_net              INTEGER,
	dealer_buy             INTEGER,
	dealer_sell            INTEGER,
	dealer_net             INTEGER,
	foreign_holding_shares INTEGER,
	foreign_holding_pct    REAL,
	trust_holding_shares   INTEGER,
	trust_holding_pct      REAL,
	dealer_holding_shares  INTEGER,
	dealer_holding_pct     REAL,
	source                 TEXT NOT NULL DEFAULT '',
	updated_at             TEXT NOT NULL,
	PRIMARY KEY (code, date)
);

CREATE TABLE IF NOT EXISTS shareholding_distribution (
	code       TEXT NOT NULL,
	date       INTEGER NOT NULL,
	date_iso   TEXT NOT NULL,
	level      INTEGER NOT NULL,
	holders    INTEGER,
	shares     INTEGER,
	proportion REAL,
	source     TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (code, date, level)
);
`

// Options tunes Open.
type Options struct {
	BusyTimeout time.Duration
	ReadConns   int
	Logger      *slog.Logger
}

// SQLiteStore is the canonical store. Reads go through a pooled handle; all
// writes are executed by one goroutine owning a single-connection handle.
type SQLiteStore struct {
	rdb *sql.DB
	wdb *sql.DB

	jobs   chan writeJob
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	log *slog.Logger
}

type writeJob struct {
	ctx    context.Context
	fn     func(Tx) error
	dryRun bool
	result chan error
}

// Open opens (or creates) the SQLite database at path, applies the schema
// and starts the writer goroutine.
func Open(path string, opts Options) (*SQLiteStore, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.ReadConns <= 0 {
		opts.ReadConns = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storeErr("open", err)
		}
	}

	dsn := buildDSN(path, opts.BusyTimeout)
	wdb, err := sql.Open("sqlite", dsn+"&_txlock=immediate")
	if err != nil {
		return nil, storeErr("open", err)
	}
	wdb.SetMaxOpenConns(1)

	if _, err := wdb.Exec(schema); err != nil {
		wdb.Close()
		return nil, storeErr("migrate", err)
	}

	rdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		wdb.Close()
		return nil, storeErr("open", err)
	}
	rdb.SetMaxOpenConns(opts.ReadConns)

	s := &SQLiteStore{
		rdb:  rdb,
		wdb:  wdb,
		jobs: make(chan writeJob),
		done: make(chan struct{}),
		log:  opts.Logger.With("component", "store"),
	}
	go s.writer()
	return s, nil
}

func buildDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Close drains pending writes, stops the writer and closes both handles.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	<-s.done
	werr := s.wdb.Close()
	rerr := s.rdb.Close()
	if werr != nil {
		return storeErr("close", werr)
	}
	return storeErr("close", rerr)
}

// ---------------------------------------------------------------------------
// Single writer
// ---------------------------------------------------------------------------

// Write submits fn to the writer goroutine and waits for it to finish.
func (s *SQLiteStore) Write(ctx context.Context, dryRun bool, fn func(Tx) error) error {
	job := writeJob{ctx: ctx, fn: fn, dryRun: dryRun, result: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.jobs <- job:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	return <-job.result
}

func (s *SQLiteStore) writer() {
	defer close(s.done)
	for job := range s.jobs {
		job.result <- s.run(job)
	}
}

func (s *SQLiteStore) run(job writeJob) error {
	tx, err := s.wdb.BeginTx(job.ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	if err := job.fn(&sqlTx{tx: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.log.Warn("rollback failed", "error", rerr)
		}
		return err
	}
	if job.dryRun {
		return storeErr("rollback", tx.Rollback())
	}
	return storeErr("commit", tx.Commit())
}

// UpsertEntities writes listing metadata through the writer and returns the
// number of rows written.
func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []domain.Entity) (int, error) {
	n := 0
	err := s.Write(ctx, false, func(tx Tx) error {
		for _, e := range entities {
			if err := tx.PutEntity(ctx, e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Reader implementation
// ---------------------------------------------------------------------------

const entityColumns = `code, name, market, industry, listing_date, delisting_date, status, issued_shares`

// Entities returns every entity ordered by code.
func (s *SQLiteStore) Entities(ctx context.Context) ([]domain.Entity, error) {
	rows, err := s.rdb.QueryContext(ctx, `SELECT `+entityColumns+` FROM entity_meta ORDER BY code`)
	if err != nil {
		return nil, storeErr("entities", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, storeErr("entities", err)
		}
		out = append(out, e)
	}
	return out, storeErr("entities", rows.Err())
}

// Entity returns the entity with the given code.
func (s *SQLiteStore) Entity(ctx context.Context, code string) (domain.Entity, bool, error) {
	return queryEntity(ctx, s.rdb, code)
}

// BarDates returns dates with a non-null close.
func (s *SQLiteStore) BarDates(ctx context.Context, code string, start, end domain.Date) ([]domain.Date, error) {
	return queryDates(ctx, s.rdb,
		`SELECT date FROM daily_bar WHERE code = ? AND date BETWEEN ? AND ? AND close IS NOT NULL ORDER BY date`,
		code, int(start), int(end))
}

// Bars returns stored bars ascending by date.
func (s *SQLiteStore) Bars(ctx context.Context, code string, start, end domain.Date) ([]domain.DailyBar, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT `+barColumns+` FROM daily_bar WHERE code = ? AND date BETWEEN ? AND ? ORDER BY date`,
		code, int(start), int(end))
	if err != nil {
		return nil, storeErr("bars", err)
	}
	defer rows.Close()

	var out []domain.DailyBar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, storeErr("bars", err)
		}
		out = append(out, b)
	}
	return out, storeErr("bars", rows.Err())
}

// Flows returns institutional rows ascending by date.
func (s *SQLiteStore) Flows(ctx context.Context, code string, start, end domain.Date) ([]domain.InstitutionalFlow, error) {
	return queryFlows(ctx, s.rdb,
		`SELECT `+flowColumns+` FROM institutional_flow WHERE code = ? AND date BETWEEN ? AND ? ORDER BY date`,
		code, int(start), int(end))
}

// FlowDates returns dates that have an institutional row.
func (s *SQLiteStore) FlowDates(ctx context.Context, code string, start, end domain.Date) ([]domain.Date, error) {
	return queryDates(ctx, s.rdb,
		`SELECT date FROM institutional_flow WHERE code = ? AND date BETWEEN ? AND ? ORDER BY date`,
		code, int(start), int(end))
}

// DistributionDates returns weekly report dates present for code.
func (s *SQLiteStore) DistributionDates(ctx context.Context, code string, start, end domain.Date) ([]domain.Date, error) {
	return queryDates(ctx, s.rdb,
		`SELECT DISTINCT date FROM shareholding_distribution WHERE code = ? AND date BETWEEN ? AND ? ORDER BY date`,
		code, int(start), int(end))
}

// Levels returns one report's levels ordered by level.
func (s *SQLiteStore) Levels(ctx context.Context, code string, date domain.Date) ([]domain.DistributionLevel, error) {
	return queryLevels(ctx, s.rdb, code, date)
}

// ---------------------------------------------------------------------------
// Shared query helpers (used by both the reader pool and Tx)
// ---------------------------------------------------------------------------

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func queryDates(ctx context.Context, q queryer, query string, args ...any) ([]domain.Date, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("dates", err)
	}
	defer rows.Close()

	var out []domain.Date
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, storeErr("dates", err)
		}
		out = append(out, domain.Date(d))
	}
	return out, storeErr("dates", rows.Err())
}

func queryEntity(ctx context.Context, q queryer, code string) (domain.Entity, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entity_meta WHERE code = ?`, code)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entity{}, false, nil
	}
	if err != nil {
		return domain.Entity{}, false, storeErr("entity", err)
	}
	return e, true, nil
}

func scanEntity(sc scanner) (domain.Entity, error) {
	var (
		e                  domain.Entity
		market, status     string
		listing, delisting sql.NullInt64
	)
	if err := sc.Scan(&e.Code, &e.Name, &market, &e.Industry, &listing, &delisting, &status, &e.IssuedShares); err != nil {
		return domain.Entity{}, err
	}
	e.Market = domain.Market(market)
	e.Status = domain.Status(status)
	e.ListingDate = domain.Date(listing.Int64)
	e.DelistingDate = domain.Date(delisting.Int64)
	return e, nil
}

const barColumns = `code, date, open, high, low, close, volume, amount, amount_estimated,
	foreign_net, trust_net, dealer_net, source`

func scanBar(sc scanner) (domain.DailyBar, error) {
	var (
		b                      domain.DailyBar
		date                   int
		open, high, low, close sql.NullFloat64
		estimated              int
	)
	err := sc.Scan(&b.Code, &date, &open, &high, &low, &close, &b.Volume, &b.Amount, &estimated,
		&b.ForeignNet, &b.TrustNet, &b.DealerNet, &b.Source)
	if err != nil {
		return domain.DailyBar{}, err
	}
	b.Date = domain.Date(date)
	b.Open, b.High, b.Low, b.Close = priceOf(open), priceOf(high), priceOf(low), priceOf(close)
	b.AmountEstimated = estimated != 0
	return b, nil
}

const flowColumns = `code, date,
	foreign_buy, foreign_sell, trust_buy, trust_sell, dealer_buy, dealer_sell,
	foreign_holding_shares, foreign_holding_pct, trust_holding_shares, trust_holding_pct,
	dealer_holding_shares, dealer_holding_pct, source`

func queryFlows(ctx context.Context, q queryer, query string, args ...any) ([]domain.InstitutionalFlow, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("flows", err)
	}
	defer rows.Close()

	var out []domain.InstitutionalFlow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, storeErr("flows", err)
		}
		out = append(out, f)
	}
	return out, storeErr("flows", rows.Err())
}

func scanFlow(sc scanner) (domain.InstitutionalFlow, error) {
	var (
		f                domain.InstitutionalFlow
		date             int
		fPct, tPct, dPct sql.NullFloat64
	)
	err := sc.Scan(&f.Code, &date,
		&f.Foreign.Buy, &f.Foreign.Sell, &f.Trust.Buy, &f.Trust.Sell, &f.Dealer.Buy, &f.Dealer.Sell,
		&f.ForeignHolding.Shares, &fPct, &f.TrustHolding.Shares, &tPct,
		&f.DealerHolding.Shares, &dPct, &f.Source)
	if err != nil {
		return domain.InstitutionalFlow{}, err
	}
	f.Date = domain.Date(date)
	f.ForeignHolding.Pct = pctOf(fPct)
	f.TrustHolding.Pct = pctOf(tPct)
	f.DealerHolding.Pct = pctOf(dPct)
	return f, nil
}

func queryLevels(ctx context.Context, q queryer, code string, date domain.Date) ([]domain.DistributionLevel, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT code, date, level, holders, shares, proportion, source
		   FROM shareholding_distribution WHERE code = ? AND date = ? ORDER BY level`,
		code, int(date))
	if err != nil {
		return nil, storeErr("levels", err)
	}
	defer rows.Close()

	var out []domain.DistributionLevel
	for rows.Next() {
		var (
			l    domain.DistributionLevel
			d    int
			prop sql.NullFloat64
		)
		if err := rows.Scan(&l.Code, &d, &l.Level, &l.Holders, &l.Shares, &prop, &l.Source); err != nil {
			return nil, storeErr("levels", err)
		}
		l.Date = domain.Date(d)
		l.Proportion = pctOf(prop)
		out = append(out, l)
	}
	return out, storeErr("levels", rows.Err())
}

// ---------------------------------------------------------------------------
// Value conversion
// ---------------------------------------------------------------------------

// REAL columns come back as float64; rounding restores the 2-decimal value
// that was written.
func priceOf(f sql.NullFloat64) decimal.NullDecimal {
	if !f.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(f.Float64).Round(domain.PriceDecimals))
}

func pctOf(f sql.NullFloat64) decimal.NullDecimal {
	if !f.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(f.Float64).Round(4))
}

func realOf(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.InexactFloat64()
}

func dateOf(d domain.Date) any {
	if d.IsZero() {
		return nil
	}
	return int(d)
}

func intOf(v null.Int) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
