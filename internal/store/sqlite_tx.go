package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/guregu/null/v6"

	"twdata/internal/domain"
)

var _ Tx = (*sqlTx)(nil)

// sqlTx is the Tx handed to write jobs. It lives only on the writer
// goroutine.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Entity(ctx context.Context, code string) (domain.Entity, bool, error) {
	return queryEntity(ctx, t.tx, code)
}

func (t *sqlTx) PutEntity(ctx context.Context, e domain.Entity) error {
	status := e.Status
	if status == "" {
		status = domain.StatusNormal
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entity_meta (code, name, market, industry, listing_date, delisting_date, status, issued_shares, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name           = excluded.name,
			market         = excluded.market,
			industry       = CASE WHEN excluded.industry <> '' THEN excluded.industry ELSE entity_meta.industry END,
			listing_date   = COALESCE(excluded.listing_date, entity_meta.listing_date),
			delisting_date = COALESCE(excluded.delisting_date, entity_meta.delisting_date),
			status         = excluded.status,
			issued_shares  = COALESCE(excluded.issued_shares, entity_meta.issued_shares),
			updated_at     = excluded.updated_at`,
		e.Code, e.Name, string(e.Market), e.Industry, dateOf(e.ListingDate), dateOf(e.DelistingDate),
		string(status), intOf(e.IssuedShares), now())
	return storeErr("put entity", err)
}

func (t *sqlTx) ClearDelisting(ctx context.Context, code string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE entity_meta SET delisting_date = NULL, updated_at = ? WHERE code = ?`, now(), code)
	return storeErr("clear delisting", err)
}

// DeleteEntity removes the entity and every dependent row.
func (t *sqlTx) DeleteEntity(ctx context.Context, code string) error {
	for _, table := range []string{"daily_bar", "institutional_flow", "shareholding_distribution", "entity_meta"} {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE code = ?`, code); err != nil {
			return storeErr("delete "+table, err)
		}
	}
	return nil
}

func (t *sqlTx) Bar(ctx context.Context, code string, date domain.Date) (domain.DailyBar, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+barColumns+` FROM daily_bar WHERE code = ? AND date = ?`, code, int(date))
	b, err := scanBar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DailyBar{}, false, nil
	}
	if err != nil {
		return domain.DailyBar{}, false, storeErr("bar", err)
	}
	return b, true, nil
}

func (t *sqlTx) PutBar(ctx context.Context, b domain.DailyBar) error {
	estimated := 0
	if b.AmountEstimated {
		estimated = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO daily_bar (code, date, date_iso, open, high, low, close, volume, amount, amount_estimated,
			foreign_net, trust_net, dealer_net, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, date) DO UPDATE SET
			open             = excluded.open,
			high             = excluded.high,
			low              = excluded.low,
			close            = excluded.close,
			volume           = excluded.volume,
			amount           = excluded.amount,
			amount_estimated = excluded.amount_estimated,
			foreign_net      = excluded.foreign_net,
			trust_net        = excluded.trust_net,
			dealer_net       = excluded.dealer_net,
			source           = excluded.source,
			updated_at       = excluded.updated_at`,
		b.Code, int(b.Date), b.Date.String(),
		realOf(b.Open), realOf(b.High), realOf(b.Low), realOf(b.Close),
		intOf(b.Volume), intOf(b.Amount), estimated,
		intOf(b.ForeignNet), intOf(b.TrustNet), intOf(b.DealerNet),
		b.Source, now())
	return storeErr("put bar", err)
}

func (t *sqlTx) SetBarNets(ctx context.Context, code string, date domain.Date, nets [3]null.Int) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE daily_bar SET foreign_net = ?, trust_net = ?, dealer_net = ? WHERE code = ? AND date = ?`,
		intOf(nets[0]), intOf(nets[1]), intOf(nets[2]), code, int(date))
	if err != nil {
		return false, storeErr("set nets", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("set nets", err)
	}
	return n > 0, nil
}

func (t *sqlTx) Flow(ctx context.Context, code string, date domain.Date) (domain.InstitutionalFlow, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM institutional_flow WHERE code = ? AND date = ?`, code, int(date))
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InstitutionalFlow{}, false, nil
	}
	if err != nil {
		return domain.InstitutionalFlow{}, false, storeErr("flow", err)
	}
	return f, true, nil
}

func (t *sqlTx) PutFlow(ctx context.Context, f domain.InstitutionalFlow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO institutional_flow (code, date, date_iso,
			foreign_buy, foreign_sell, foreign_net, trust_buy, trust_sell, trust_net,
			dealer_buy, dealer_sell, dealer_net, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, date) DO UPDATE SET
			foreign_buy  = excluded.foreign_buy,
			foreign_sell = excluded.foreign_sell,
			foreign_net  = excluded.foreign_net,
			trust_buy    = excluded.trust_buy,
			trust_sell   = excluded.trust_sell,
			trust_net    = excluded.trust_net,
			dealer_buy   = excluded.dealer_buy,
			dealer_sell  = excluded.dealer_sell,
			dealer_net   = excluded.dealer_net,
			source       = excluded.source,
			updated_at   = excluded.updated_at`,
		f.Code, int(f.Date), f.Date.String(),
		intOf(f.Foreign.Buy), intOf(f.Foreign.Sell), intOf(f.Foreign.Net()),
		intOf(f.Trust.Buy), intOf(f.Trust.Sell), intOf(f.Trust.Net()),
		intOf(f.Dealer.Buy), intOf(f.Dealer.Sell), intOf(f.Dealer.Net()),
		f.Source, now())
	return storeErr("put flow", err)
}

func (t *sqlTx) FlowSeries(ctx context.Context, code string) ([]domain.InstitutionalFlow, error) {
	return queryFlows(ctx, t.tx, `SELECT `+flowColumns+` FROM institutional_flow WHERE code = ? ORDER BY date`, code)
}

func (t *sqlTx) PutHoldings(ctx context.Context, code string, date domain.Date, h [3]domain.HoldingEstimate) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE institutional_flow SET
			foreign_holding_shares = ?, foreign_holding_pct = ?,
			trust_holding_shares   = ?, trust_holding_pct   = ?,
			dealer_holding_shares  = ?, dealer_holding_pct  = ?
		WHERE code = ? AND date = ?`,
		intOf(h[0].Shares), realOf(h[0].Pct),
		intOf(h[1].Shares), realOf(h[1].Pct),
		intOf(h[2].Shares), realOf(h[2].Pct),
		code, int(date))
	return storeErr("put holdings", err)
}

func (t *sqlTx) Levels(ctx context.Context, code string, date domain.Date) ([]domain.DistributionLevel, error) {
	return queryLevels(ctx, t.tx, code, date)
}

func (t *sqlTx) PutLevel(ctx context.Context, l domain.DistributionLevel) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO shareholding_distribution (code, date, date_iso, level, holders, shares, proportion, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, date, level) DO UPDATE SET
			holders    = excluded.holders,
			shares     = excluded.shares,
			proportion = excluded.proportion,
			source     = excluded.source,
			updated_at = excluded.updated_at`,
		l.Code, int(l.Date), l.Date.String(), l.Level,
		intOf(l.Holders), intOf(l.Shares), realOf(l.Proportion), l.Source, now())
	return storeErr("put level", err)
}
