package tw

import (
	"context"
	"log/slog"

	"twdata/internal/domain"
	"twdata/internal/gather"
	"twdata/internal/store"
)

// Archive replays bars written to the local Parquet archive by earlier
// runs. It ranks last so the network is always tried first.
type Archive struct {
	archive *store.Archive
	rank    int
	log     *slog.Logger
}

var _ gather.Adapter = (*Archive)(nil)

// NewArchive creates the offline archive adapter. A zero rank defaults to 9.
func NewArchive(a *store.Archive, rank int, log *slog.Logger) *Archive {
	if rank == 0 {
		rank = 9
	}
	if log == nil {
		log = slog.Default()
	}
	return &Archive{archive: a, rank: rank, log: log.With("adapter", "archive")}
}

func (a *Archive) Name() string      { return "archive" }
func (a *Archive) Rank() int         { return a.rank }
func (a *Archive) Kind() gather.Kind { return gather.KindPrice }

func (a *Archive) Supports(m domain.Market) bool {
	switch m {
	case domain.MarketPrimary, domain.MarketSecondary, domain.MarketIndex:
		return true
	}
	return false
}

func (a *Archive) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	if err := ctx.Err(); err != nil {
		return res.Finish(err)
	}
	bars, err := a.archive.ReadBars(req.Entity.Code, req.Entity.Market, req.Range.Start, req.Range.End)
	if err != nil {
		a.log.Warn("reading archive failed", "code", req.Entity.Code, "error", err)
		return res.Finish(err)
	}
	for i := range bars {
		bars[i].Source = a.Name()
	}
	res.Bars = bars
	return res.Finish(nil)
}
