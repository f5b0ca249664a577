package tw

import (
	"log/slog"
	"net/url"

	"twdata/internal/config"
	"twdata/internal/gather"
	"twdata/internal/store"
	"twdata/internal/util"
)

// NewRegistry builds the failover registry from configuration. Sources on
// the same host share one rate limiter, so the exchange's two report
// families draw from a single budget. The FinMind entry's rank applies to
// prices; its flow and distribution datasets keep their fixed ranks.
func NewRegistry(cfg *config.Config, archive *store.Archive, log *slog.Logger) *gather.Registry {
	limiters := map[string]*util.RateLimiter{}
	settings := func(name string) (Settings, bool) {
		src := cfg.Source(name)
		if !src.IsEnabled() {
			log.Info("source disabled", "source", name)
			return Settings{}, false
		}
		s := SettingsFrom(src)
		s.Logger = log
		host := name
		if u, err := url.Parse(src.BaseURL); err == nil && u.Host != "" {
			host = u.Host
		}
		if l, ok := limiters[host]; ok {
			s.Limiter = l
		} else {
			limiters[host] = s.Limiter
		}
		return s, true
	}

	reg := gather.NewRegistry(log)
	if s, ok := settings("twse"); ok {
		reg.Register(NewTWSE(s))
	}
	if s, ok := settings("tpex"); ok {
		reg.Register(NewTPEx(s))
	}
	if s, ok := settings("finmind"); ok {
		reg.Register(NewFinMindPrice(s))
		s.Rank = 0
		reg.Register(NewFinMindFlow(s))
		reg.Register(NewFinMindDistribution(s))
	}
	if s, ok := settings("twse-t86"); ok {
		reg.Register(NewT86(s))
	}
	if s, ok := settings("tdcc"); ok {
		reg.Register(NewTDCC(s))
	}
	if s, ok := settings("tdcc-opendata"); ok {
		reg.Register(NewTDCCOpenData(s))
	}
	if archive != nil {
		if src := cfg.Source("archive"); src.IsEnabled() {
			reg.Register(NewArchive(archive, src.Rank, log))
		}
	}
	return reg
}

// NewListing builds the listing fetcher from the "isin" source entry.
func NewListing(cfg *config.Config, log *slog.Logger) *ListingFetcher {
	s := SettingsFrom(cfg.Source("isin"))
	s.Logger = log
	return NewListingFetcher(s)
}
