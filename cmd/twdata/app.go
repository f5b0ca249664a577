package main

import (
	"fmt"

	"twdata/internal/backfill"
	"twdata/internal/calendar"
	"twdata/internal/domain"
	"twdata/internal/gap"
	"twdata/internal/gather"
	"twdata/internal/gather/tw"
	"twdata/internal/store"
)

// app holds the wired pipeline for one command invocation.
type app struct {
	store *store.SQLiteStore
	orch  *backfill.Orchestrator
}

func openApp() (*app, error) {
	st, err := store.Open(cfg.Storage.SQLitePath, store.Options{
		BusyTimeout: cfg.Storage.BusyTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	var archive *store.Archive
	var archiver backfill.Archiver
	if cfg.Storage.ArchiveDir != "" {
		archive = store.NewArchive(cfg.Storage.ArchiveDir)
		archiver = archive
	}

	refs := calendar.DefaultReferences()
	for market, codes := range cfg.Calendar.References {
		refs[domain.Market(market)] = codes
	}
	cal, err := calendar.New(st, calendar.Options{
		References:   refs,
		HolidaysFile: cfg.Calendar.HolidaysFile,
		LookbackDays: cfg.Calendar.LookbackDays,
		Logger:       logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	kinds, err := gather.ParseKinds(cfg.Backfill.Kinds)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("config: backfill.kinds: %w", err)
	}

	opts := backfill.Options{
		Workers:     cfg.Backfill.Workers,
		MaxSpanDays: cfg.Backfill.MaxSpanDays,
		Kinds:       kinds,
		MetricsFile: cfg.Metrics.Textfile,
		Gaps: gap.Options{
			LookbackDays:      cfg.Gaps.LookbackDays,
			NewListingRatio:   cfg.Gaps.NewListingRatio,
			DistributionWeeks: cfg.Gaps.DistributionWeeks,
		},
		Logger: logger,
	}
	if cfg.Backfill.Checkpoint {
		opts.StateDir = cfg.Storage.StateDir
	}

	reg := tw.NewRegistry(cfg, archive, logger)
	return &app{
		store: st,
		orch:  backfill.New(st, reg, cal, archiver, opts),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
