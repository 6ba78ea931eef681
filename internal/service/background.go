package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/market"
	"spikewatch/internal/metrics"
	"spikewatch/internal/pipeline"
	"spikewatch/internal/settings"
	"spikewatch/internal/storage"
)

// Outcome classifies one background invocation.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDisabled  Outcome = "disabled"
	OutcomeLocked    Outcome = "locked"
	OutcomeNoData    Outcome = "no_data"
	OutcomeFailed    Outcome = "failed"
)

// ModeBackground is the Status mode of the background driver.
const ModeBackground = "background"

// TickFetcher performs a single pull of the current prices.
type TickFetcher interface {
	FetchOnce(ctx context.Context) ([]market.Tick, error)
}

// FetcherFactory builds the fetcher for a settings snapshot.
type FetcherFactory func(s settings.Settings) TickFetcher

// SettingsLoader returns the settings for one invocation.
type SettingsLoader func(ctx context.Context) (settings.Settings, error)

// BackgroundOptions tune the single-shot driver.
type BackgroundOptions struct {
	LockKey int64
}

// RunReport describes what one invocation did.
type RunReport struct {
	Outcome   Outcome
	Ticks     int
	Alerts    []market.AlertEvent
	Delivered int
}

// Background is the short-lived driver. Each RunOnce builds a fresh pipeline and
// shares nothing with the foreground except the persisted store.
type Background struct {
	repo       *storage.Repository
	loadConfig SettingsLoader
	newFetcher FetcherFactory
	dispatcher *pipeline.Dispatcher
	locker     storage.AdvisoryLocker
	metrics    *metrics.Metrics
	opts       BackgroundOptions
	logger     zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	startedAt time.Time
	last      Outcome
	settings  settings.Settings
	quotes    []market.Quote
}

// NewBackground wires the background driver. An AdvisoryLocker is used when the
// repository's backend provides one.
func NewBackground(repo *storage.Repository, loader SettingsLoader, factory FetcherFactory, d *pipeline.Dispatcher, m *metrics.Metrics, opts BackgroundOptions, logger zerolog.Logger) *Background {
	b := &Background{
		repo:       repo,
		loadConfig: loader,
		newFetcher: factory,
		dispatcher: d,
		metrics:    m,
		opts:       opts,
		logger:     logger.With().Str("component", "background").Logger(),
		now:        time.Now,
		startedAt:  time.Now(),
	}
	if l, ok := repo.KV().(storage.AdvisoryLocker); ok {
		b.locker = l
	}
	return b
}

// RunOnce loads settings, fetches once, processes, persists, dispatches and
// returns. Fetch failures count as "no ticks" and are not errors.
func (b *Background) RunOnce(ctx context.Context) (RunReport, error) {
	report, err := b.runOnce(ctx)
	if err != nil {
		report.Outcome = OutcomeFailed
	}
	b.metrics.RunOnce(string(report.Outcome))

	b.mu.Lock()
	b.last = report.Outcome
	b.mu.Unlock()
	return report, err
}

// Status reports the outcome of the latest invocation in the State field.
func (b *Background) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := string(b.last)
	if state == "" {
		state = "idle"
	}
	return Status{
		Mode:      ModeBackground,
		State:     state,
		Symbols:   append([]string(nil), b.settings.Symbols...),
		TrackAll:  b.settings.TrackAllSymbols,
		StartedAt: b.startedAt,
	}
}

// Quotes returns the quotes computed by the latest processed invocation.
func (b *Background) Quotes() []market.Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]market.Quote, len(b.quotes))
	copy(out, b.quotes)
	return out
}

// Alerts reads the stored alert list.
func (b *Background) Alerts(ctx context.Context) []market.AlertEvent {
	alerts, err := b.repo.LoadAlerts(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("load alerts failed")
		return nil
	}
	return alerts
}

func (b *Background) runOnce(ctx context.Context) (RunReport, error) {
	s, err := b.loadConfig(ctx)
	if err != nil {
		return RunReport{}, fmt.Errorf("load settings: %w", err)
	}
	b.mu.Lock()
	b.settings = s
	b.mu.Unlock()

	if !s.BackgroundEnabled {
		b.logger.Info().Msg("background refresh disabled, nothing to do")
		return RunReport{Outcome: OutcomeDisabled}, nil
	}

	if b.locker != nil {
		unlock, acquired, err := b.locker.TryAdvisoryLock(ctx, b.opts.LockKey)
		if err != nil {
			return RunReport{}, fmt.Errorf("advisory lock: %w", err)
		}
		if !acquired {
			b.logger.Info().Int64("lock_key", b.opts.LockKey).Msg("another context holds the lock, skipping")
			return RunReport{Outcome: OutcomeLocked}, nil
		}
		defer unlock()
	}

	p := pipeline.New(b.repo, b.logger, b.metrics)

	ticks, err := b.newFetcher(s).FetchOnce(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Int("ticks", len(ticks)).Msg("background fetch failed")
	}

	report := RunReport{Outcome: OutcomeNoData, Ticks: len(ticks)}
	if len(ticks) > 0 {
		res := p.Process(ctx, s, ticks)
		report.Outcome = OutcomeProcessed
		report.Alerts = res.Alerts

		b.mu.Lock()
		b.quotes = p.Quotes()
		b.mu.Unlock()
	}
	if err := p.Prune(ctx, s, b.now()); err != nil {
		b.logger.Warn().Err(err).Msg("background prune failed")
	}

	switch {
	case len(report.Alerts) == 0:
	case s.BackgroundNotify:
		report.Delivered = b.dispatcher.Dispatch(ctx, s, report.Alerts)
	default:
		b.logger.Info().Int("alerts", len(report.Alerts)).Msg("background notifications disabled, alerts recorded only")
	}

	b.logger.Info().
		Str("outcome", string(report.Outcome)).
		Int("ticks", report.Ticks).
		Int("alerts", len(report.Alerts)).
		Int("delivered", report.Delivered).
		Msg("background run complete")
	return report, nil
}
