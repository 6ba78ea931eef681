package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/market"
	"spikewatch/internal/metrics"
	"spikewatch/internal/pipeline"
	"spikewatch/internal/scheduler"
	"spikewatch/internal/settings"
	"spikewatch/internal/storage"
	"spikewatch/internal/transport"
)

// SourceFactory builds the transport for a settings snapshot.
type SourceFactory func(s settings.Settings, onState transport.StateFunc) transport.Source

// ForegroundOptions tune the long-lived driver.
type ForegroundOptions struct {
	PruneInterval time.Duration
}

// Status is the connection indicator exposed to the outside.
type Status struct {
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	Symbols   []string  `json:"symbols"`
	TrackAll  bool      `json:"track_all_symbols"`
	StartedAt time.Time `json:"started_at"`
}

// Foreground owns the transport lifecycle of the long-lived process and feeds
// every batch through the pipeline, one at a time.
type Foreground struct {
	repo       *storage.Repository
	pipeline   *pipeline.Pipeline
	dispatcher *pipeline.Dispatcher
	newSource  SourceFactory
	metrics    *metrics.Metrics
	opts       ForegroundOptions
	logger     zerolog.Logger

	reconfig chan settings.Settings

	mu        sync.RWMutex
	settings  settings.Settings
	source    transport.Source
	startedAt time.Time
}

// NewForeground wires the foreground driver.
func NewForeground(s settings.Settings, repo *storage.Repository, p *pipeline.Pipeline, d *pipeline.Dispatcher, factory SourceFactory, m *metrics.Metrics, opts ForegroundOptions, logger zerolog.Logger) *Foreground {
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = 30 * time.Second
	}
	return &Foreground{
		repo:       repo,
		pipeline:   p,
		dispatcher: d,
		newSource:  factory,
		metrics:    m,
		opts:       opts,
		logger:     logger.With().Str("component", "foreground").Logger(),
		reconfig:   make(chan settings.Settings, 1),
		settings:   s,
	}
}

// Reconfigure replaces the settings. The running session is torn down and a new
// transport is opened; subscriptions are never patched in place. Only the most
// recent pending configuration is kept.
func (f *Foreground) Reconfigure(s settings.Settings) {
	for {
		select {
		case f.reconfig <- s:
			return
		default:
		}
		select {
		case <-f.reconfig:
		default:
		}
	}
}

// Run blocks until ctx is cancelled.
func (f *Foreground) Run(ctx context.Context) error {
	for {
		s := f.Settings()
		f.saveSnapshot(ctx, s)

		sessCtx, cancel := context.WithCancel(ctx)
		wg := f.startSession(sessCtx, s)

		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			f.logger.Info().Msg("foreground stopped")
			return nil
		case next := <-f.reconfig:
			cancel()
			wg.Wait()
			f.pipeline.Invalidate()
			f.mu.Lock()
			f.settings = next
			f.mu.Unlock()
			f.logger.Info().
				Strs("symbols", next.Symbols).
				Bool("streaming", next.Streaming()).
				Msg("configuration changed, reconnecting")
		}
	}
}

func (f *Foreground) startSession(ctx context.Context, s settings.Settings) *sync.WaitGroup {
	src := f.newSource(s, f.onState)

	f.mu.Lock()
	f.source = src
	f.startedAt = time.Now().UTC()
	f.mu.Unlock()

	f.logger.Info().
		Str("mode", src.Mode()).
		Strs("symbols", s.Symbols).
		Bool("track_all", s.TrackAllSymbols).
		Msg("starting transport")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := src.Run(ctx, func(ctx context.Context, ticks []market.Tick) {
			f.handle(ctx, s, ticks)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error().Err(err).Msg("transport stopped unexpectedly")
		}
	}()
	go func() {
		defer wg.Done()
		f.runPrune(ctx, s)
	}()
	return &wg
}

func (f *Foreground) handle(ctx context.Context, s settings.Settings, ticks []market.Tick) {
	res := f.pipeline.Process(ctx, s, ticks)
	if len(res.Alerts) > 0 {
		f.dispatcher.Dispatch(ctx, s, res.Alerts)
	}
}

func (f *Foreground) runPrune(ctx context.Context, s settings.Settings) {
	sched, err := scheduler.New(scheduler.Options{Name: "prune_scheduler", Interval: f.opts.PruneInterval}, f.logger)
	if err != nil {
		f.logger.Error().Err(err).Msg("prune scheduler disabled")
		return
	}
	_ = sched.Run(ctx, func(ctx context.Context, at time.Time) error {
		return f.pipeline.Prune(ctx, s, at)
	})
}

func (f *Foreground) onState(_, to transport.State) {
	f.metrics.SetConnectionState(int(to))
	if to == transport.StateReconnecting {
		f.metrics.Reconnect()
	}
}

func (f *Foreground) saveSnapshot(ctx context.Context, s settings.Settings) {
	if f.repo == nil {
		return
	}
	if err := f.repo.SaveSettings(ctx, s); err != nil {
		f.metrics.StoreError(storage.KeySettings)
		f.logger.Warn().Err(err).Msg("failed to persist settings snapshot")
	}
}

// Settings returns the active settings.
func (f *Foreground) Settings() settings.Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings
}

// Status reports the transport mode and connection state.
func (f *Foreground) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st := Status{
		Mode:      transport.ModePolling,
		State:     transport.StateDisconnected.String(),
		Symbols:   append([]string(nil), f.settings.Symbols...),
		TrackAll:  f.settings.TrackAllSymbols,
		StartedAt: f.startedAt,
	}
	if f.settings.Streaming() {
		st.Mode = transport.ModeStreaming
	}
	if f.source != nil {
		st.Mode = f.source.Mode()
		st.State = f.source.State().String()
	}
	return st
}

// Quotes returns the latest in-memory quote views.
func (f *Foreground) Quotes() []market.Quote {
	return f.pipeline.Quotes()
}

// Alerts returns the recorded alerts, most recent first.
func (f *Foreground) Alerts(ctx context.Context) []market.AlertEvent {
	return f.pipeline.Alerts(ctx)
}
