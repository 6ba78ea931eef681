package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/market"
	"spikewatch/internal/scheduler"
)

// PollerOptions parameterise the polling transport.
type PollerOptions struct {
	Interval time.Duration
	Symbols  []string
	TrackAll bool
}

// Poller pulls tickers on a fixed interval. A failed fetch yields no ticks for
// that cycle; it never stops the loop.
type Poller struct {
	client *RESTClient
	opts   PollerOptions
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	watchers []StateFunc
}

// NewPoller constructs a polling transport.
func NewPoller(client *RESTClient, opts PollerOptions, logger zerolog.Logger) *Poller {
	return &Poller{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "transport_poller").Logger(),
	}
}

// OnStateChange registers a transition observer. Call before Run.
func (p *Poller) OnStateChange(fn StateFunc) {
	p.mu.Lock()
	p.watchers = append(p.watchers, fn)
	p.mu.Unlock()
}

// State returns Connected after a successful fetch and Reconnecting after a failed one.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mode reports ModePolling.
func (p *Poller) Mode() string { return ModePolling }

func (p *Poller) setState(next State) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	watchers := append([]StateFunc(nil), p.watchers...)
	p.mu.Unlock()
	if prev == next {
		return
	}
	for _, fn := range watchers {
		fn(prev, next)
	}
}

// FetchOnce performs one poll. When tracking every symbol the bulk snapshot is
// used; otherwise each symbol is fetched on its own and individual failures are
// joined into the returned error alongside whatever ticks did arrive.
func (p *Poller) FetchOnce(ctx context.Context) ([]market.Tick, error) {
	if p.opts.TrackAll {
		return p.client.Snapshot(ctx)
	}

	var (
		ticks []market.Tick
		errs  []error
	)
	for _, sym := range p.opts.Symbols {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		t, err := p.client.Ticker(ctx, sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, errors.Join(errs...)
}

// Run polls immediately and then on every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, sink Sink) error {
	sched, err := scheduler.New(scheduler.Options{
		Name:      "poll_scheduler",
		Interval:  p.opts.Interval,
		Immediate: true,
	}, p.logger)
	if err != nil {
		return err
	}

	p.setState(StateConnecting)
	defer p.setState(StateDisconnected)

	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		ticks, err := p.FetchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn().Err(err).Int("ticks", len(ticks)).Msg("poll failed")
		}
		if len(ticks) > 0 || err == nil {
			p.setState(StateConnected)
		} else {
			p.setState(StateReconnecting)
		}
		if len(ticks) > 0 {
			sink(ctx, ticks)
		}
		return nil
	})
}

var _ Source = (*Poller)(nil)
