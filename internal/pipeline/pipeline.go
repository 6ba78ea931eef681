// Package pipeline runs the window, detector, gate and store stages for a batch of
// ticks. Every execution context drives the same Pipeline.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/market"
	"spikewatch/internal/metrics"
	"spikewatch/internal/settings"
	"spikewatch/internal/spike"
	"spikewatch/internal/storage"
)

// Result summarises one processed batch.
type Result struct {
	Alerts     []market.AlertEvent
	Quotes     []market.Quote
	Accepted   int
	Suppressed map[spike.Decision]int
	// PersistErr is the first failed write of the cycle. The failed keys keep
	// their in-memory value until a later cycle writes them successfully.
	PersistErr error
}

// Pipeline holds a working copy of the persisted state for one execution
// context. Storage stays authoritative: every cycle starts from a fresh read.
// Calls are serialised.
type Pipeline struct {
	repo    *storage.Repository
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	resident bool
	state    storage.State
	// unsaved marks keys whose last write failed; their resident value is kept
	// until a write succeeds.
	unsaved map[string]bool
	quotes  map[string]market.Quote
}

// New binds a pipeline to its repository. m may be nil.
func New(repo *storage.Repository, logger zerolog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		repo:    repo,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		metrics: m,
		unsaved: make(map[string]bool),
		quotes:  make(map[string]market.Quote),
	}
}

// Invalidate drops the resident state so the next cycle reloads from storage.
func (p *Pipeline) Invalidate() {
	p.mu.Lock()
	p.resident = false
	p.state = storage.State{}
	p.unsaved = make(map[string]bool)
	p.quotes = make(map[string]market.Quote)
	p.mu.Unlock()
}

// refresh re-reads the persisted state at the start of every cycle, so writes
// made by another execution context are seen. A key keeps its resident value
// when its read fails or this pipeline's last write of it failed.
func (p *Pipeline) refresh(ctx context.Context) {
	if !p.resident {
		p.state = p.repo.LoadState(ctx)
		p.resident = true
		return
	}

	if !p.unsaved[storage.KeyHistory] {
		if h, err := p.repo.LoadHistory(ctx); err != nil {
			p.logger.Warn().Err(err).Str("key", storage.KeyHistory).Msg("reload failed, using resident copy")
		} else {
			p.state.History = h
		}
	}
	if !p.unsaved[storage.KeyAlerts] {
		if a, err := p.repo.LoadAlerts(ctx); err != nil {
			p.logger.Warn().Err(err).Str("key", storage.KeyAlerts).Msg("reload failed, using resident copy")
		} else {
			p.state.Alerts = a
		}
	}
	if !p.unsaved[storage.KeyLastAlertAt] {
		if l, err := p.repo.LoadLastAlertAt(ctx); err != nil {
			p.logger.Warn().Err(err).Str("key", storage.KeyLastAlertAt).Msg("reload failed, using resident copy")
		} else {
			p.state.LastAlertAt = l
		}
	}
}

// written records the outcome of a write to key and returns err.
func (p *Pipeline) written(key string, err error) error {
	p.unsaved[key] = err != nil
	if err != nil {
		p.metrics.StoreError(key)
	}
	return err
}

// Process runs one batch through the pipeline and persists the outcome in the
// order price_history, last_alert_at, alerts. Untracked and invalid ticks are
// ignored. Each tick's own timestamp is the clock for pruning and gating.
func (p *Pipeline) Process(ctx context.Context, s settings.Settings, ticks []market.Tick) Result {
	started := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refresh(ctx)

	history := p.state.History.Clone()
	last := p.state.LastAlertAt.Clone()
	alerts := p.state.Alerts
	gate := spike.NewGate(s)

	res := Result{Suppressed: make(map[spike.Decision]int)}
	touched := make(map[string]struct{})

	for _, tick := range ticks {
		symbol := market.NormalizeSymbol(tick.Symbol)
		if !tick.Valid() || !s.Tracks(symbol) {
			continue
		}
		res.Accepted++
		p.metrics.ObserveTicks(tick.Source, 1)

		rule := s.RuleFor(symbol)
		spike.Append(history, symbol, market.PricePoint{Timestamp: tick.Timestamp.UnixMilli(), Price: tick.Price})
		spike.Prune(history, symbol, tick.Timestamp, rule.Window)

		change := spike.Compute(history[symbol], tick.Price)
		p.quotes[symbol] = market.Quote{
			Symbol:      symbol,
			Price:       tick.Price,
			ChangePct:   change.ChangePct,
			Direction:   change.Direction,
			LastUpdated: tick.Timestamp,
		}
		touched[symbol] = struct{}{}

		event, decision := gate.Evaluate(symbol, change, tick.Price, tick.Timestamp, last)
		if decision != spike.DecisionFired {
			res.Suppressed[decision]++
			p.metrics.Suppressed(string(decision))
			continue
		}

		alerts = storage.AppendAlert(alerts, event, tick.Timestamp, s.RetentionDays, s.MaxAlerts)
		res.Alerts = append(res.Alerts, event)
		p.metrics.AlertFired(symbol)
		p.logger.Info().
			Str("symbol", symbol).
			Float64("change_pct", event.ChangePct).
			Float64("price", event.Price).
			Str("alert_id", event.ID).
			Msg("spike alert emitted")
	}

	if res.Accepted > 0 {
		res.PersistErr = p.persist(ctx, history, last, alerts, len(res.Alerts) > 0)
	}

	p.state = storage.State{History: history, Alerts: alerts, LastAlertAt: last}
	res.Quotes = p.quotesFor(touched)
	p.metrics.ObserveCycle(time.Since(started))
	return res
}

// persist writes whole snapshots. last_alert_at goes before alerts so an
// interrupted cycle can lose an alert record but never re-fire it.
func (p *Pipeline) persist(ctx context.Context, history market.History, last market.LastAlertAt, alerts []market.AlertEvent, fired bool) error {
	var first error
	record := func(key string, err error) {
		if p.written(key, err) == nil {
			return
		}
		p.logger.Error().Err(err).Str("key", key).Msg("persist failed")
		if first == nil {
			first = err
		}
	}

	record(storage.KeyHistory, p.repo.SaveHistory(ctx, history))
	if fired {
		record(storage.KeyLastAlertAt, p.repo.SaveLastAlertAt(ctx, last))
		record(storage.KeyAlerts, p.repo.SaveAlerts(ctx, alerts))
	}
	return first
}

// Prune ages out history for every symbol with its effective window and applies
// alert retention. It runs independently of tick arrival.
func (p *Pipeline) Prune(ctx context.Context, s settings.Settings, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refresh(ctx)

	history := p.state.History.Clone()
	spike.PruneAll(history, s, now)
	storage.PruneHistoryRetention(history, now, s.RetentionDays)
	alerts := storage.PruneAlerts(p.state.Alerts, now, s.RetentionDays, s.MaxAlerts)

	historyChanged := countPoints(history) != countPoints(p.state.History)
	alertsChanged := len(alerts) != len(p.state.Alerts)

	p.state.History = history
	p.state.Alerts = alerts

	var first error
	if historyChanged {
		if err := p.written(storage.KeyHistory, p.repo.SaveHistory(ctx, history)); err != nil {
			first = err
		}
	}
	if alertsChanged {
		if err := p.written(storage.KeyAlerts, p.repo.SaveAlerts(ctx, alerts)); err != nil {
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		p.logger.Error().Err(first).Msg("prune persist failed")
	}
	return first
}

// Quotes returns the latest quote per symbol, sorted by symbol.
func (p *Pipeline) Quotes() []market.Quote {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quotesFor(nil)
}

// Alerts returns the stored alert list, most recent first.
func (p *Pipeline) Alerts(ctx context.Context) []market.AlertEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh(ctx)
	out := make([]market.AlertEvent, len(p.state.Alerts))
	copy(out, p.state.Alerts)
	return out
}

// quotesFor returns quotes for only the given symbols, or all when only is nil.
func (p *Pipeline) quotesFor(only map[string]struct{}) []market.Quote {
	out := make([]market.Quote, 0, len(p.quotes))
	for sym, q := range p.quotes {
		if only != nil {
			if _, ok := only[sym]; !ok {
				continue
			}
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func countPoints(h market.History) int {
	n := 0
	for _, points := range h {
		n += len(points)
	}
	return n
}
