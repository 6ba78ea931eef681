package spike

import (
	"math"
	"time"

	"spikewatch/internal/market"
	"spikewatch/internal/settings"
)

// Decision is the outcome of evaluating one change against the gate.
type Decision string

const (
	DecisionFired          Decision = "fired"
	DecisionBelowThreshold Decision = "below_threshold"
	DecisionCooling        Decision = "cooling"
)

// Gate decides whether a detected change becomes a new alert. Cooldown state is
// derived from LastAlertAt only; nothing else is tracked between calls.
type Gate struct {
	settings settings.Settings
}

// NewGate binds the gate to a settings snapshot.
func NewGate(s settings.Settings) Gate {
	return Gate{settings: s}
}

// Evaluate applies threshold and cooldown rules for symbol at now. When the
// decision is DecisionFired the returned event is populated and last is updated.
func (g Gate) Evaluate(symbol string, change Change, price float64, now time.Time, last market.LastAlertAt) (market.AlertEvent, Decision) {
	rule := g.settings.RuleFor(symbol)

	if math.Abs(change.ChangePct) < rule.ThresholdPct {
		return market.AlertEvent{}, DecisionBelowThreshold
	}

	nowMs := now.UnixMilli()
	// At most one alert per symbol per millisecond, so AlertID stays unique
	// even with a zero cooldown.
	cooldown := rule.Cooldown.Milliseconds()
	if cooldown < 1 {
		cooldown = 1
	}
	if prev, ok := last[symbol]; ok && nowMs-prev < cooldown {
		return market.AlertEvent{}, DecisionCooling
	}

	event := market.AlertEvent{
		ID:        market.AlertID(symbol, nowMs),
		Symbol:    symbol,
		ChangePct: change.ChangePct,
		Price:     price,
		Timestamp: nowMs,
	}
	last[symbol] = nowMs
	return event, DecisionFired
}

// CoolingUntil reports when symbol leaves cooldown, or the zero time if it is idle.
func (g Gate) CoolingUntil(symbol string, now time.Time, last market.LastAlertAt) time.Time {
	prev, ok := last[symbol]
	if !ok {
		return time.Time{}
	}
	until := time.UnixMilli(prev).Add(g.settings.RuleFor(symbol).Cooldown)
	if !until.After(now) {
		return time.Time{}
	}
	return until
}
