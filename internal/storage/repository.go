package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"spikewatch/internal/market"
	"spikewatch/internal/settings"
)

// Persisted keys. Each is written as one whole JSON value.
const (
	KeySettings    = "settings"
	KeyHistory     = "price_history"
	KeyAlerts      = "alerts"
	KeyLastAlertAt = "last_alert_at"
)

// Repository provides typed access to the persisted alert engine state.
type Repository struct {
	kv     KV
	logger zerolog.Logger
}

// NewRepository wraps a KV backend.
func NewRepository(kv KV, logger zerolog.Logger) *Repository {
	return &Repository{kv: kv, logger: logger.With().Str("component", "repository").Logger()}
}

// KV exposes the underlying backend.
func (r *Repository) KV() KV {
	return r.kv
}

// load decodes key into dst. Missing and unparsable values leave dst untouched
// and are reported as (false, nil); only backend read errors are returned.
func (r *Repository) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("stored value unparsable, using default")
		return false, nil
	}
	return true, nil
}

func (r *Repository) save(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.kv.Set(ctx, key, raw)
}

// LoadSettings returns the persisted settings snapshot. ok is false when nothing
// usable is stored.
func (r *Repository) LoadSettings(ctx context.Context) (settings.Settings, bool, error) {
	var s settings.Settings
	ok, err := r.load(ctx, KeySettings, &s)
	if err != nil || !ok {
		return settings.Settings{}, false, err
	}
	return s.Normalize(), true, nil
}

// SaveSettings persists the settings snapshot.
func (r *Repository) SaveSettings(ctx context.Context, s settings.Settings) error {
	return r.save(ctx, KeySettings, s)
}

// LoadHistory returns the persisted windowed history, empty when absent.
func (r *Repository) LoadHistory(ctx context.Context) (market.History, error) {
	h := market.History{}
	if _, err := r.load(ctx, KeyHistory, &h); err != nil {
		return market.History{}, err
	}
	if h == nil {
		h = market.History{}
	}
	return h, nil
}

// SaveHistory persists the whole history map.
func (r *Repository) SaveHistory(ctx context.Context, h market.History) error {
	return r.save(ctx, KeyHistory, h)
}

// LoadAlerts returns the persisted alert list, most recent first.
func (r *Repository) LoadAlerts(ctx context.Context) ([]market.AlertEvent, error) {
	var alerts []market.AlertEvent
	if _, err := r.load(ctx, KeyAlerts, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// SaveAlerts persists the whole alert list.
func (r *Repository) SaveAlerts(ctx context.Context, alerts []market.AlertEvent) error {
	if alerts == nil {
		alerts = []market.AlertEvent{}
	}
	return r.save(ctx, KeyAlerts, alerts)
}

// LoadLastAlertAt returns the per-symbol cooldown anchors.
func (r *Repository) LoadLastAlertAt(ctx context.Context) (market.LastAlertAt, error) {
	last := market.LastAlertAt{}
	if _, err := r.load(ctx, KeyLastAlertAt, &last); err != nil {
		return market.LastAlertAt{}, err
	}
	if last == nil {
		last = market.LastAlertAt{}
	}
	return last, nil
}

// SaveLastAlertAt persists the cooldown anchors.
func (r *Repository) SaveLastAlertAt(ctx context.Context, last market.LastAlertAt) error {
	return r.save(ctx, KeyLastAlertAt, last)
}

// State is the full persisted working set of the alert engine.
type State struct {
	History     market.History
	Alerts      []market.AlertEvent
	LastAlertAt market.LastAlertAt
}

// LoadState reads history, alerts and cooldown anchors. A failing read degrades
// to the empty value for that key and is logged.
func (r *Repository) LoadState(ctx context.Context) State {
	st := State{History: market.History{}, LastAlertAt: market.LastAlertAt{}}

	if h, err := r.LoadHistory(ctx); err != nil {
		r.logger.Warn().Err(err).Str("key", KeyHistory).Msg("load failed, starting empty")
	} else {
		st.History = h
	}
	if a, err := r.LoadAlerts(ctx); err != nil {
		r.logger.Warn().Err(err).Str("key", KeyAlerts).Msg("load failed, starting empty")
	} else {
		st.Alerts = a
	}
	if l, err := r.LoadLastAlertAt(ctx); err != nil {
		r.logger.Warn().Err(err).Str("key", KeyLastAlertAt).Msg("load failed, starting empty")
	} else {
		st.LastAlertAt = l
	}
	return st
}
