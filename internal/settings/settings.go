package settings

import (
	"sort"
	"time"

	"spikewatch/internal/market"
)

// Defaults applied by Normalize when a value is missing or out of range.
const (
	DefaultThresholdPct    = 5.0
	DefaultWindowMinutes   = 5
	DefaultCooldownMinutes = 10
	DefaultRetentionDays   = 7
	DefaultMaxAlerts       = 200
	DefaultPollIntervalSec = 30

	maxWindowMinutes   = 24 * 60
	maxCooldownMinutes = 7 * 24 * 60
	minPollIntervalSec = 1
)

// Settings is the process-wide configuration consumed by the core. It is loaded once
// per execution context and treated as read-only.
type Settings struct {
	Symbols           []string                `json:"symbols"`
	ThresholdPct      float64                 `json:"threshold_pct"`
	WindowMinutes     int                     `json:"window_minutes"`
	CooldownMinutes   int                     `json:"cooldown_minutes"`
	RetentionDays     int                     `json:"retention_days"`
	MaxAlerts         int                     `json:"max_alerts"`
	PollIntervalSec   int                     `json:"poll_interval_sec"`
	UseStreaming      bool                    `json:"use_streaming"`
	TrackAllSymbols   bool                    `json:"track_all_symbols"`
	QuietHours        QuietHours              `json:"quiet_hours"`
	SymbolRules       map[string]RuleOverride `json:"symbol_rules,omitempty"`
	BackgroundEnabled bool                    `json:"background_enabled"`
	BackgroundNotify  bool                    `json:"background_notify"`
	SoundEnabled      bool                    `json:"sound_enabled"`
}

// RuleOverride is a partial per-symbol override; nil fields fall back to globals.
type RuleOverride struct {
	ThresholdPct    *float64 `json:"threshold_pct,omitempty"`
	WindowMinutes   *int     `json:"window_minutes,omitempty"`
	CooldownMinutes *int     `json:"cooldown_minutes,omitempty"`
}

// Rule is the effective detection rule for one symbol.
type Rule struct {
	ThresholdPct float64
	Window       time.Duration
	Cooldown     time.Duration
}

// RuleFor resolves the effective rule for symbol.
func (s Settings) RuleFor(symbol string) Rule {
	threshold := s.ThresholdPct
	window := s.WindowMinutes
	cooldown := s.CooldownMinutes

	if o, ok := s.SymbolRules[market.NormalizeSymbol(symbol)]; ok {
		if o.ThresholdPct != nil {
			threshold = *o.ThresholdPct
		}
		if o.WindowMinutes != nil {
			window = *o.WindowMinutes
		}
		if o.CooldownMinutes != nil {
			cooldown = *o.CooldownMinutes
		}
	}

	return Rule{
		ThresholdPct: threshold,
		Window:       time.Duration(window) * time.Minute,
		Cooldown:     time.Duration(cooldown) * time.Minute,
	}
}

// Tracks reports whether ticks for symbol should enter the pipeline.
func (s Settings) Tracks(symbol string) bool {
	if s.TrackAllSymbols {
		return true
	}
	symbol = market.NormalizeSymbol(symbol)
	for _, sym := range s.Symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}

// PollInterval returns the polling cadence as a duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

// Streaming reports whether the streaming transport is selected.
func (s Settings) Streaming() bool {
	return s.UseStreaming && !s.TrackAllSymbols
}

// Normalize clamps invalid values to defaults and enforces the mode invariant
// (tracking every symbol is incompatible with streaming).
func (s Settings) Normalize() Settings {
	out := s

	seen := make(map[string]struct{}, len(s.Symbols))
	out.Symbols = make([]string, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		sym = market.NormalizeSymbol(sym)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out.Symbols = append(out.Symbols, sym)
	}
	sort.Strings(out.Symbols)

	if !(out.ThresholdPct > 0) {
		out.ThresholdPct = DefaultThresholdPct
	}
	out.WindowMinutes = clampInt(out.WindowMinutes, 1, maxWindowMinutes, DefaultWindowMinutes)
	if out.CooldownMinutes < 0 || out.CooldownMinutes > maxCooldownMinutes {
		out.CooldownMinutes = DefaultCooldownMinutes
	}
	if out.RetentionDays <= 0 {
		out.RetentionDays = DefaultRetentionDays
	}
	if out.MaxAlerts <= 0 {
		out.MaxAlerts = DefaultMaxAlerts
	}
	if out.PollIntervalSec < minPollIntervalSec {
		out.PollIntervalSec = DefaultPollIntervalSec
	}
	if out.TrackAllSymbols {
		out.UseStreaming = false
	}

	out.QuietHours = out.QuietHours.normalize()

	if len(s.SymbolRules) > 0 {
		out.SymbolRules = make(map[string]RuleOverride, len(s.SymbolRules))
		for sym, o := range s.SymbolRules {
			sym = market.NormalizeSymbol(sym)
			if sym == "" {
				continue
			}
			out.SymbolRules[sym] = o.normalize()
		}
	}

	return out
}

func (o RuleOverride) normalize() RuleOverride {
	out := RuleOverride{}
	if o.ThresholdPct != nil && *o.ThresholdPct > 0 {
		v := *o.ThresholdPct
		out.ThresholdPct = &v
	}
	if o.WindowMinutes != nil && *o.WindowMinutes >= 1 && *o.WindowMinutes <= maxWindowMinutes {
		v := *o.WindowMinutes
		out.WindowMinutes = &v
	}
	if o.CooldownMinutes != nil && *o.CooldownMinutes >= 0 && *o.CooldownMinutes <= maxCooldownMinutes {
		v := *o.CooldownMinutes
		out.CooldownMinutes = &v
	}
	return out
}

func clampInt(v, lo, hi, def int) int {
	if v < lo || v > hi {
		return def
	}
	return v
}
