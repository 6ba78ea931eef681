package market

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Tick is a single (symbol, price, timestamp) observation from a price source.
type Tick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
	Source    string
}

// Valid reports whether the tick carries a usable symbol and positive finite price.
func (t Tick) Valid() bool {
	if strings.TrimSpace(t.Symbol) == "" {
		return false
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return false
	}
	return t.Price > 0
}

// PricePoint is an immutable entry in a symbol's windowed history.
type PricePoint struct {
	Timestamp int64   `json:"t"`
	Price     float64 `json:"p"`
}

// History maps a symbol to its ascending sequence of price points.
type History map[string][]PricePoint

// Clone returns a deep copy so persisted snapshots never alias resident state.
func (h History) Clone() History {
	out := make(History, len(h))
	for sym, points := range h {
		cp := make([]PricePoint, len(points))
		copy(cp, points)
		out[sym] = cp
	}
	return out
}

// LastAlertAt records the last alert timestamp (unix ms) per symbol.
type LastAlertAt map[string]int64

// Clone copies the map.
func (l LastAlertAt) Clone() LastAlertAt {
	out := make(LastAlertAt, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Direction classifies a percentage change.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// Quote is the latest computed view of a symbol. It is never persisted.
type Quote struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	ChangePct   float64   `json:"change_pct"`
	Direction   Direction `json:"direction"`
	LastUpdated time.Time `json:"last_updated"`
}

// AlertEvent is an emitted spike alert. Immutable once created.
type AlertEvent struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	ChangePct float64 `json:"change_pct"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Time converts the event timestamp to time.Time.
func (e AlertEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// AlertID derives the event identifier from symbol and timestamp.
func AlertID(symbol string, ts int64) string {
	return fmt.Sprintf("%s-%d", symbol, ts)
}

// NormalizeSymbol upper-cases and trims a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
