// Package spike holds the windowed history, change detection and alert gating
// logic shared by every execution context.
package spike

import (
	"sort"
	"time"

	"spikewatch/internal/market"
	"spikewatch/internal/settings"
)

// Append inserts point into symbol's history keeping ascending timestamp order.
// Out-of-order or duplicate timestamps are placed after any equal timestamps.
func Append(h market.History, symbol string, point market.PricePoint) {
	points := h[symbol]
	n := len(points)
	if n == 0 || points[n-1].Timestamp <= point.Timestamp {
		h[symbol] = append(points, point)
		return
	}

	idx := sort.Search(n, func(i int) bool { return points[i].Timestamp > point.Timestamp })
	points = append(points, market.PricePoint{})
	copy(points[idx+1:], points[idx:])
	points[idx] = point
	h[symbol] = points
}

// Prune removes every point of symbol older than now-window. Symbols left
// without points are deleted from the map.
func Prune(h market.History, symbol string, now time.Time, window time.Duration) {
	points, ok := h[symbol]
	if !ok {
		return
	}
	cutoff := now.Add(-window).UnixMilli()

	idx := sort.Search(len(points), func(i int) bool { return points[i].Timestamp >= cutoff })
	if idx == 0 {
		return
	}
	if idx >= len(points) {
		delete(h, symbol)
		return
	}

	kept := make([]market.PricePoint, len(points)-idx)
	copy(kept, points[idx:])
	h[symbol] = kept
}

// PruneAll prunes every symbol with its effective window so that symbols without
// fresh ticks still age out.
func PruneAll(h market.History, s settings.Settings, now time.Time) {
	for symbol := range h {
		Prune(h, symbol, now, s.RuleFor(symbol).Window)
	}
}
