package storage

import (
	"time"

	"spikewatch/internal/market"
)

const day = 24 * time.Hour

// AppendAlert prepends event, drops alerts older than retentionDays and caps the
// list at maxAlerts. The returned slice is most-recent-first and never aliases list.
func AppendAlert(list []market.AlertEvent, event market.AlertEvent, now time.Time, retentionDays, maxAlerts int) []market.AlertEvent {
	out := make([]market.AlertEvent, 0, len(list)+1)
	out = append(out, event)
	out = append(out, list...)
	return PruneAlerts(out, now, retentionDays, maxAlerts)
}

// PruneAlerts applies the retention then count policy without adding anything.
func PruneAlerts(list []market.AlertEvent, now time.Time, retentionDays, maxAlerts int) []market.AlertEvent {
	cutoff := now.Add(-time.Duration(retentionDays) * day).UnixMilli()
	out := make([]market.AlertEvent, 0, len(list))
	for _, ev := range list {
		if retentionDays > 0 && ev.Timestamp < cutoff {
			continue
		}
		out = append(out, ev)
	}
	if maxAlerts > 0 && len(out) > maxAlerts {
		out = out[:maxAlerts]
	}
	return out
}

// PruneHistoryRetention drops history points older than retentionDays. Symbols
// left without points are removed.
func PruneHistoryRetention(h market.History, now time.Time, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	cutoff := now.Add(-time.Duration(retentionDays) * day).UnixMilli()
	for sym, points := range h {
		i := 0
		for i < len(points) && points[i].Timestamp < cutoff {
			i++
		}
		if i == len(points) {
			delete(h, sym)
			continue
		}
		if i > 0 {
			h[sym] = append([]market.PricePoint(nil), points[i:]...)
		}
	}
}
