package spike

import (
	"math"

	"spikewatch/internal/market"
)

// flatBand is the absolute change (in percent) under which a move counts as flat.
const flatBand = 0.01

// Change is the result of comparing the latest price against the window baseline.
type Change struct {
	ChangePct float64
	Direction market.Direction
	Baseline  float64
}

// Compute measures latest against the oldest retained point. Empty history uses
// latest as its own baseline and yields zero change.
func Compute(points []market.PricePoint, latest float64) Change {
	baseline := latest
	if len(points) > 0 {
		baseline = points[0].Price
	}

	pct := 0.0
	if baseline != 0 {
		pct = (latest - baseline) / baseline * 100
	}

	return Change{
		ChangePct: pct,
		Direction: Classify(pct),
		Baseline:  baseline,
	}
}

// Classify maps a percentage change to a direction.
func Classify(pct float64) market.Direction {
	switch {
	case math.Abs(pct) < flatBand:
		return market.DirectionFlat
	case pct > 0:
		return market.DirectionUp
	default:
		return market.DirectionDown
	}
}
