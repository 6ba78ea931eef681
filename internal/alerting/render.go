package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spikewatch/internal/market"
)

// Render builds the user-facing notification for event.
func Render(event market.AlertEvent, sound bool) Notification {
	pct := decimal.NewFromFloat(event.ChangePct)
	price := decimal.NewFromFloat(event.Price)

	arrow := "▲"
	sign := "+"
	if pct.IsNegative() {
		arrow = "▼"
		sign = ""
	}

	title := fmt.Sprintf("%s %s %s%s%%", arrow, event.Symbol, sign, pct.StringFixed(2))

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Price: %s\n", formatPrice(price)))
	builder.WriteString(fmt.Sprintf("Change: %s%s%%\n", sign, pct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Time: %s UTC", event.Time().UTC().Format(time.RFC3339)))

	return Notification{
		Title: title,
		Body:  builder.String(),
		Sound: sound,
		Event: event,
	}
}

// formatPrice keeps more precision for low-priced symbols.
func formatPrice(p decimal.Decimal) string {
	switch {
	case p.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return p.StringFixed(2)
	case p.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return p.StringFixed(4)
	default:
		return p.StringFixed(8)
	}
}
