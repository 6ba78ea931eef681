package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/alerting"
	"spikewatch/internal/market"
	"spikewatch/internal/metrics"
	"spikewatch/internal/settings"
)

// Dispatcher pushes emitted alerts to the notifier, once each, unless quiet
// hours are active at dispatch time. Delivery failures are logged only.
type Dispatcher struct {
	notifier alerting.Notifier
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewDispatcher builds a dispatcher. A nil notifier records alerts without pushing.
func NewDispatcher(n alerting.Notifier, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		metrics:  m,
		now:      time.Now,
	}
}

// Dispatch returns the number of alerts handed to the notifier successfully.
func (d *Dispatcher) Dispatch(ctx context.Context, s settings.Settings, alerts []market.AlertEvent) int {
	if len(alerts) == 0 {
		return 0
	}
	if d.notifier == nil {
		return 0
	}
	if s.QuietHours.ActiveAt(d.now()) {
		for range alerts {
			d.metrics.NotifySkip("quiet_hours")
		}
		d.logger.Info().Int("alerts", len(alerts)).Msg("quiet hours active, notifications suppressed")
		return 0
	}

	delivered := 0
	for _, ev := range alerts {
		if err := d.notifier.Deliver(ctx, alerting.Render(ev, s.SoundEnabled)); err != nil {
			d.metrics.NotifyError()
			d.logger.Error().Err(err).Str("alert_id", ev.ID).Msg("notification delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}
