package transport

import (
	"github.com/rs/zerolog"

	"spikewatch/internal/settings"
)

// Options bundles the per-mode transport options. Symbols and intervals are taken
// from the settings passed to Select.
type Options struct {
	Stream StreamOptions
	REST   RESTOptions
}

// Select builds the transport the settings call for. Tracking every symbol always
// selects polling; the stream subscribes per symbol and cannot cover "all".
func Select(s settings.Settings, opts Options, onState StateFunc, logger zerolog.Logger) Source {
	if s.Streaming() {
		so := opts.Stream
		so.Symbols = append([]string(nil), s.Symbols...)
		stream := NewStream(so, logger)
		if onState != nil {
			stream.OnStateChange(onState)
		}
		return stream
	}

	poller := NewPoller(NewRESTClient(opts.REST, logger), PollerOptions{
		Interval: s.PollInterval(),
		Symbols:  append([]string(nil), s.Symbols...),
		TrackAll: s.TrackAllSymbols,
	}, logger)
	if onState != nil {
		poller.OnStateChange(onState)
	}
	return poller
}
