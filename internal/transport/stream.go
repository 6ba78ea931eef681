package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spikewatch/internal/market"
)

var errPongTimeout = errors.New("keepalive pong timeout")

// StreamOptions parameterise the streaming transport.
type StreamOptions struct {
	URL              string
	TopicPrefix      string
	Symbols          []string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
}

// Stream keeps one websocket connection open and forwards ticker pushes.
//
// Lifecycle: Disconnected -> Connecting -> Connected, and Reconnecting after
// any failure until ctx is cancelled. Subscriptions are re-issued after every
// open.
type Stream struct {
	opts   StreamOptions
	logger zerolog.Logger
	dialer *websocket.Dialer
	now    func() time.Time

	mu       sync.Mutex
	state    State
	watchers []StateFunc
}

// NewStream constructs a streaming transport.
func NewStream(opts StreamOptions, logger zerolog.Logger) *Stream {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Stream{
		opts:   opts,
		logger: logger.With().Str("component", "transport_stream").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		now:    time.Now,
	}
}

// OnStateChange registers a transition observer. Call before Run.
func (s *Stream) OnStateChange(fn StateFunc) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode reports ModeStreaming.
func (s *Stream) Mode() string { return ModeStreaming }

func (s *Stream) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	watchers := append([]StateFunc(nil), s.watchers...)
	s.mu.Unlock()

	if prev == next {
		return
	}
	s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("connection state changed")
	for _, fn := range watchers {
		fn(prev, next)
	}
}

// Run connects and reconnects until ctx is cancelled. Cancelling ctx stops the
// pending reconnect timer, the keepalive timers and closes the connection.
func (s *Stream) Run(ctx context.Context, sink Sink) error {
	backoff := NewBackoff(s.opts.BaseDelay, s.opts.MaxDelay)
	s.setState(StateConnecting)
	defer s.setState(StateDisconnected)

	for {
		err := s.session(ctx, sink, &backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		backoff.Failure()
		delay := backoff.Delay()
		s.setState(StateReconnecting)
		s.logger.Warn().Err(err).Int("attempt", backoff.Attempt()).Dur("retry_in", delay).Msg("stream disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.setState(StateConnecting)
	}
}

type inbound struct {
	data []byte
	err  error
}

func (s *Stream) session(ctx context.Context, sink Sink, backoff *Backoff) error {
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	for _, sym := range s.opts.Symbols {
		if err := conn.WriteJSON(subscribeRequest(s.opts.TopicPrefix + market.NormalizeSymbol(sym))); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}

	backoff.Reset()
	s.setState(StateConnected)
	s.logger.Info().Str("url", s.opts.URL).Int("symbols", len(s.opts.Symbols)).Msg("stream connected")

	done := make(chan struct{})
	defer close(done)
	frames := make(chan inbound, 64)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case frames <- inbound{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	// pongTimer is armed while a ping is outstanding.
	var pongTimer *time.Timer
	var pongC <-chan time.Time
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()

		case <-ping.C:
			if pongC != nil {
				continue
			}
			if err := conn.WriteJSON(pingRequest()); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			pongTimer = time.NewTimer(s.opts.PongTimeout)
			pongC = pongTimer.C

		case <-pongC:
			return errPongTimeout

		case msg := <-frames:
			if msg.err != nil {
				return fmt.Errorf("read: %w", msg.err)
			}
			kind, ticks, err := parseFrame(msg.data, s.opts.TopicPrefix, s.now())
			if err != nil {
				s.logger.Debug().Err(err).Msg("dropping malformed frame")
				continue
			}
			switch kind {
			case framePong:
				if pongTimer != nil {
					pongTimer.Stop()
				}
				pongTimer, pongC = nil, nil
			case frameData:
				if len(ticks) > 0 {
					sink(ctx, ticks)
				}
			}
		}
	}
}

var _ Source = (*Stream)(nil)
