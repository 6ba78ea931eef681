package transport

import (
	"context"

	"spikewatch/internal/market"
)

// State is the connection state reported to the status indicator.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Sink receives each batch of ticks. Batches are delivered sequentially.
type Sink func(ctx context.Context, ticks []market.Tick)

// StateFunc observes state transitions.
type StateFunc func(from, to State)

// Source is a uniform tick producer, streaming or polling.
type Source interface {
	// Run blocks until ctx is cancelled. Transport failures are retried, never returned.
	Run(ctx context.Context, sink Sink) error
	State() State
	Mode() string
}

const (
	ModeStreaming = "streaming"
	ModePolling   = "polling"
)
