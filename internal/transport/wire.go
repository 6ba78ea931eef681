package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spikewatch/internal/market"
)

var errEmptyPayload = errors.New("empty payload")

type frameKind int

const (
	frameUnknown frameKind = iota
	frameData
	framePong
	frameAck
)

// wirePrice is a price that may be quoted, bare, null or an empty string.
type wirePrice struct {
	decimal.NullDecimal
}

func (p *wirePrice) UnmarshalJSON(data []byte) error {
	if s := string(bytes.TrimSpace(data)); s == `""` || s == "null" {
		p.Valid = false
		return nil
	}
	return p.NullDecimal.UnmarshalJSON(data)
}

// wireTicker is one {symbol, lastPrice} entry.
type wireTicker struct {
	Symbol    string    `json:"symbol"`
	LastPrice wirePrice `json:"lastPrice"`
}

type wireFrame struct {
	Op        string          `json:"op"`
	RetMsg    string          `json:"ret_msg"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Symbol    string          `json:"symbol"`
	LastPrice wirePrice       `json:"lastPrice"`
}

type wireEnvelope struct {
	RetCode *int   `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  *struct {
		List []wireTicker `json:"list"`
	} `json:"result"`
}

// parseFrame classifies one inbound stream message and extracts its ticks.
func parseFrame(raw []byte, topicPrefix string, now time.Time) (frameKind, []market.Tick, error) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return frameUnknown, nil, fmt.Errorf("decode frame: %w", err)
	}

	switch {
	case f.Op == "pong" || strings.EqualFold(f.RetMsg, "pong"):
		return framePong, nil, nil
	case f.Op != "":
		return frameAck, nil, nil
	case f.Topic != "" && len(f.Data) > 0:
		fallback := strings.TrimPrefix(f.Topic, topicPrefix)
		entries, err := decodeTickers(f.Data)
		if err != nil {
			return frameUnknown, nil, err
		}
		return frameData, toTicks(entries, fallback, now, ModeStreaming), nil
	case f.Symbol != "":
		return frameData, toTicks([]wireTicker{{Symbol: f.Symbol, LastPrice: f.LastPrice}}, "", now, ModeStreaming), nil
	default:
		return frameUnknown, nil, nil
	}
}

// parseTickerResponse accepts a bare ticker, a bare array, or the exchange
// envelope {"result":{"list":[...]}}.
func parseTickerResponse(body []byte, now time.Time) ([]market.Tick, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errEmptyPayload
	}

	if trimmed[0] == '[' {
		entries, err := decodeTickers(trimmed)
		if err != nil {
			return nil, err
		}
		return toTicks(entries, "", now, ModePolling), nil
	}

	var env wireEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode ticker response: %w", err)
	}
	if env.Result != nil {
		if env.RetCode != nil && *env.RetCode != 0 {
			return nil, fmt.Errorf("ticker api error %d: %s", *env.RetCode, env.RetMsg)
		}
		return toTicks(env.Result.List, "", now, ModePolling), nil
	}
	if env.RetCode != nil && *env.RetCode != 0 {
		return nil, fmt.Errorf("ticker api error %d: %s", *env.RetCode, env.RetMsg)
	}

	entries, err := decodeTickers(trimmed)
	if err != nil {
		return nil, err
	}
	return toTicks(entries, "", now, ModePolling), nil
}

func decodeTickers(raw json.RawMessage) ([]wireTicker, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errEmptyPayload
	}
	if trimmed[0] == '[' {
		var list []wireTicker
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode ticker list: %w", err)
		}
		return list, nil
	}
	var one wireTicker
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	return []wireTicker{one}, nil
}

// toTicks drops entries without a usable price. Delta updates that omit
// lastPrice are common on the stream.
func toTicks(entries []wireTicker, fallbackSymbol string, now time.Time, source string) []market.Tick {
	ticks := make([]market.Tick, 0, len(entries))
	for _, e := range entries {
		if !e.LastPrice.Valid {
			continue
		}
		sym := e.Symbol
		if sym == "" {
			sym = fallbackSymbol
		}
		price, _ := e.LastPrice.Decimal.Float64()
		tick := market.Tick{
			Symbol:    market.NormalizeSymbol(sym),
			Price:     price,
			Timestamp: now,
			Source:    source,
		}
		if !tick.Valid() {
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks
}

type wireRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func subscribeRequest(topic string) wireRequest {
	return wireRequest{Op: "subscribe", Args: []string{topic}}
}

func pingRequest() wireRequest {
	return wireRequest{Op: "ping"}
}
