package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/market"
)

// RESTOptions parameterise the pull endpoint client.
type RESTOptions struct {
	BaseURL    string
	TickerPath string
	Category   string
	Timeout    time.Duration
	UserAgent  string
}

// RESTClient fetches a single ticker or the full snapshot list.
type RESTClient struct {
	opts    RESTOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewRESTClient constructs the pull client.
func NewRESTClient(opts RESTOptions, logger zerolog.Logger) *RESTClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.TickerPath == "" {
		opts.TickerPath = "/v5/market/tickers"
	}

	return &RESTClient{
		opts:    opts,
		logger:  logger.With().Str("component", "transport_rest").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		now:     time.Now,
	}
}

// Ticker fetches the latest price for one symbol.
func (c *RESTClient) Ticker(ctx context.Context, symbol string) (market.Tick, error) {
	symbol = market.NormalizeSymbol(symbol)
	ticks, err := c.fetch(ctx, symbol)
	if err != nil {
		return market.Tick{}, err
	}
	for _, t := range ticks {
		if t.Symbol == symbol {
			return t, nil
		}
	}
	return market.Tick{}, fmt.Errorf("ticker %s not present in response", symbol)
}

// Snapshot fetches every ticker the endpoint lists.
func (c *RESTClient) Snapshot(ctx context.Context) ([]market.Tick, error) {
	return c.fetch(ctx, "")
}

func (c *RESTClient) fetch(ctx context.Context, symbol string) ([]market.Tick, error) {
	q := url.Values{}
	if c.opts.Category != "" {
		q.Set("category", c.opts.Category)
	}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	endpoint := c.baseURL + c.opts.TickerPath
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "spikewatch/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, body)
	}

	ticks, err := parseTickerResponse(body, c.now())
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("symbol", symbol).Int("tickers", len(ticks)).Msg("ticker fetch ok")
	return ticks, nil
}

func parseHTTPError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("ticker endpoint status %d: %s", status, msg)
}
