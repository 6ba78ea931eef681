package app

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"spikewatch/internal/alerting"
	"spikewatch/internal/config"
	"spikewatch/internal/logging"
	"spikewatch/internal/metrics"
	"spikewatch/internal/pipeline"
	"spikewatch/internal/server"
	"spikewatch/internal/service"
	"spikewatch/internal/settings"
	"spikewatch/internal/storage"
	"spikewatch/internal/transport"
	"spikewatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, path string, logger zerolog.Logger) *App {
	return &App{Config: cfg, ConfigPath: path, Logger: logging.Component(logger, "app")}
}

func (a *App) openRepository(ctx context.Context) (*storage.Repository, func(), error) {
	kv, err := storage.Open(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := kv.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close store")
		}
	}
	return storage.NewRepository(kv, a.Logger), closer, nil
}

// newNotifier fans out to every enabled channel. The returned closer releases
// channel resources such as the Kafka writer.
func (a *App) newNotifier() (alerting.Notifier, func()) {
	var (
		notifiers alerting.Multi
		closers   []io.Closer
	)

	if a.Config.Alerting.Log {
		notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
	}
	if a.Config.Alerting.Kafka.Enabled {
		cfg := a.Config.Alerting.Kafka
		k := alerting.NewKafkaNotifier(cfg.Brokers, cfg.Topic, a.Logger)
		notifiers = append(notifiers, k)
		closers = append(closers, k)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close notifier")
			}
		}
	}
	if len(notifiers) == 0 {
		return nil, closeAll
	}
	return notifiers, closeAll
}

func (a *App) restOptions() transport.RESTOptions {
	t := a.Config.Transport
	return transport.RESTOptions{
		BaseURL:    t.RESTURL,
		TickerPath: t.TickerPath,
		Category:   t.Category,
		Timeout:    t.RequestTimeout,
		UserAgent:  t.UserAgent,
	}
}

func (a *App) transportOptions() transport.Options {
	t := a.Config.Transport
	return transport.Options{
		Stream: transport.StreamOptions{
			URL:          t.WSURL,
			TopicPrefix:  t.TopicPrefix,
			PingInterval: t.PingInterval,
			PongTimeout:  t.PongTimeout,
			BaseDelay:    t.ReconnectBaseDelay,
			MaxDelay:     t.ReconnectMaxDelay,
		},
		REST: a.restOptions(),
	}
}

func (a *App) sourceFactory() service.SourceFactory {
	opts := a.transportOptions()
	return func(s settings.Settings, onState transport.StateFunc) transport.Source {
		return transport.Select(s, opts, onState, a.Logger)
	}
}

func (a *App) fetcherFactory() service.FetcherFactory {
	rest := a.restOptions()
	return func(s settings.Settings) service.TickFetcher {
		return transport.NewPoller(transport.NewRESTClient(rest, a.Logger), transport.PollerOptions{
			Interval: s.PollInterval(),
			Symbols:  s.Symbols,
			TrackAll: s.TrackAllSymbols,
		}, a.Logger)
	}
}

// Run executes the long-running foreground service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	// While the foreground holds the lock, background invocations against the
	// same database skip instead of interleaving writes.
	if locker, ok := repo.KV().(storage.AdvisoryLocker); ok {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, a.Config.Storage.AdvisoryLockKey)
		switch {
		case err != nil:
			a.Logger.Warn().Err(err).Msg("advisory lock unavailable")
		case !acquired:
			a.Logger.Warn().Msg("advisory lock held by another context; continuing without it")
		default:
			defer unlock()
		}
	}

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("no alert channel enabled; alerts are recorded only")
	}

	m := metrics.New()
	p := pipeline.New(repo, a.Logger, m)
	d := pipeline.NewDispatcher(notifier, a.Logger, m)
	s := a.Config.Settings()

	fg := service.NewForeground(s, repo, p, d, a.sourceFactory(), m, service.ForegroundOptions{
		PruneInterval: a.Config.Transport.PruneInterval,
	}, a.Logger)

	if a.Config.Watch(func(next *config.Config) {
		fg.Reconfigure(next.Settings())
	}, func(err error) {
		a.Logger.Error().Err(err).Msg("ignoring invalid configuration change")
	}) {
		a.Logger.Info().Msg("watching configuration file for changes")
	}

	var wg sync.WaitGroup
	if a.Config.Server.Enabled {
		srv := server.New(a.Config.Server.Addr, fg, m, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	a.Logger.Info().
		Str("version", version.String()).
		Strs("symbols", s.Symbols).
		Bool("streaming", s.Streaming()).
		Float64("threshold_pct", s.ThresholdPct).
		Int("window_minutes", s.WindowMinutes).
		Msg("starting spike monitor")

	err = fg.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("spike monitor stopped")
	return nil
}

// BackgroundOptions configure the background command.
type BackgroundOptions struct {
	// Every repeats the invocation on an interval, standing in for an OS
	// scheduler. Zero runs exactly once.
	Every time.Duration
}

// ExportOptions hold parameters for exporting alerts and price history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Symbols   []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Symbol string
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Symbol string
	Prices []float64
	Step   time.Duration
	Notify bool
}
