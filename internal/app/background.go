package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"spikewatch/internal/alerting"
	"spikewatch/internal/config"
	"spikewatch/internal/metrics"
	"spikewatch/internal/pipeline"
	"spikewatch/internal/scheduler"
	"spikewatch/internal/server"
	"spikewatch/internal/service"
	"spikewatch/internal/settings"
	"spikewatch/internal/storage"
)

// Background performs the single-shot refresh, optionally repeating it.
func (a *App) Background(ctx context.Context, opts BackgroundOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	if opts.Every <= 0 {
		_, err := a.newBackground(repo, notifier, nil).RunOnce(ctx)
		return err
	}

	if floor := a.Config.Background.MinInterval; floor > 0 && opts.Every < floor {
		return fmt.Errorf("--every must be at least %s", floor)
	}

	sched, err := scheduler.New(scheduler.Options{
		Name:      "background_scheduler",
		Interval:  opts.Every,
		Immediate: true,
	}, a.Logger)
	if err != nil {
		return err
	}

	// Metrics are only kept and served for the in-process loop.
	m := metrics.New()
	bg := a.newBackground(repo, notifier, m)

	var wg sync.WaitGroup
	if a.Config.Server.Enabled {
		srv := server.New(a.Config.Server.Addr, bg, m, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("status server stopped")
			}
		}()
	}
	defer wg.Wait()
	defer cancel()

	a.Logger.Info().Dur("every", opts.Every).Msg("repeating background refresh")
	err = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := bg.RunOnce(ctx)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) newBackground(repo *storage.Repository, notifier alerting.Notifier, m *metrics.Metrics) *service.Background {
	return service.NewBackground(
		repo,
		a.settingsLoader(),
		a.fetcherFactory(),
		pipeline.NewDispatcher(notifier, a.Logger, m),
		m,
		service.BackgroundOptions{LockKey: a.Config.Storage.AdvisoryLockKey},
		a.Logger,
	)
}

// settingsLoader re-reads the configuration file on every invocation so a long
// --every loop picks up edits the same way separate OS-scheduled runs would.
func (a *App) settingsLoader() service.SettingsLoader {
	return func(context.Context) (settings.Settings, error) {
		cfg, err := config.Load(a.ConfigPath)
		if err != nil {
			return settings.Settings{}, err
		}
		return cfg.Settings(), nil
	}
}
