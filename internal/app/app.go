package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"protocol-metrics/internal/alerting"
	"protocol-metrics/internal/api"
	"protocol-metrics/internal/breaker"
	"protocol-metrics/internal/cache"
	"protocol-metrics/internal/collector"
	"protocol-metrics/internal/config"
	"protocol-metrics/internal/fetcher"
	"protocol-metrics/internal/lease"
	"protocol-metrics/internal/retention"
	"protocol-metrics/internal/scheduler"
	"protocol-metrics/internal/service"
	"protocol-metrics/internal/source"
	"protocol-metrics/internal/storage"
	"protocol-metrics/internal/synth"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openStore opens the configured backend. The locker is non-nil only for PostgreSQL.
func (a *App) openStore(ctx context.Context) (storage.TimeSeriesStore, storage.AdvisoryLocker, error) {
	cfg := a.Config.Storage
	switch cfg.Driver {
	case "postgres":
		pool, err := storage.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, store, nil
	default:
		store, err := storage.OpenBolt(storage.BoltOptions{
			Path:        cfg.Path,
			OpenTimeout: cfg.OpenTimeout,
			ReopenMin:   cfg.ReopenMin,
			ReopenMax:   cfg.ReopenMax,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

// newRegistry builds one guarded adapter per configured source. The returned func
// releases adapter connections.
func (a *App) newRegistry() (*source.Registry, func(), error) {
	results := cache.New[source.Response](cache.Options{SweepInterval: a.Config.Cache.SweepInterval})
	reg := source.NewRegistry(results, a.Logger)

	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, id := range a.Config.SourceIDs() {
		sc := a.Config.Sources[id]
		adapter, err := fetcher.New(fetcher.Options{
			ID:        source.ID(id),
			Kind:      fetcher.Kind(sc.Kind),
			URL:       sc.URL,
			Timeout:   sc.Timeout,
			RPS:       sc.RPS,
			Burst:     sc.Burst,
			UserAgent: sc.UserAgent,
			Headers:   sc.Headers,
		}, a.Logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if c, ok := adapter.(interface{ Close() }); ok {
			closers = append(closers, c.Close)
		}
		if _, err := reg.Register(adapter, source.GuardOptions{
			Timeout: sc.Timeout,
			Breaker: breaker.Config{
				FailureThreshold: a.Config.Breaker.FailureThreshold,
				ResetTimeout:     a.Config.Breaker.ResetTimeout,
			},
		}); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	return reg, closeAll, nil
}

func (a *App) definitions() ([]synth.Definition, error) {
	defs := make([]synth.Definition, 0, len(a.Config.Metrics))
	for _, m := range a.Config.Metrics {
		d := synth.Definition{
			Name:        m.Name,
			Kind:        synth.Kind(m.Kind),
			Description: m.Description,
			Unit:        m.Unit,
			Formula:     m.Formula,
			Inputs:      m.Inputs,
		}
		if d.Kind == synth.KindObserved {
			ttl, err := a.Config.Cache.TTL.Resolve(m.TTLClass)
			if err != nil {
				return nil, fmt.Errorf("metric %s: %w", m.Name, err)
			}
			d.Source = source.ID(m.Source)
			d.Query = source.Query{Method: m.Method, Target: m.Target, Params: m.Params}
			d.Path = m.Path
			d.Scale = m.Scale
			d.TTL = ttl
			if m.BestAPR != nil {
				d.BestAPR = &synth.BestAPR{Price: m.BestAPR.Price, Maturity: m.BestAPR.Maturity, Active: m.BestAPR.Active}
			}
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func (a *App) newSynth(reg *source.Registry) (*synth.Synthesizer, error) {
	defs, err := a.definitions()
	if err != nil {
		return nil, err
	}
	return synth.New(defs, reg, synth.Options{}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newWatcher() (*alerting.Watcher, error) {
	rules := make([]alerting.Rule, 0, len(a.Config.Alerting.Rules))
	for _, rc := range a.Config.Alerting.Rules {
		r := alerting.Rule{Metric: rc.Metric, Unit: rc.Unit}
		if rc.Below != nil {
			d := decimal.NewFromFloat(*rc.Below)
			r.Below = &d
		}
		if rc.Above != nil {
			d := decimal.NewFromFloat(*rc.Above)
			r.Above = &d
		}
		rules = append(rules, r)
	}
	return alerting.NewWatcher(rules, a.newNotifier(), alerting.WatcherOptions{Cooldown: a.Config.Alerting.Cooldown}, a.Logger)
}

// newLocker picks the cross-process tick lock: the Redis lease when enabled, else the
// PostgreSQL advisory lock when available.
func (a *App) newLocker(advisory storage.AdvisoryLocker) (collector.Locker, func(), error) {
	lc := a.Config.Collector.Lease
	if lc.Enabled {
		l, err := lease.New(lease.Options{URL: lc.URL, Password: lc.Password, Key: lc.Key, TTL: lc.TTL}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	}
	if advisory != nil && a.Config.Collector.AdvisoryLockKey != 0 {
		return collector.AdvisoryLock{Locker: advisory, Key: a.Config.Collector.AdvisoryLockKey}, func() {}, nil
	}
	return nil, func() {}, nil
}

// Run executes the collector, retention job and HTTP API until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, advisory, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, closeSources, err := a.newRegistry()
	if err != nil {
		return err
	}
	defer closeSources()

	synthesizer, err := a.newSynth(reg)
	if err != nil {
		return err
	}

	locker, closeLocker, err := a.newLocker(advisory)
	if err != nil {
		return err
	}
	defer closeLocker()

	var observers []collector.Observer
	if a.Config.Alerting.Enabled {
		watcher, err := a.newWatcher()
		if err != nil {
			return err
		}
		observers = append(observers, watcher)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Collector.Interval,
		AlignToStart: a.Config.Collector.AlignToBucket,
		StartupDelay: a.Config.Collector.StartupDelay,
	}, a.Logger)

	coll := collector.New(synthesizer, store, sched, collector.Options{
		Workers:        a.Config.Collector.Workers,
		CollectOnStart: a.Config.Collector.CollectOnStart,
		Locker:         locker,
		Observers:      observers,
	}, a.Logger)

	job, err := retention.New(store, retention.Options{
		Horizon:  a.Config.Retention.Horizon,
		Schedule: a.Config.Retention.Schedule,
	}, a.Logger)
	if err != nil {
		return err
	}
	job.Start(ctx)
	defer job.Stop()

	svc := service.New(synthesizer, store, reg, a.Logger)

	a.Logger.Info().
		Int("metrics", len(synthesizer.Names())).
		Int("sources", len(reg.Health())).
		Str("storage", a.Config.Storage.Driver).
		Msg("starting metrics service")

	var wg conc.WaitGroup
	errs := make(chan error, 2)
	wg.Go(func() {
		if err := coll.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("collector: %w", err)
			cancel()
		}
	})
	if a.Config.HTTP.Enabled {
		server := api.NewServer(a.Config.HTTP.Addr, api.NewRouter(svc, a.Logger), a.Config.HTTP.ShutdownTimeout, a.Logger)
		wg.Go(func() {
			if err := server.Run(ctx); err != nil {
				errs <- fmt.Errorf("http: %w", err)
				cancel()
			}
		})
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("metrics service stopped")
	return nil
}

// withReadSide opens the store and a synthesizer for one-shot commands.
func (a *App) withReadSide(ctx context.Context, fn func(svc *service.Service, store storage.TimeSeriesStore) error) error {
	store, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, closeSources, err := a.newRegistry()
	if err != nil {
		return err
	}
	defer closeSources()

	synthesizer, err := a.newSynth(reg)
	if err != nil {
		return err
	}
	return fn(service.New(synthesizer, store, reg, a.Logger), store)
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Metric     string
	From       *time.Time
	To         *time.Time
	Resolution time.Duration
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Metric string
	Limit  int
}
