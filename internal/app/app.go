package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockbot/internal/audience"
	"stockbot/internal/catalog"
	"stockbot/internal/commands"
	"stockbot/internal/config"
	"stockbot/internal/delivery"
	"stockbot/internal/dispatch"
	"stockbot/internal/event"
	"stockbot/internal/eventbus"
	"stockbot/internal/ingest"
	"stockbot/internal/metrics"
	"stockbot/internal/observability/httpd"
	rtsup "stockbot/internal/runtime/supervisor"
	"stockbot/internal/storage"
	"stockbot/internal/sweeper"
	"stockbot/internal/transport"
	"stockbot/internal/transport/telegram"
	logx "stockbot/pkg/logx"
)

const updatesBuffer = 256

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	worker  *delivery.Worker
	engine  *dispatch.Engine
	ingest  *ingest.Pipeline
	sweeper *sweeper.Sweeper // nil when disabled
	router  *commands.Router
	http    *httpd.Service

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")

	cfgm := config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg), ad)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan transport.Update, updatesBuffer),
	}
	if err := a.build(cfg, root); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires the domain components. On error nothing is left open.
func (a *App) build(cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	cat := catalog.Default()
	if path := strings.TrimSpace(cfg.Catalog.File); path != "" {
		c, err := catalog.LoadFile(path)
		if err != nil {
			return err
		}
		cat = c
	}

	parserLog := comp("parser")
	parser, err := event.NewParser(cat, mapParserConfig(cfg), event.WithDropHook(func(token string) {
		metrics.TokensDropped.Inc()
		parserLog.Debug("restock token dropped", logx.String("token", token))
	}))
	if err != nil {
		return err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return err
	}
	a.store = store

	dopts, err := mapDeliveryOptions(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	a.worker = delivery.NewWorker(a.adapter, delivery.NewRenderer(cat), root, dopts)

	a.engine = dispatch.NewEngine(audience.NewResolver(store), a.worker, store,
		dispatch.WithBus(a.bus),
		dispatch.WithLogger(root),
	)

	a.ingest, err = ingest.New(ingest.Config{
		SourceChannelID: cfg.Telegram.SourceChannelID,
		DedupSize:       cfg.Ingest.DedupSize,
	}, parser, a.engine, store, comp("ingest"))
	if err != nil {
		_ = store.Close()
		return err
	}

	if cfg.Sweeper.Enabled {
		swc, err := mapSweeperConfig(cfg)
		if err != nil {
			_ = store.Close()
			return err
		}
		a.sweeper = sweeper.New(store, a.adapter, a.worker, swc, a.bus, root)
	}

	deps := commands.Deps{
		Store:       store,
		Members:     a.adapter,
		GroupID:     cfg.Telegram.RequiredGroupID,
		Catalog:     cat,
		Broadcaster: a.engine,
		Reply:       a.adapter,
	}
	if a.sweeper != nil {
		deps.Sweeper = a.sweeper
	}
	a.router = commands.NewRouter(a.adapter, cfg.Telegram.OwnerUserIDs, comp("commands"))
	a.router.Register(commands.NewHandlers(deps).Commands()...)

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	a.http = httpd.New(hc, a.health, comp("http"))
	return nil
}

// validate rejects a config before it is committed, on load and on reload.
func validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDeliveryOptions(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sweeper.Enabled {
		if _, err := mapSweeperConfig(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	posts := make(chan *transport.Message, updatesBuffer)
	cmds := make(chan *transport.Message, updatesBuffer)
	a.sup.Go0("updates.route", func(c context.Context) {
		routeUpdates(c, a.updates, posts, cmds)
	})
	a.sup.Go("ingest", func(c context.Context) error { return a.ingest.Run(c, posts) })
	a.sup.Go("commands", func(c context.Context) error { return a.router.Run(c, cmds) })

	if a.sweeper != nil {
		if err := a.sweeper.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started")
	return nil
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if opts, err := mapDeliveryOptions(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(opts)
	}
	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Time: time.Now(), Data: sections})
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

// routeUpdates splits inbound updates: channel posts go to ingest, private
// messages to the command router. Group chatter is ignored.
func routeUpdates(ctx context.Context, in <-chan transport.Update, posts, cmds chan<- *transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-in:
			if !ok {
				return
			}
			var out chan<- *transport.Message
			switch {
			case up.Message == nil:
				continue
			case up.Kind == transport.UpdateChannelPost:
				out = posts
			case up.Kind == transport.UpdateMessage && up.Message.IsPrivate:
				out = cmds
			default:
				continue
			}
			select {
			case out <- up.Message:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *App) health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"bus_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		c := a.sup.Counters()
		out["goroutines"] = c.Active
		out["restarts"] = c.Restarts
		out["panics"] = c.Panics
	}
	if a.sweeper != nil {
		out["sweeper"] = a.sweeper.State().String()
		if last := a.sweeper.Last(); !last.StartedAt.IsZero() {
			out["last_sweep"] = last.StartedAt
		}
	} else {
		out["sweeper"] = "disabled"
	}
	st, err := a.store.Stats(ctx)
	if err != nil {
		return out, fmt.Errorf("storage: %w", err)
	}
	out["subscribers"] = st.Total
	out["active"] = st.Effective
	return out, nil
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("sweeper", 3*time.Second, func(c context.Context) error {
		if a.sweeper != nil {
			a.sweeper.Stop(c)
		}
		return nil
	})
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 5*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
