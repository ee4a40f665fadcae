package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"mitmctl/config"
	"mitmctl/internal/api"
	"mitmctl/internal/apps"
	"mitmctl/internal/engine"
	ncerr "mitmctl/internal/errors"
	"mitmctl/internal/journal"
	"mitmctl/internal/metrics"
	"mitmctl/internal/prefs"
	"mitmctl/internal/privilege"
	"mitmctl/internal/session"
	"mitmctl/util"
)

// app is everything one mitmctl process runs.
type app struct {
	cfg     *config.Config
	std     streams
	logger  *util.Logger
	metrics *metrics.Collector
	catalog *apps.Static
	prefs   *prefs.Store
	engine  engine.Engine
	gate    privilege.Gate
	watcher *privilege.Watcher
	ctrl    *session.Controller
	journal *journal.Store
}

func run(ctx context.Context, cfg *config.Config, std streams) error {
	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(std.errOut)

	catalog, err := loadCatalog(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.ListApps {
		for _, a := range apps.Choosable(catalog, cfg.SelfPackage) {
			fmt.Fprintln(std.out, a.ChoiceLabel())
		}
		return nil
	}

	a, err := build(ctx, cfg, std, logger, catalog)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Serve {
		return a.serve(ctx)
	}
	return a.toggle(ctx)
}

// loadCatalog reads the app inventory.  The sim engine falls back to a
// one-app inventory holding the default target so it runs out of the
// box.
func loadCatalog(cfg *config.Config, logger *util.Logger) (*apps.Static, error) {
	catalog, err := apps.LoadFile(cfg.AppsPath())
	if err == nil {
		logger.Verbose("loaded %d apps from %s", len(catalog.List()), cfg.AppsPath())
		return catalog, nil
	}
	if errors.Is(err, os.ErrNotExist) && cfg.Engine == config.EngineSim {
		logger.Verbose("no app inventory at %s, using the built-in demo inventory", cfg.AppsPath())
		return apps.NewStatic(apps.App{Package: config.DefaultTarget, Label: "Minecraft", Network: true}), nil
	}
	return nil, &ncerr.ConfigError{
		Field:   "apps",
		Value:   cfg.AppsPath(),
		Message: err.Error(),
		Hint:    "export the device's app inventory as YAML (apps: [{package, label, network}])",
	}
}

func build(ctx context.Context, cfg *config.Config, std streams, logger *util.Logger, catalog *apps.Static) (*app, error) {
	a := &app{
		cfg:     cfg,
		std:     std,
		logger:  logger,
		metrics: metrics.New(),
		catalog: catalog,
		prefs:   prefs.New(cfg.StatePath(), config.DefaultTarget),
	}

	// ── engine ───────────────────────────────────────────────────
	switch cfg.Engine {
	case config.EngineSSH:
		a.engine = engine.NewSSH(&engine.SSHConfig{
			User:              cfg.DeviceUser,
			Host:              cfg.DeviceHost,
			Port:              cfg.DevicePort,
			KeyPath:           cfg.SSHKeyPath,
			PromptPass:        cfg.SSHPassword,
			UseAgent:          cfg.UseSSHAgent,
			StrictHostKey:     cfg.StrictHostKey,
			KnownHosts:        cfg.KnownHosts,
			ConnTimeout:       cfg.ConnTimeout,
			KeepAliveInterval: cfg.KeepAlive,
			Command:           cfg.EngineCommand,
		}, logger.Named("engine"))
	default:
		sim := engine.NewSim(logger.Named("engine"))
		sim.StartupDelay = cfg.SimDelay
		a.engine = sim
	}

	// ── gate ─────────────────────────────────────────────────────
	var resolver privilege.Resolver = func(kind privilege.Kind, granted bool) {
		if _, err := a.ctrl.ResumeAfterExternalGrant(ctx, kind, granted); err != nil && !ncerr.Is(err, ncerr.ErrGrantDenied) {
			logger.Warn("%s answer: %v", kind, err)
		}
	}
	switch cfg.GrantMode {
	case config.GrantFile:
		fg := privilege.NewFileGate(
			privilege.WithPath(cfg.GrantsPath()),
			privilege.WithLogger(logger.Named("grants")),
		)
		a.gate = fg
		a.watcher = privilege.NewWatcher(fg, resolver, logger.Named("grants"))
	case config.GrantAuto:
		a.gate = privilege.NewStaticGate(privilege.Kinds()...)
	default:
		pg := privilege.NewPromptGate(std.in, std.errOut)
		pg.AssumeInteractive = std.assumeTTY
		pg.SetResolver(resolver)
		a.gate = pg
	}

	defaults, err := cfg.SessionDefaults()
	if err != nil {
		return nil, err
	}
	a.ctrl, err = session.New(session.Options{
		Engine:       a.engine,
		Gate:         a.gate,
		Catalog:      catalog,
		Defaults:     defaults,
		GrantTimeout: cfg.GrantTimeout,
		Logger:       logger.Named("session"),
		Metrics:      a.metrics,
	})
	if err != nil {
		return nil, err
	}

	// ── journal ──────────────────────────────────────────────────
	if store, err := journal.Open(cfg.JournalPath(), logger.Named("journal")); err != nil {
		logger.Warn("journal disabled: %v", err)
	} else {
		a.journal = store
		a.ctrl.Watch(store)
	}

	if a.watcher != nil {
		go func() {
			if err := a.watcher.Run(ctx); err != nil {
				logger.Warn("grants watcher: %v", err)
			}
		}()
	}
	return a, nil
}

func (a *app) close() {
	a.ctrl.Close()
	if a.journal != nil {
		_ = a.journal.Close()
	}
	a.logger.Verbose("metrics: %s", a.metrics.JSON())
}

// ── interactive toggle ───────────────────────────────────────────────

// toggle flips the session for the configured target.  Starting holds
// the session until ctx is cancelled; stopping returns once the engine
// is down.
func (a *app) toggle(ctx context.Context) error {
	pkg := a.cfg.Target
	if pkg == "" {
		last, err := a.prefs.LastTarget()
		if err != nil {
			a.logger.Warn("%v", err)
		}
		pkg = last
	}
	target := apps.NewTarget(pkg)

	if pg, ok := a.gate.(*privilege.PromptGate); ok && !pg.IsInteractive() {
		need := false
		for _, k := range privilege.Kinds() {
			need = need || !pg.IsGranted(k)
		}
		if need {
			return &ncerr.ConfigError{Field: "grants", Value: config.GrantPrompt,
				Message: "stdin is not a terminal", Hint: "use --grants=file or --grants=auto"}
		}
	}

	notes, unwatch := a.watch()
	defer unwatch()

	out, err := a.ctrl.RequestToggle(ctx, target)
	if err != nil {
		return err
	}
	if err := a.prefs.SaveTarget(target.Package); err != nil {
		a.logger.Warn("%v", err)
	}
	if out == session.OutcomeStopping {
		a.logger.Info("stopping %s", target)
		return a.waitStopped(notes, a.cfg.ShutdownTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(notes)
		case n := <-notes:
			switch n.Status.Phase {
			case session.AwaitingPrivilege:
				a.announceGrant(n.Status)
			case session.Running:
				fmt.Fprintf(a.std.out, "intercepting %s (Ctrl-C to stop)\n", target)
			case session.Stopped:
				if n.Err != nil {
					return n.Err
				}
				return errors.New("session stopped")
			}
		}
	}
}

func (a *app) announceGrant(st session.Status) {
	switch a.gate.(type) {
	case *privilege.FileGate:
		a.logger.Info("waiting for %q: set grants.%s.state to granted or denied in %s",
			st.Privilege.Describe(), st.Privilege, a.cfg.GrantsPath())
	default:
		a.logger.Verbose("waiting for %q", st.Privilege.Describe())
	}
}

// shutdown abandons a pending grant or stops a live session, waiting
// up to ShutdownTimeout for the engine to go down.
func (a *app) shutdown(notes <-chan session.Notification) error {
	switch st := a.ctrl.Status(); st.Phase {
	case session.AwaitingPrivilege:
		a.ctrl.Reset("interrupted")
		return nil
	case session.Stopped:
		return nil
	case session.Stopping:
	case session.Running:
		a.logger.Info("stopping session")
		if err := a.stopRunning(st.Target); err != nil {
			return err
		}
	default:
		a.logger.Info("aborting startup")
		if err := a.engine.Stop(); err != nil {
			return err
		}
	}
	return a.waitStopped(notes, a.cfg.ShutdownTimeout)
}

// stopRunning toggles the running session off so the controller passes
// through Stopping.  The caller's context is already cancelled by the
// signal.  An adopted session has no target to toggle and is stopped at
// the engine.
func (a *app) stopRunning(t session.Target) error {
	if !t.IsZero() {
		_, err := a.ctrl.RequestToggle(context.Background(), t)
		if err == nil {
			return nil
		}
		a.logger.Verbose("toggling %s off: %v", t, err)
	}
	return a.engine.Stop()
}

// watch streams every notification into a buffered channel.  A full
// channel drops the note rather than stall the controller's notifier.
func (a *app) watch() (<-chan session.Notification, func()) {
	notes := make(chan session.Notification, 64)
	unwatch := a.ctrl.Watch(session.ObserverFunc(func(n session.Notification) {
		select {
		case notes <- n:
		default:
			a.logger.Debug("dropped notification %s", n.Status)
		}
	}))
	return notes, unwatch
}

func (a *app) waitStopped(notes <-chan session.Notification, timeout time.Duration) error {
	if a.ctrl.Status().Phase == session.Stopped {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case n := <-notes:
			if n.Status.Phase == session.Stopped {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("engine did not stop within %v", timeout)
		}
	}
}

// ── daemon ───────────────────────────────────────────────────────────

func (a *app) serve(ctx context.Context) error {
	var history api.History
	if a.journal != nil {
		history = a.journal
	}
	srv := api.NewServer(api.ServerOptions{
		Addr:            a.cfg.ListenAddr,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
		Controller:      a.ctrl,
		Gate:            a.gate,
		Catalog:         a.catalog,
		SelfPackage:     a.cfg.SelfPackage,
		Targets:         a.prefs,
		History:         history,
		Metrics:         a.metrics,
		Logger:          a.logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(a.std.out, "mitmctl api listening on http://%s/%s\n", srv.Addr(), api.APIVersion)

	notes, unwatch := a.watch()
	defer unwatch()

	<-ctx.Done()
	a.logger.Info("shutting down")
	stopErr := srv.Stop(context.Background())
	if err := a.shutdown(notes); err != nil {
		return err
	}
	return stopErr
}
