package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"

	"github.com/zachfi/icerelay/modules/relay"
)

const metricsNamespace = "icerelay"

type App struct {
	cfg    Config
	logger slog.Logger

	Server *server.Server
	relay  *relay.Relay

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New creates and returns a new App.
func New(cfg Config, logger slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
	}

	if a.cfg.Target == "" {
		a.cfg.Target = All
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "failed to setup module manager")
	}

	return a, nil
}

func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	a.serviceMap = serviceMap

	servs := make([]services.Service, 0, len(serviceMap))
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	healthy := func() {
		a.logger.Info("relay ready",
			"target", a.cfg.Target,
			"http_port", a.cfg.Server.HTTPListenPort,
			"path", a.cfg.Relay.Path,
			"upstream", a.cfg.Relay.Upstream.Address(),
		)
	}
	stopped := func() {
		a.logger.Info("relay stopped", "open_sessions", a.openSessions())
	}
	serviceFailed := func(service services.Service) {
		// one failed module takes the rest down
		sm.StopAsync()

		m := a.moduleName(service)
		if errors.Is(service.FailureCase(), modules.ErrStopProcess) {
			a.logger.Info("module requested stop", "module", m, "err", service.FailureCase())
			return
		}
		a.logger.Error("module failed", "module", m, "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(a.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (a *App) moduleName(service services.Service) string {
	for m, s := range a.serviceMap {
		if s == service {
			return m
		}
	}
	return "unknown"
}

// openSessions is zero when the relay module is not part of the target.
func (a *App) openSessions() int {
	if a.relay == nil {
		return 0
	}
	return a.relay.Sessions()
}
