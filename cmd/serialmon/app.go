package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/commands"
	"github.com/roelfdiedericks/serialmon/internal/config"
	httpserver "github.com/roelfdiedericks/serialmon/internal/http"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/metrics"
	"github.com/roelfdiedericks/serialmon/internal/pipeline"
	"github.com/roelfdiedericks/serialmon/internal/sources"
	"github.com/roelfdiedericks/serialmon/internal/stream"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
)

// toggleSource tags bus commands sent by channel toggles.
const toggleSource = "serialmon"

// app holds the wired components of one serialmon process.
type app struct {
	cfg     *config.Config
	cfgPath string

	manager  *stream.Manager
	toggles  *toggle.Set
	commands *commands.Manager

	store   *metrics.Store
	pruner  *metrics.Pruner
	server  *httpserver.Server
	watcher *config.Watcher
}

// newApp registers the built-in sources, attaches configured pipelines and
// creates one channel per source.
func newApp(cfg *config.Config, cfgPath string) (*app, error) {
	mgr := stream.NewManager(pipeline.NewRegistry())

	mgr.AddSource(sources.NewSerial(config.SourceSerial, serialLabel(cfg), cfg.SerialSource()))
	mgr.AddSource(sources.NewRTT(config.SourceRTT, "RTT "+cfg.RTT.Address, cfg.RTTSource()))
	mgr.AddSource(sources.NewNetwork(config.SourceNetwork, "Network "+cfg.Network.URL, cfg.NetworkSource()))

	for _, pc := range cfg.Pipelines {
		if err := mgr.AttachPipelineConfig(pc.Source, pc); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", pc.ID, err)
		}
	}

	set := toggle.NewSet()
	for _, info := range mgr.ListSources() {
		set.Add(toggle.New(info.ID, toggle.BusBackend{Component: info.ID, Source: toggleSource}))
	}

	return &app{
		cfg:      cfg,
		cfgPath:  cfgPath,
		manager:  mgr,
		toggles:  set,
		commands: commands.NewManager(mgr, set),
	}, nil
}

func serialLabel(cfg *config.Config) string {
	if cfg.Serial.Port == "" {
		return "Serial (no port)"
	}
	return fmt.Sprintf("Serial %s @%d", cfg.Serial.Port, cfg.Serial.Baud)
}

// start brings up bus handlers, metrics, the config watcher and optionally
// the HTTP server. Sources stay closed until a channel is toggled.
func (a *app) start(ctx context.Context, withHTTP bool) error {
	commands.RegisterBus(ctx, a.manager, commands.BusOptions{
		SourceCommands: a.cfg.SourceCommandsEnabled(),
	})

	m := metrics.GetInstance()
	for _, c := range a.toggles.Controllers() {
		m.Observe(c.Name())
	}
	m.ObserveSources()
	m.ObservePipelines()

	if a.cfg.MetricsEnabled() {
		a.openStore()
	}

	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, 0, a.applyConfig)
		if err != nil {
			L_warn("config: watcher unavailable, live reload disabled", "error", err)
		} else {
			w.Start()
			a.watcher = w
		}
	}

	go a.manager.Run(ctx)

	if withHTTP || a.cfg.HTTP.Enabled {
		srv, err := httpserver.NewServer(httpserver.ServerConfigFrom(a.cfg), a.toggles, a.manager)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("http: %w", err)
		}
		srv.RegisterOperationalCommands()
		a.server = srv
	}

	L_info("serialmon: started", "channels", len(a.toggles.Controllers()), "config", a.cfgPath)
	return nil
}

// openStore attaches the sqlite store. Failure leaves metrics in memory only.
func (a *app) openStore() {
	store, err := metrics.OpenStore(a.cfg.Metrics.Path)
	if err != nil {
		L_warn("metrics: store unavailable, keeping metrics in memory", "error", err)
		return
	}
	if n, err := store.LoadCounters(metrics.GetInstance()); err != nil {
		L_warn("metrics: load counters failed", "error", err)
	} else {
		L_debug("metrics: counters restored", "count", n)
	}
	if removed, err := store.Prune(a.cfg.Retention()); err != nil {
		L_warn("metrics: prune failed", "error", err)
	} else if removed > 0 {
		L_info("metrics: pruned old samples", "removed", removed)
	}
	store.FollowAll()
	a.store = store

	pruner, err := metrics.StartPruner(store, a.cfg.Metrics.PruneSchedule, a.cfg.Retention())
	if err != nil {
		L_warn("metrics: pruning disabled", "error", err)
		return
	}
	a.pruner = pruner
}

// applyConfig pushes a reloaded config into the running components.
func (a *app) applyConfig(cfg *config.Config) {
	if level, err := ParseLevel(cfg.Logging.Level); err == nil {
		SetLevel(level)
	}

	// Sources pick up new settings on their next open.
	for _, info := range a.manager.ListSources() {
		src, err := a.manager.Source(info.ID)
		if err != nil {
			continue
		}
		switch s := src.(type) {
		case *sources.Serial:
			s.Configure(cfg.SerialSource())
		case *sources.RTT:
			s.Configure(cfg.RTTSource())
		case *sources.Network:
			s.Configure(cfg.NetworkSource())
		}
	}

	res := bus.SendCommand("tui", "apply", &cfg.TUI)
	if err := res.Err(); err != nil && !errors.Is(err, bus.ErrNoHandler) {
		L_warn("config: tui rejected new settings", "error", err)
	}
}

// stop shuts everything down in reverse order of start.
func (a *app) stop() {
	a.manager.StopAll()

	if a.server != nil {
		a.server.UnregisterOperationalCommands()
		if err := a.server.Stop(); err != nil {
			L_warn("http: stop failed", "error", err)
		}
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			L_debug("config: watcher stop failed", "error", err)
		}
	}

	commands.UnregisterBus(a.manager)
	metrics.GetInstance().Stop()

	if a.pruner != nil {
		a.pruner.Stop()
	}
	if a.store != nil {
		if err := a.store.SaveCounters(metrics.GetInstance()); err != nil {
			L_warn("metrics: save counters failed", "error", err)
		}
		if err := a.store.Close(); err != nil {
			L_debug("metrics: store close failed", "error", err)
		}
	}
	L_info("serialmon: stopped")
}
