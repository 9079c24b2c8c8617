// Command vigil runs the autonomous agent runtime: it loads goals, starts
// the configured sources, and lets the event pipeline act within its
// limits until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-agent/vigil/bridge"
	"github.com/vigil-agent/vigil/bus"
	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/decision"
	"github.com/vigil-agent/vigil/goal"
	"github.com/vigil-agent/vigil/learning"
	"github.com/vigil-agent/vigil/runtime"
	"github.com/vigil-agent/vigil/source/filewatch"
	"github.com/vigil-agent/vigil/source/httpmon"
	"github.com/vigil-agent/vigil/source/logmon"
	"github.com/vigil-agent/vigil/telemetry"
)

func main() {
	configPath := flag.String("config", "vigil.yaml", "path to the runtime configuration")
	goalsDir := flag.String("goals", "", "goal directory (overrides goals_dir from the config)")
	flag.Parse()

	if err := run(*configPath, *goalsDir); err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, goalsDir string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if goalsDir != "" {
		cfg.GoalsDir = goalsDir
	}

	logger := core.NewSimpleLogger()
	logger.SetLevel(cfg.LogLevel)

	loaded, err := goal.LoadDir(cfg.GoalsDir, logger.WithComponent("goal"))
	if err != nil {
		return err
	}
	logger.Info("Goals loaded", map[string]interface{}{
		"goals":   len(loaded.Goals),
		"skipped": len(loaded.Skipped),
		"dir":     cfg.GoalsDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Memory backend: Redis when configured, otherwise process-local.
	var memory core.SemanticMemory
	switch cfg.Memory.Backend {
	case "redis":
		store, err := learning.NewRedisStore(ctx, cfg.redisConfig(), logger.WithComponent("memory"))
		if err != nil {
			return err
		}
		defer store.Close()
		memory = store
	default:
		memory = learning.NewInMemoryStore(0)
	}

	learner := learning.NewEngine(memory, learning.Config{},
		learning.WithLogger(logger.WithComponent("learning")))
	decider := decision.NewEngine(learner, nil, decision.Config{},
		decision.WithLogger(logger.WithComponent("decision")))

	goals := goal.NewManager(goal.WithLogger(logger.WithComponent("goal")))
	goals.SetEmergencyStop(loaded.Settings.EmergencyStop)
	for _, g := range loaded.Goals {
		if err := goals.AddGoal(g); err != nil {
			logger.Warn("Goal not registered", map[string]interface{}{
				"goal_id": g.ID,
				"error":   err.Error(),
			})
		}
	}

	b := bus.New(bus.DefaultConfig(), bus.WithLogger(logger.WithComponent("bus")))
	executor := runtime.NewDispatcher(logger.WithComponent("executor"))
	rt := runtime.New(b, goals, decider, learner, executor,
		runtime.ConfigFromSettings(loaded.Settings),
		runtime.WithLogger(logger.WithComponent("runtime")),
		runtime.WithTelemetry(telemetry.New()),
		runtime.WithDecisionCallback(func(d *decision.Decision, g *goal.Goal, ev *core.Event) {
			logger.Warn("Human review required", map[string]interface{}{
				"verdict":  string(d.Verdict),
				"goal_id":  g.ID,
				"event_id": ev.ID,
				"reason":   d.Reason,
			})
		}))

	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Stop()

	if cfg.NATS.Enabled {
		mirror, err := bridge.NewNATSMirror(b, cfg.natsConfig(), logger.WithComponent("bridge"))
		if err != nil {
			return err
		}
		defer mirror.Close()
	}

	if err := startSources(ctx, cfg, b, rt, logger); err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen, logger)
	}

	logger.Info("Vigil running", map[string]interface{}{
		"goals": len(loaded.Goals),
	})
	<-ctx.Done()
	logger.Info("Shutting down", nil)
	return nil
}

// startSources builds and starts each configured source and hands it to
// the runtime for shutdown.
func startSources(ctx context.Context, cfg fileConfig, b *bus.Bus, rt *runtime.Runtime, logger *core.SimpleLogger) error {
	if len(cfg.Sources.HTTPEndpoints) > 0 {
		mon := httpmon.NewMonitor(b, httpmon.WithLogger(logger.WithComponent("httpmon")))
		for _, ep := range cfg.Sources.HTTPEndpoints {
			if err := mon.AddEndpoint(ep); err != nil {
				return err
			}
		}
		if err := mon.Start(ctx); err != nil {
			return err
		}
		rt.ManageSource(mon)
	}

	if len(cfg.Sources.FileWatchers) > 0 {
		w := filewatch.NewWatcher(b, filewatch.WithLogger(logger.WithComponent("filewatch")))
		for _, wc := range cfg.Sources.FileWatchers {
			if err := w.AddWatcher(wc); err != nil {
				return err
			}
		}
		if err := w.Start(); err != nil {
			return err
		}
		rt.ManageSource(w)
	}

	if len(cfg.Sources.LogMonitors) > 0 {
		mon := logmon.NewMonitor(b, logmon.WithLogger(logger.WithComponent("logmon")))
		for _, mc := range cfg.Sources.LogMonitors {
			if err := mon.AddMonitor(mc); err != nil {
				return err
			}
		}
		if err := mon.Start(); err != nil {
			return err
		}
		rt.ManageSource(mon)
	}
	return nil
}

func serveMetrics(listen string, logger core.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	logger.Info("Metrics listening", map[string]interface{}{"addr": listen})
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("Metrics server stopped", map[string]interface{}{"error": err.Error()})
	}
}
