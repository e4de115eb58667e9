package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/health"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workflow"
)

func main() {
	var (
		configPath   = flag.String("config", os.Getenv("LOOM_CONFIG"), "path to loom.yaml")
		workflowName = flag.String("workflow", "", "workflow to run")
		input        = flag.String("input", "", "run input (string or JSON)")
	)
	flag.Parse()

	if err := run(*configPath, *workflowName, *input); err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, workflowName, rawInput string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewRedisStore(store.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return err
	}

	healthMgr := health.NewManager(logger)
	healthMgr.Register(health.CheckerFunc{
		ComponentName: "store",
		Fn:            st.Ping,
	})

	var sinks []eventlog.Sink
	stream := eventlog.NewStream(256)
	sinks = append(sinks, stream)

	if cfg.Postgres.Enabled {
		pg, err := eventlog.NewPostgresSink(eventlog.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		sinks = append(sinks, pg)
		healthMgr.Register(health.CheckerFunc{ComponentName: "eventlog", Fn: pg.Ping})
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", healthMgr.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Serving metrics and health", zap.Int("port", cfg.Metrics.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	watcher, err := workflow.NewWatcher(cfg.Workflows.Dir, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	if workflowName == "" {
		logger.Info("No workflow requested, watching definitions",
			zap.Strings("loaded", watcher.Names()),
		)
		<-ctx.Done()
		return nil
	}

	wf, ok := watcher.Get(workflowName)
	if !ok {
		return fmt.Errorf("workflow %q not found in %s", workflowName, cfg.Workflows.Dir)
	}

	eng, err := engine.New(wf, st, engine.Config{
		MaxWorkers:        cfg.Engine.MaxWorkers,
		RetryAttempts:     cfg.Engine.RetryAttempts,
		RetryDelay:        cfg.Engine.RetryDelay,
		BranchRetries:     cfg.Engine.BranchRetries,
		BranchBackoffBase: cfg.Engine.BranchBackoffBase,
		JoinMaxPolls:      cfg.Engine.JoinMaxPolls,
		RateLimit:         cfg.Engine.RateLimit,
		RateBurst:         cfg.Engine.RateBurst,
		MaxSteps:          cfg.Engine.MaxSteps,
	}, logger, engine.WithSinks(sinks...))
	if err != nil {
		return err
	}

	// loomd executes definitions with a built-in echo handler so
	// workflows can be exercised end to end from the CLI; embedders
	// register real handlers through the engine API.
	for id, spec := range wf.Agents {
		switch spec.Kind {
		case workflow.KindNormal, workflow.KindMemoryRead, workflow.KindMemoryWrite:
			agentID := id
			if err := eng.Register(agentID, engine.AgentFunc(
				func(ctx context.Context, p engine.Payload) (interface{}, error) {
					return map[string]interface{}{
						"response": fmt.Sprintf("echo from %s", agentID),
						"input":    p.Input,
					}, nil
				})); err != nil {
				return err
			}
		}
	}

	result, err := eng.Run(ctx, parseInput(rawInput))
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(map[string]interface{}{
		"run_id": result.RunID,
		"steps":  len(result.Entries),
		"result": result.Final,
	}, "", "  ")
	fmt.Println(string(out))
	return nil
}

// parseInput accepts either a JSON document or a plain string.
func parseInput(raw string) interface{} {
	if raw == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}
