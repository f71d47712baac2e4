package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/api"
	"github.com/skoll/overmind/internal/bus"
	"github.com/skoll/overmind/internal/config"
	"github.com/skoll/overmind/internal/gateway"
	"github.com/skoll/overmind/internal/orchestrator"
	"github.com/skoll/overmind/internal/spawn"
	"github.com/skoll/overmind/internal/store"
	"github.com/skoll/overmind/internal/worklog"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Overmind...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overmind.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// PostgreSQL: workflow state, employees, sessions, history.
	pgStore, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	if err := pgStore.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Event bus; Redis is optional and only broadens event visibility.
	events, err := bus.New(cfg.Database.Redis.URL, logger)
	if err != nil {
		logger.Warn("Redis unavailable, events stay in-process", zap.Error(err))
		events, _ = bus.New("", logger)
	}

	// Seed the employee roster from config.
	for _, ec := range cfg.Employees {
		if _, err := pgStore.UpsertEmployee(context.Background(), ec.Name, ec.CLI, ec.Model, ec.Role); err != nil {
			logger.Warn("employee seed failed", zap.String("name", ec.Name), zap.Error(err))
		}
	}

	worklogDir := cfg.Worklog.Dir
	if worklogDir == "" {
		worklogDir = "worklogs"
	}
	logs, err := worklog.NewManager(worklogDir, logger)
	if err != nil {
		logger.Fatal("worklog dir unavailable", zap.Error(err))
	}

	runner := spawn.NewRunner(cfg.Spawn, logger)

	machine := orchestrator.NewStateMachine(pgStore, events, logger)
	dispatcher := orchestrator.NewDispatcher(pgStore, runner, events, logs, 4, logger)
	pipeline := orchestrator.NewPipeline(machine, dispatcher, pgStore, runner, events, logs, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(rootCtx, pipeline, machine, pgStore, events, runner.Busy, logger)

	// Chat adapters feed the gateway; the relay carries results back.
	var adapters []gateway.Adapter
	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		adapters = append(adapters, gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		adapters = append(adapters, gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger))
	}
	for _, a := range adapters {
		if err := a.Connect(rootCtx); err != nil {
			logger.Warn("adapter connect failed", zap.String("platform", a.Platform()), zap.Error(err))
			continue
		}
		gw.Attach(a)
	}
	relay := gateway.NewRelay(events, adapters, logger)
	go relay.Run(rootCtx)

	handler := api.NewHandler(gw, machine, events, pgStore, logs, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overmind listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()

	logger.Info("Shutting down Overmind...")
	shutdownCtx := context.Background()
	srv.Shutdown(shutdownCtx)
	for _, a := range adapters {
		a.Close()
	}
	events.Close()
	pgStore.Close()
}
