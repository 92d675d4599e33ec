package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitalplan/vitalplan/internal/config"
	"github.com/vitalplan/vitalplan/internal/coordinator"
	"github.com/vitalplan/vitalplan/internal/eventbus"
	"github.com/vitalplan/vitalplan/internal/executor"
	"github.com/vitalplan/vitalplan/internal/notify"
	"github.com/vitalplan/vitalplan/internal/planner"
	planrepo "github.com/vitalplan/vitalplan/internal/plan/repositoryimpl"
	pushsubrepo "github.com/vitalplan/vitalplan/internal/pushsubscription/repositoryimpl"
	"github.com/vitalplan/vitalplan/internal/resilience"
	"github.com/vitalplan/vitalplan/pkg/clog"
	"github.com/vitalplan/vitalplan/pkg/storage"

	server "github.com/vitalplan/vitalplan/internal"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus
	bus := eventbus.New()

	// Setup repositories
	planRepo := planrepo.NewYAMLRepository(store)
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Approval policy defaults with hot reload
	plannerEnv := config.PlannerEnvFromEnv(env)
	approvalDefaults := config.NewApprovalDefaults(plannerEnv.ApprovalDefaultsPath)
	if err := approvalDefaults.Watch(ctx); err != nil {
		slog.Warn("approval defaults watch disabled", "error", err)
	}

	// Setup executors and coordinator
	executors := executor.NewRegistry(
		executor.NewCalendarExecutor(plannerEnv.AgentTimeout),
		executor.NewShoppingExecutor(plannerEnv.AgentTimeout),
		executor.NewSupplementExecutor(plannerEnv.AgentTimeout),
		executor.NewScriptExecutor(plannerEnv.ScriptWorkDir, plannerEnv.AgentTimeout),
	)
	coord := coordinator.New(
		planRepo,
		planner.NewClaudePlanner(plannerEnv.PlannerTimeout),
		executors,
		resilience.NewRegistry(),
		bus,
		approvalDefaults.Current,
	)
	coordinatorServer := coordinator.NewServer(coord)

	// Setup push notification
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := notify.NewSender(vapidEnv, pushSubRepo)
	notifyServer := notify.NewServer(vapidEnv, pushSubRepo)
	pushDispatcher := notify.NewDispatcher(bus, pushSender, planRepo)
	pushDispatcher.Start(ctx)

	srv := server.NewServer(env, coordinatorServer, notifyServer)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	// Give active connections time to finish after request contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
