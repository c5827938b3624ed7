// Command taskorchd is the orchestrator daemon: it owns the scheduler,
// executor, reconciler, and heartbeat background loops, and serves the
// HTTP/JSON API described by the orchestrator's spec.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/api"
	"github.com/kandev/taskorch/internal/common/config"
	"github.com/kandev/taskorch/internal/common/logger"
	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/executor"
	"github.com/kandev/taskorch/internal/heartbeat"
	"github.com/kandev/taskorch/internal/logstream"
	"github.com/kandev/taskorch/internal/merge"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/reconciler"
	"github.com/kandev/taskorch/internal/scheduler"
	"github.com/kandev/taskorch/internal/store"
	"github.com/kandev/taskorch/internal/tracing"
	"github.com/kandev/taskorch/internal/worktree"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting taskorchd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the database (sqlite path or postgres DSN) and the store.
	pool, err := db.Open(cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := store.New(pool)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	log.Info("database ready", zap.String("url", cfg.Database.URL))

	// 4. Wire core components.
	wm := worktree.NewManager(log)
	rec := reconciler.New(st, wm, log)
	exec := executor.New(st, wm, log)
	mergeEngine := merge.New(st, wm, log)
	logs := logstream.New(st, log)

	sched := scheduler.New(st, exec, rec, log, cfg.Scheduler.Interval)

	capabilities := []string{
		string(model.BackendClaudeCode),
		string(model.BackendCodex),
		string(model.BackendCopilot),
	}
	hb := heartbeat.New(st, log, heartbeat.Config{
		Env:          cfg.Runner.Env,
		Capabilities: capabilities,
		MaxParallel:  cfg.Runner.MaxParallel,
		Interval:     cfg.Heartbeat.Interval,
	})

	// 5. Start background loops.
	hb.Start(ctx)
	sched.Start(ctx)
	log.Info("background loops started", zap.String("local_runner_id", hb.RunnerID()))

	// 6. Set up the HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.OtelTracing("taskorchd"))
	router.Use(api.CORS(cfg.Server.CORSOrigins))

	v1 := router.Group("/api")
	api.SetupRoutes(v1, api.Deps{
		Store:          st,
		Executor:       exec,
		Merge:          mergeEngine,
		Worktree:       wm,
		Logs:           logs,
		PromptMaxChars: cfg.Prompt.MaxChars,
	}, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 7. Wait for a shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down taskorchd")
	cancel()
	sched.Stop()
	hb.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("taskorchd stopped")
}
