package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/mongoferry/mongoferry/internal/config"
	"github.com/mongoferry/mongoferry/internal/engine"
	"github.com/mongoferry/mongoferry/internal/handlers"
	"github.com/mongoferry/mongoferry/internal/middleware"
	"github.com/mongoferry/mongoferry/internal/migration"
	"github.com/mongoferry/mongoferry/internal/orchestrator"
	"github.com/mongoferry/mongoferry/internal/repository"
	"github.com/mongoferry/mongoferry/internal/routes"
	"github.com/mongoferry/mongoferry/internal/stats"
	"github.com/mongoferry/mongoferry/internal/telemetry"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type application struct {
	config *config.Config
	db     *sql.DB
	logger zerolog.Logger
	orch   *orchestrator.Orchestrator
	hub    *telemetry.Hub
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	// Load configuration.
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.SetFlags(0)
	log.SetOutput(logger)

	goose.SetLogger(migration.NewGooseAdapter(logger))

	// Initialize the registry database.
	db, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open the registry database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping the registry database")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logger.Fatal().Err(err).Msg("Failed to enable foreign keys")
	}

	// Run database migrations.
	if err := migration.Run(db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Create the application instance.
	app := &application{
		config: cfg,
		db:     db,
		logger: logger,
	}

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.CORSOrigins),
		h.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, logger)

	logger.Info().Msg("Application terminated.")
}

// initRouter wires the registry, telemetry hub, stats collector, tool engine
// and orchestrator into the HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	connRepo := repository.NewConnectionRepository(app.db)

	app.hub = telemetry.NewHub(app.config.Telemetry.SubscriberBuffer, logger)
	collector := stats.NewCollector(app.config.Stats.Timeout, logger)

	runner := app.buildRunner(logger)
	toolClient := engine.NewClient(runner, app.config.Tools.DumpBin, app.config.Tools.RestoreBin)

	app.orch = orchestrator.New(connRepo, toolClient, collector, app.hub, orchestrator.Config{
		ArchiveDir:      app.config.Tools.ArchiveDir,
		DropTarget:      app.config.Tools.DropTarget,
		KeepArchive:     app.config.Tools.KeepArchive,
		LogTail:         app.config.Orchestrator.LogTail,
		CheckLocalTools: app.config.Runner.Mode == config.RunnerModeLocal,
	}, logger)

	connHandler := handlers.NewConnectionHandler(connRepo, collector, logger)
	jobHandler := handlers.NewJobHandler(app.orch, logger)
	streamHandler := handlers.NewStreamHandler(app.hub, logger)

	return routes.NewRouter(connHandler, jobHandler, streamHandler)
}

// buildRunner selects the execution backend for the dump/restore tools.
func (app *application) buildRunner(logger zerolog.Logger) engine.Runner {
	if app.config.Runner.Mode == config.RunnerModeDocker {
		dockerClient, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Docker client")
		}
		return engine.NewDockerRunner(dockerClient, engine.DockerRunnerConfig{
			Image:       app.config.Runner.Image,
			ArchiveDir:  app.config.Tools.ArchiveDir,
			Grace:       app.config.Runner.GracePeriod,
			CPULimit:    app.config.Runner.ContainerCPULimit,
			MemoryLimit: app.config.Runner.ContainerMemoryLimit,
		}, logger)
	}
	return engine.NewLocalRunner(app.config.Runner.GracePeriod, logger)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Cancel the active migration, if any, and wait for it to settle. The
	// budget covers the runner's kill escalation plus a margin.
	jobCtx, jobCancel := context.WithTimeout(context.Background(), app.config.Runner.GracePeriod+5*time.Second)
	defer jobCancel()
	if err := app.orch.Shutdown(jobCtx); err != nil {
		logger.Error().Err(err).Msg("Migration shutdown error")
	} else {
		logger.Info().Msg("Orchestrator stopped.")
	}
}
