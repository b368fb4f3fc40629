package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"foreman/internal/config"
	"foreman/internal/conversation"
	"foreman/internal/db"
	"foreman/internal/decompose"
	"foreman/internal/dispatch"
	"foreman/internal/engine"
	"foreman/internal/migrate"
	"foreman/internal/repo"
)

// App holds the wired components for one workspace.
type App struct {
	DB          *sql.DB
	Config      *config.Config
	Store       *repo.Store
	Engine      *engine.Engine
	Coordinator *conversation.Coordinator
	Log         *slog.Logger
}

// Open loads workspace config, opens and migrates the database, and wires
// the store, engine and conversation coordinator.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	store := repo.New(conn)
	executor := dispatch.New(cfg.Dispatch)
	eng, err := engine.New(engine.Options{
		Store:    store,
		Executor: executor,
		Config:   cfg,
		Sink:     store.Events,
		Logger:   logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	coord := conversation.New(store, eng, decompose.Fallback{}, logger, cfg.ActorID())
	return &App{
		DB:          conn,
		Config:      cfg,
		Store:       store,
		Engine:      eng,
		Coordinator: coord,
		Log:         logger,
	}, nil
}

// Close waits for in-flight workers and releases the database.
func (a *App) Close() error {
	a.Engine.Wait()
	return a.DB.Close()
}

func newLogger(cfg config.Log) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
