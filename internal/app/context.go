// Package app wires a workspace into a ready engine: config, database, catalog and
// notification delivery.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"phaseline/internal/automation"
	"phaseline/internal/catalog"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/notify"
)

// App is one opened workspace. Close releases the database and the notification bus.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Catalog   *catalog.Catalog
	Engine    engine.Engine
	// Delivery sends notifications synchronously (log and webhooks).
	Delivery notify.Dispatcher
	Logger   *slog.Logger

	bus *notify.Bus
}

// Open loads phaseline.yml (or the built-in default), opens and migrates the database and
// builds the engine. Notifications are delivered synchronously until StartBus is called.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build phase catalog: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	ran, err := migrate.Up(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, m := range ran {
		logger.Info("applied migration", "version", m.Version, "name", m.Name)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	delivery := Delivery(cfg, logger)
	eng := engine.New(conn, cat)
	eng.Logger = logger.With("module", "engine")
	eng.Notifier = delivery
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Catalog:   cat,
		Engine:    eng,
		Delivery:  delivery,
		Logger:    logger,
	}, nil
}

// Delivery builds the synchronous dispatcher described by the notifications config.
func Delivery(cfg *config.Config, logger *slog.Logger) notify.Dispatcher {
	var out notify.Multi
	if cfg.Notifications.Log {
		out = append(out, notify.LogDispatcher{Logger: logger.With("module", "notify")})
	}
	if len(cfg.Notifications.Webhooks) > 0 {
		out = append(out, notify.NewWebhookDispatcher(cfg.Notifications.Webhooks))
	}
	if len(out) == 0 {
		return notify.Nop
	}
	return out
}

// StartBus routes engine notifications through the in-process bus and drains it into the
// synchronous delivery until ctx is cancelled. Used by long-running processes.
func (a *App) StartBus(ctx context.Context) error {
	if a.bus != nil {
		return errors.New("notification bus already started")
	}
	bus, err := notify.NewBus(a.Logger.With("module", "bus"))
	if err != nil {
		return err
	}
	a.bus = bus
	a.Engine.Notifier = bus
	go func() {
		if err := bus.Run(ctx, a.Delivery); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("notification bus stopped", "error", err)
		}
	}()
	return nil
}

// Runner builds the automation runner from the automation config. Rule notifications go
// through the same dispatcher as engine notifications.
func (a *App) Runner() (*automation.Runner, error) {
	ac := a.Config.Automation
	return automation.New(automation.Options{
		Repo:        a.Engine.Repo,
		Engine:      a.Engine,
		Dispatcher:  a.Engine.Notifier,
		Catalog:     a.Catalog,
		Logger:      a.Logger.With("module", "automation"),
		Interval:    ac.Interval,
		PairTimeout: ac.PairTimeout,
		Concurrency: ac.Concurrency,
	})
}

func (a *App) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}
