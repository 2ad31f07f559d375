// Package app assembles config, database, logging, metrics and notification sinks into an engine.
package app

import (
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/engine"
	"buildline/internal/logging"
	"buildline/internal/metrics"
	"buildline/internal/migrate"
	"buildline/internal/notify"
)

type Options struct {
	Workspace string
	// ConfigFile overrides <workspace>/buildline.yml.
	ConfigFile string
	ProjectID  string
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Logger replaces the logger built from config.
	Logger *zap.Logger
	// LogEvents adds a sink that logs every committed event.
	LogEvents bool
}

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Notify   *notify.Dispatcher
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(opts Options) (*App, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigFile != "" {
		cfg, err = config.FromFile(opts.ConfigFile)
		if err == nil && opts.ProjectID != "" {
			cfg.Project.ID = opts.ProjectID
		}
	} else {
		cfg, err = config.LoadOptional(opts.Workspace, opts.ProjectID)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		level := cfg.Logging.Level
		if opts.LogLevel != "" {
			level = opts.LogLevel
		}
		logger, err = logging.New(logging.Config{Level: level, Format: cfg.Logging.Format, File: cfg.Logging.File})
		if err != nil {
			return nil, err
		}
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, cfg.Database.Driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sinks := notify.FromConfig(cfg.Webhooks)
	if opts.LogEvents {
		sinks = append(sinks, notify.LogSink{Logger: logger})
	}
	dispatcher := notify.NewDispatcher(sinks, logger, m, 0)
	e := engine.New(conn, cfg,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithNotifier(dispatcher),
	)
	logger.Debug("engine ready",
		zap.String("driver", cfg.Database.Driver),
		zap.String("workflow", cfg.Acceptance.Workflow),
		zap.Int("sinks", len(sinks)))
	return &App{
		Config:   cfg,
		DB:       conn,
		Engine:   e,
		Logger:   logger,
		Metrics:  m,
		Registry: reg,
		Notify:   dispatcher,
	}, nil
}

// Close delivers pending notifications, then releases the logger and database.
func (a *App) Close() error {
	a.Notify.Close()
	_ = a.Logger.Sync()
	return a.DB.Close()
}
