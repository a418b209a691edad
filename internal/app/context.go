// Package app assembles a caseflow workspace: config, database, migrations
// and the engine on top of them.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/engine"
	"caseflow/internal/metrics"
	"caseflow/internal/migrate"
)

// Options locate the workspace and its database.
type Options struct {
	Workspace string
	Driver    string
	DSN       string
	Metrics   *metrics.Metrics

	// ConfigPath overrides <workspace>/caseflow.yml.
	ConfigPath string
}

type App struct {
	Conn    *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Metrics *metrics.Metrics
}

// Open loads caseflow.yml from the workspace, opens and migrates the
// database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	e, err := engine.New(conn, cfg, m)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{Conn: conn, Config: cfg, Engine: e, Metrics: m}, nil
}

func (a *App) Close() error {
	return a.Conn.Close()
}

// InitWorkspace writes the default caseflow.yml. An existing file is kept
// unless force is set.
func InitWorkspace(workspace string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
