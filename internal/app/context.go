package app

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"embarques/internal/config"
	"embarques/internal/db"
	"embarques/internal/logger"
	"embarques/internal/migrate"
	"embarques/internal/repo"
)

// Env bundles the handles every CLI command needs: an open migrated
// database, the loaded config, and the process logger.
type Env struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Log       zerolog.Logger
}

// Options for Open. Secret fields override whatever the config file
// carries, so deployments can keep secrets out of the yaml.
type Options struct {
	Workspace     string
	Environment   string
	LogLevel      string
	WebhookSecret string
}

// Open prepares the workspace: opens the database, applies pending
// migrations, and loads the config file if one exists.
func Open(opts Options) (*Env, error) {
	log, err := logger.New(opts.Environment, opts.LogLevel)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if strings.TrimSpace(opts.WebhookSecret) != "" {
		cfg.Partner.WebhookSecret = opts.WebhookSecret
	}
	return &Env{
		Workspace: opts.Workspace,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Config:    cfg,
		Log:       log,
	}, nil
}

// Close releases the database handle.
func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}
