package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"innervoice/internal/config"
	"innervoice/internal/db"
	"innervoice/internal/engine"
	"innervoice/internal/migrate"
)

// Workspace is an opened innervoice workspace: its database, its config and
// the engine built from both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace directory, migrates the database and loads the
// config. An empty configPath reads innervoice.yml from dir, falling back to
// defaults when it does not exist.
func Open(ctx context.Context, dir, configPath string, log *zap.Logger) (*Workspace, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(dir, configPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("workspace opened", zap.Int("schema_version", version), zap.String("db", db.Path(dir)))
	eng, err := engine.New(ctx, conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// LoadConfig reads the config the same way Open does.
func LoadConfig(dir, configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
