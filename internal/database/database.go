package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"readwise-autosave/internal/secret"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Required by the library implementation.
)

const dsnOptions = "_foreign_keys=on&_busy_timeout=5000"

type Database struct {
	db     *sql.DB
	sealer secret.Sealer
	log    *slog.Logger
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

func New(ctx context.Context, dbPath string, sealer secret.Sealer, log *slog.Logger) (*Database, error) {
	if sealer == nil {
		sealer = secret.PlaintextSealer{}
	}

	dbFile, err := sql.Open("sqlite3", withDSNOptions(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open DB file: %w", err)
	}

	dbInstance, err := sqlite3.WithInstance(dbFile, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("create DB instance: %w", err)
	}

	srcInstance, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("create source instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcInstance, "sqlite3", dbInstance)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	migrateErr := m.Up()

	version, dirty, versionErr := m.Version()
	fields := []any{
		"dbPath", dbPath,
	}

	if versionErr == nil {
		fields = append(fields, "version", version, "dirty", dirty)
	} else if !errors.Is(versionErr, migrate.ErrNilVersion) {
		log.WarnContext(ctx, "Failed to fetch migration version",
			"error", versionErr,
			"dbPath", dbPath)
	}

	if migrateErr != nil {
		if !errors.Is(migrateErr, migrate.ErrNoChange) {
			return nil, fmt.Errorf("apply migrations: %w", migrateErr)
		}

		log.InfoContext(ctx, "No migrations to apply", fields...)
	} else {
		log.InfoContext(ctx, "DB is migrated", fields...)
	}

	// SQLite serialises writers anyway; a single connection keeps
	// transactions from failing with SQLITE_BUSY under concurrent pollers.
	dbFile.SetMaxOpenConns(1)

	return &Database{db: dbFile, sealer: sealer, log: log}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func withDSNOptions(dbPath string) string {
	if strings.Contains(dbPath, "_foreign_keys") {
		return dbPath
	}

	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + dsnOptions
	}

	return dbPath + "?" + dsnOptions
}
