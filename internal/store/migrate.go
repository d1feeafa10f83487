package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx" for migrations.
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// MigrateDirection selects whether Migrate applies or rolls back.
type MigrateDirection string

const (
	MigrateUp   MigrateDirection = "up"
	MigrateDown MigrateDirection = "down"
)

// Migrate applies (up) every pending migration or rolls back (down) the most
// recent one for the given driver ("postgres" or "sqlite"). dsn is the
// database URL or SQLite file path.
func Migrate(ctx context.Context, driver, dsn string, direction MigrateDirection) error {
	log := slog.Default().With("component", "migrate", "driver", driver)

	m, err := newMigrate(ctx, driver, dsn)
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			log.Warn("migrations source close", "error", srcErr)
		}
		if dbErr != nil {
			log.Warn("migrations db close", "error", dbErr)
		}
	}()

	switch direction {
	case MigrateUp:
		err = m.Up()
	case MigrateDown:
		err = m.Steps(-1)
	default:
		return fmt.Errorf("unknown migrate direction %q", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Debug("database migrations up-to-date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations %s: %w", direction, err)
	}

	version, dirty, _ := m.Version()
	log.Info("database migrations applied", "direction", direction, "version", version, "dirty", dirty)
	return nil
}

func newMigrate(ctx context.Context, driver, dsn string) (*migrate.Migrate, error) {
	var (
		sqlDriver string
		dir       string
		name      string
	)
	switch driver {
	case "postgres":
		sqlDriver, dir, name = "pgx", "migrations/postgres", "pgx5"
	case "sqlite":
		sqlDriver, dir, name = "sqlite", "migrations/sqlite", "sqlite"
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unknown migrations driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var instance database.Driver
	if driver == "postgres" {
		instance, err = pgxv5.WithInstance(db, &pgxv5.Config{})
	} else {
		instance, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise %s migrate driver: %w", name, err)
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, name, instance)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, nil
}
