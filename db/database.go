package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Database wraps the single SQLite connection shared by the raw SQL pipeline
// paths and the gorm model helpers.
type Database struct {
	conn             *sql.DB
	orm              *gorm.DB
	migrationManager *MigrationManager
	logger           *zap.Logger
}

// NewDatabase opens the store, pins it to one connection and applies pending migrations
func NewDatabase(driverName, dataSourceName string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite has a single writer; one connection keeps every write serialized.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	orm, err := gorm.Open(sqlite.New(sqlite.Config{Conn: conn}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	db := &Database{
		conn:             conn,
		orm:              orm,
		migrationManager: NewMigrationManager(conn, migrations, logger),
		logger:           logger,
	}

	if err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *Database) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks database connectivity
func (db *Database) Ping() error {
	return db.conn.Ping()
}

// RunMigrations runs all pending database migrations
func (db *Database) RunMigrations() error {
	db.logger.Debug("running database migrations")
	return db.migrationManager.Migrate()
}

// GetMigrationStatus returns the current migration status
func (db *Database) GetMigrationStatus() ([]Migration, error) {
	return db.migrationManager.GetMigrationStatus()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
