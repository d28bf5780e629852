package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DBConfig holds the database configuration.
// Path is used by the sqlite driver, the remaining connection fields by postgres.
type DBConfig struct {
	Logger   *slog.Logger
	Driver   string
	Path     string
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// NewDB opens a database connection and runs migrations.
func NewDB(cfg *DBConfig) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.driver() == DriverSQLite {
		// sqlite serializes writers anyway; a single connection also keeps
		// shared in-memory databases alive for the lifetime of the pool.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.driver() == DriverSQLite {
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	cfg.Logger.Info("database connection established", "driver", cfg.driver())

	if err := runMigrations(db, cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func (cfg *DBConfig) driver() string {
	if cfg.Driver == "" {
		return DriverSQLite
	}
	return cfg.Driver
}

func dialectorFor(cfg *DBConfig) (gorm.Dialector, error) {
	switch cfg.driver() {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, errors.New("sqlite path cannot be empty")
		}
		cfg.Logger.Info("opening database", "driver", DriverSQLite, "path", cfg.Path)
		return sqlite.Open(cfg.Path), nil
	case DriverPostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
		cfg.Logger.Info("connecting to database",
			"driver", DriverPostgres,
			"host", cfg.Host,
			"port", cfg.Port,
			"dbname", cfg.DBName,
		)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func runMigrations(db *gorm.DB, logger *slog.Logger) error {
	logger.Info("running database migrations")

	if err := db.AutoMigrate(
		&PhysicalModule{},
		&Location{},
		&Module{},
		&SensorClass{},
		&Sensor{},
		&Measurement{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	logger.Info("database migrations completed successfully")
	return nil
}

// CloseDB closes the database connection.
func CloseDB(db *gorm.DB, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	logger.Info("database connection closed")
	return nil
}
