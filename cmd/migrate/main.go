package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	"github.com/xaenox/inbox-triage/internal/storage"
	"github.com/xaenox/inbox-triage/pkg/config"
	"go.uber.org/zap"
)

// Usage: migrate [-config path] [up|down|version|force <version>]
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}
	if cfg.Database.Driver == storage.DriverMemory {
		logger.Fatal("Nothing to migrate for in-memory storage")
	}

	dbConfig := storage.DatabaseConfig{
		Driver:     cfg.Database.Driver,
		Host:       cfg.Database.Host,
		Port:       cfg.Database.Port,
		User:       cfg.Database.User,
		Password:   cfg.Database.Password,
		DBName:     cfg.Database.DBName,
		SSLMode:    cfg.Database.SSLMode,
		SQLitePath: cfg.Database.SQLitePath,
	}
	db, err := sql.Open(dbConfig.Driver, dbConfig.DSN())
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	m, err := storage.NewMigrator(db, dbConfig.Driver)
	if err != nil {
		logger.Fatal("Failed to create migrator", zap.Error(err))
	}
	defer func() { _, _ = m.Close() }()

	if err := run(m, flag.Args()); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
}

func run(m *migrate.Migrate, args []string) error {
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "force":
		if len(args) < 2 {
			return errors.New("force requires a version")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version: %w", err)
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("read version: %w", err)
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	fmt.Println("migrations complete")
	return nil
}
