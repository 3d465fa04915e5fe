package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/env"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
)

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	zl, err := logging.New(env.IsDev())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	dbURL := fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		env.GetEnv("DB_USER", "petfox"),
		env.GetEnv("DB_PASSWORD", "petfox"),
		env.GetEnv("DB_HOST", "db"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", "petfox_db"),
	)
	source := env.GetEnv("MIGRATIONS_PATH", "file://migrations")

	zl.Info("connecting",
		zap.String("user", env.GetEnv("DB_USER", "petfox")),
		zap.String("host", env.GetEnv("DB_HOST", "db")),
		zap.String("database", env.GetEnv("DB_NAME", "petfox_db")),
		zap.String("source", source),
	)

	m, err := migrate.New(source, dbURL)
	if err != nil {
		zl.Fatal("init migrations", zap.Error(err))
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			zl.Warn("close migrations", zap.NamedError("source", sourceErr), zap.NamedError("database", dbErr))
		}
	}()

	switch command {
	case "up":
		report(zl, "up", m.Up())
	case "down":
		report(zl, "down one step", m.Steps(-1))
	case "goto", "force":
		if len(os.Args) < 3 {
			zl.Fatal("missing version argument", zap.String("command", command))
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			zl.Fatal("invalid version", zap.String("version", os.Args[2]), zap.Error(err))
		}
		if command == "goto" {
			report(zl, fmt.Sprintf("goto %d", version), m.Migrate(uint(version)))
		} else {
			report(zl, fmt.Sprintf("force %d", version), m.Force(int(version)))
		}
	case "status":
		version, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			zl.Info("no migrations applied yet")
		case err != nil:
			zl.Fatal("read version", zap.Error(err))
		default:
			zl.Info("current version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func report(zl *zap.Logger, step string, err error) {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		zl.Info("no change", zap.String("step", step))
	case err != nil:
		zl.Fatal("migration failed", zap.String("step", step), zap.Error(err))
	default:
		zl.Info("migration applied", zap.String("step", step))
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./cmd/migrate [command]")
	fmt.Println("Commands:")
	fmt.Println("  up        - apply all pending migrations")
	fmt.Println("  down      - roll back the most recent migration")
	fmt.Println("  goto N    - migrate to version N")
	fmt.Println("  force N   - mark version N as applied and clear the dirty flag")
	fmt.Println("  status    - print the current version")
}
