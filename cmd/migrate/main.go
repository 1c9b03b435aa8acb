package main

import (
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/pflag"

	"github.com/elskow/license-portal/internal/migration"
	"github.com/elskow/license-portal/internal/server"
)

func main() {
	flagSet := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	command := flagSet.StringP("command", "c", "up", "migration command (up/down/down-to/status/version/reset)")
	target := flagSet.Int64("to", 0, "target version for down-to")
	configDir := flagSet.String("config", "./config/server", "directory containing config.toml")
	_ = flagSet.Parse(os.Args[1:])

	if os.Getenv("APP_ENV") == "" {
		os.Setenv("APP_ENV", server.EnvDevelopment)
	}

	// Load config
	cfg, err := server.LoadConfigFrom(*configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Create migrator
	migrator, err := migration.NewMigrator(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	defer migrator.Close()

	// Run migration command
	switch *command {
	case "up":
		if err := migrator.Up(); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Println("Successfully ran migrations")

	case "down":
		if err := migrator.Down(); err != nil {
			log.Fatalf("Failed to rollback migrations: %v", err)
		}
		log.Println("Successfully rolled back migrations")

	case "down-to":
		if err := migrator.DownTo(*target); err != nil {
			log.Fatalf("Failed to roll back to version %d: %v", *target, err)
		}
		log.Printf("Successfully rolled back to version %d", *target)

	case "status":
		if err := migrator.Status(); err != nil {
			log.Fatalf("Failed to get migration status: %v", err)
		}

	case "version":
		version, err := migrator.Version()
		if err != nil {
			log.Fatalf("Failed to get migration version: %v", err)
		}
		log.Printf("Current migration version: %d", version)

	case "reset":
		if err := migrator.Reset(); err != nil {
			log.Fatalf("Failed to reset migrations: %v", err)
		}
		log.Println("Successfully reset migrations")

	default:
		log.Fatalf("Unknown command: %s", *command)
	}
}
