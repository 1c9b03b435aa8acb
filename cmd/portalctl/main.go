package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/elskow/license-portal/internal/admin"
	"github.com/elskow/license-portal/internal/auth"
	"github.com/elskow/license-portal/internal/database"
	"github.com/elskow/license-portal/internal/server"
)

const usage = `portalctl - operator commands for the license portal.

Usage: portalctl <command> [flags]

Commands:
  create-admin    create an administrator (--username, --password, [--email])
  create-user     create a user with a license (--username, --password, [--email], [--days])
  unlock          clear the lockout state of a user (--username)
  license         set a user's license to end --days from now (--username, [--days])
  reset-attempts  delete every recorded login attempt

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage(newFlagSet("portalctl"))
		return nil
	}
	command := args[0]

	flagSet := newFlagSet(command)
	if err := flagSet.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(flagSet)
		return nil
	}
	username, _ := flagSet.GetString("username")
	password, _ := flagSet.GetString("password")
	email, _ := flagSet.GetString("email")
	days, _ := flagSet.GetInt("days")
	configDir, _ := flagSet.GetString("config")

	if os.Getenv("APP_ENV") == "" {
		os.Setenv("APP_ENV", server.EnvDevelopment)
	}
	cfg, err := server.LoadConfigFrom(configDir)
	if err != nil {
		return err
	}
	logger, err := server.NewLogger(os.Getenv("APP_ENV"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	manager, err := database.NewManager(&cfg.Database, logger)
	if err != nil {
		return err
	}
	defer manager.Close()

	repo := auth.NewRepository(manager.DB())
	authService := auth.NewService(&cfg.Auth, cfg.Policy, logger, repo, auth.NewMetrics(prometheus.NewRegistry()))
	admins := admin.NewService(repo, authService, logger)
	ctx := context.Background()

	switch command {
	case "create-admin":
		user, err := admins.CreateAdmin(ctx, username, password, email)
		if err != nil {
			return err
		}
		fmt.Printf("created admin %s (%s), license ends %s\n", user.Username, user.ID, user.LicenseEndsAt.Format("2006-01-02"))

	case "create-user":
		user, err := admins.CreateUser(ctx, admin.CreateUserInput{
			Username:     username,
			Password:     password,
			Email:        email,
			DurationDays: days,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created user %s (%s), %d days of license\n", user.Username, user.ID, user.DaysRemaining)

	case "unlock":
		user, err := lookup(ctx, repo, username)
		if err != nil {
			return err
		}
		if _, err := admins.UnlockUser(ctx, user.ID); err != nil {
			return err
		}
		fmt.Printf("unlocked %s\n", user.Username)

	case "license":
		user, err := lookup(ctx, repo, username)
		if err != nil {
			return err
		}
		license, err := admins.SetLicenseDuration(ctx, user.ID, days)
		if err != nil {
			return err
		}
		fmt.Printf("license of %s now ends %s\n", user.Username, license.EndDate.Format("2006-01-02"))

	case "reset-attempts":
		n, err := admins.ResetAttempts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d login attempts\n", n)

	default:
		printUsage(flagSet)
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func newFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringP("username", "u", "", "account username")
	flagSet.StringP("password", "p", "", "account password")
	flagSet.String("email", "", "optional email address")
	flagSet.Int("days", 0, "license duration in days (policy default when 0)")
	flagSet.String("config", "./config/server", "directory containing config.toml")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

func lookup(ctx context.Context, repo auth.Repository, username string) (*auth.User, error) {
	if username == "" {
		return nil, errors.New("--username is required")
	}
	user, err := repo.GetUserByUsername(ctx, username)
	if errors.Is(err, auth.ErrUserNotFound) {
		return nil, fmt.Errorf("no user named %q", username)
	}
	return user, err
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, usage)
	fmt.Fprint(os.Stderr, flagSet.FlagUsages())
}
