// Command seed creates the development accounts. Existing accounts are left
// untouched.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"auth-core/internal/client"
	"auth-core/internal/config"
	"auth-core/internal/hashing"
	"auth-core/internal/models"
	"auth-core/internal/repository"
	"auth-core/internal/repository/postgres"
	"auth-core/internal/util"
)

type seedAccount struct {
	Email       string
	Password    string
	DisplayName string
	Role        models.Role
}

var defaultAccounts = []seedAccount{
	{Email: "admin@example.com", Password: "Admin123!", DisplayName: "Admin User", Role: models.RoleAdmin},
	{Email: "user@example.com", Password: "User123!", DisplayName: "Test User", Role: models.RoleUser},
}

func main() {
	force := flag.Bool("force", false, "allow seeding when APP_ENV=production")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	if cfg.IsProduction() && !*force {
		util.Fatal("Refusing to seed well-known passwords into production; pass -force to override")
	}
	if cfg.Postgres.DSN == "" {
		util.Fatal("DATABASE_URL is required to seed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := client.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		util.Fatal("Failed to connect to Postgres", util.ErrorField(err))
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		util.Fatal("Failed to run migrations", util.ErrorField(err))
	}

	hasher, err := hashing.NewHasher(cfg.Hashing)
	if err != nil {
		util.Fatal("Failed to build hasher", util.ErrorField(err))
	}

	if err := seed(ctx, postgres.NewCredentialStore(pool), hasher, defaultAccounts); err != nil {
		util.Fatal("Seeding failed", util.ErrorField(err))
	}
	util.Info("Seeding complete")
}

func seed(ctx context.Context, store repository.CredentialStore, hasher *hashing.Hasher, accounts []seedAccount) error {
	for _, acct := range accounts {
		existing, err := store.FindUserByEmail(ctx, acct.Email)
		if err == nil {
			util.Info("User already exists", util.String("email", existing.Email), util.String("id", existing.ID))
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		hash, err := hasher.Hash(acct.Password)
		if err != nil {
			return fmt.Errorf("failed to hash password for %s: %w", acct.Email, err)
		}
		user := &models.User{
			Email:        acct.Email,
			DisplayName:  acct.DisplayName,
			PasswordHash: hash,
			Role:         acct.Role,
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return err
		}
		util.Info("Created user", util.String("email", user.Email), util.String("role", string(user.Role)), util.String("id", user.ID))
	}
	return nil
}
