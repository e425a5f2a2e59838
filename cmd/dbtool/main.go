package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/config"
	"github.com/shepherdsync/backend/internal/migrations"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/store"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "up":
		log.Printf("Applying migrations...")
		if err := migrations.Up(db); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
		log.Printf("Migrations applied")

	case "down":
		log.Printf("Rolling back one migration...")
		if err := migrations.Down(db); err != nil {
			log.Fatalf("failed to roll back: %v", err)
		}
		log.Printf("Rolled back")

	case "fix":
		log.Printf("Attempting to fix dirty database...")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			log.Fatalf("failed to fix dirty database: %v", err)
		}
		log.Printf("Database fixed successfully")

	case "force":
		if len(os.Args) < 3 {
			log.Fatalf("usage: %s force <version>", os.Args[0])
		}
		var v uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &v); err != nil {
			log.Fatalf("invalid version number: %s", os.Args[2])
		}
		log.Printf("Forcing database version to %d...", v)
		if err := migrations.ForceVersion(db, v); err != nil {
			log.Fatalf("failed to force version: %v", err)
		}
		log.Printf("Database version forced to %d", v)

	case "seed":
		if err := seed(db, cfg); err != nil {
			log.Fatalf("failed to seed: %v", err)
		}

	default:
		log.Printf("Usage: %s [up|down|fix|force <version>|seed]", os.Args[0])
		os.Exit(1)
	}
}

// seed creates a demo organization with an admin login, plus a
// platform-level super admin. Intended for local development only.
func seed(db *sql.DB, cfg config.Config) error {
	st, err := store.New(db)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hash, err := auth.HashPassword("changeme-now")
	if err != nil {
		return err
	}

	trialEnds := time.Now().UTC().AddDate(0, 0, cfg.TrialPeriodDays)
	demo := &models.Organization{
		Name:               "Demo Community Church",
		Subdomain:          "demo",
		PlanType:           models.PlanTrial,
		SubscriptionStatus: models.SubscriptionTrialing,
		TrialEndsAt:        &trialEnds,
		IsActive:           true,
		Timezone:           "UTC",
		Currency:           "usd",
	}
	admin := &models.User{
		Email:        "admin@demo.local",
		PasswordHash: &hash,
		FirstName:    "Demo",
		LastName:     "Admin",
		Role:         models.RoleAdmin,
		IsActive:     true,
	}
	if err := st.CreateOrganizationWithAdmin(ctx, demo, admin); err != nil {
		return fmt.Errorf("seed demo organization: %w", err)
	}
	log.Printf("seeded organization %s (subdomain %s)", demo.ID, demo.Subdomain)

	platform := &models.Organization{
		Name:               "Platform Operations",
		Subdomain:          "platform",
		PlanType:           models.PlanPremium,
		SubscriptionStatus: models.SubscriptionActive,
		IsActive:           true,
		Timezone:           "UTC",
		Currency:           "usd",
	}
	operator := &models.User{
		Email:        "root@platform.local",
		PasswordHash: &hash,
		FirstName:    "Platform",
		LastName:     "Operator",
		Role:         models.RoleSuperAdmin,
		IsActive:     true,
	}
	if err := st.CreateOrganizationWithAdmin(ctx, platform, operator); err != nil {
		return fmt.Errorf("seed platform organization: %w", err)
	}
	log.Printf("seeded super admin %s", operator.Email)
	log.Printf("seed passwords are %q, change them immediately", "changeme-now")
	return nil
}
