package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// StripeSecretKey authenticates calls to the Stripe REST API.
	StripeSecretKey string

	// StripeWebhookSecret verifies webhook signatures. Webhook delivery
	// is rejected when unset.
	StripeWebhookSecret string

	// PostmarkServerToken authenticates calls to the Postmark API. When
	// empty, outbound email is logged instead of sent.
	PostmarkServerToken string

	// PostmarkFromEmail is the verified sender address.
	PostmarkFromEmail string

	// JWTSecret signs access tokens.
	JWTSecret string

	// JWTRefreshSecret signs refresh tokens. Kept separate so a leaked
	// access secret cannot mint refresh tokens.
	JWTRefreshSecret string

	// TrialPeriodDays is the length of a new organization's trial. Defaults to 30.
	TrialPeriodDays int

	// FrontendURL is the base URL used when building links in emails.
	FrontendURL string
}

const (
	defaultServerAddress   = ":18111"
	defaultTrialPeriodDays = 30
	defaultFrontendURL     = "http://localhost:3000"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envPostmarkServerToken = "POSTMARK_SERVER_TOKEN"
	envPostmarkFromEmail   = "POSTMARK_FROM_EMAIL"
	envJWTSecret           = "JWT_SECRET"
	envJWTRefreshSecret    = "JWT_REFRESH_SECRET"
	envTrialPeriodDays     = "TRIAL_PERIOD_DAYS"
	envFrontendURL         = "FRONTEND_URL"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         os.Getenv(envDatabaseURL),
		StripeSecretKey:     os.Getenv(envStripeSecretKey),
		StripeWebhookSecret: os.Getenv(envStripeWebhookSecret),
		PostmarkServerToken: os.Getenv(envPostmarkServerToken),
		PostmarkFromEmail:   os.Getenv(envPostmarkFromEmail),
		JWTSecret:           os.Getenv(envJWTSecret),
		JWTRefreshSecret:    os.Getenv(envJWTRefreshSecret),
		TrialPeriodDays:     defaultTrialPeriodDays,
		FrontendURL:         firstNonEmpty(os.Getenv(envFrontendURL), defaultFrontendURL),
	}

	if value := os.Getenv(envTrialPeriodDays); value != "" {
		days, err := strconv.Atoi(value)
		if err != nil || days < 1 {
			return Config{}, fmt.Errorf("invalid %s: %q", envTrialPeriodDays, value)
		}
		cfg.TrialPeriodDays = days
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envJWTSecret)
	}
	if cfg.JWTRefreshSecret == "" {
		cfg.JWTRefreshSecret = cfg.JWTSecret + ".refresh"
	}
	if cfg.PostmarkServerToken != "" && cfg.PostmarkFromEmail == "" {
		return Config{}, fmt.Errorf("%s is required when %s is set", envPostmarkFromEmail, envPostmarkServerToken)
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
