package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shepherdsync/backend/internal/models"
)

const orgColumns = `
  id, name, subdomain, logo_url, plan_type, subscription_status,
  trial_ends_at, is_active, timezone, currency, custom_domain,
  primary_color, secondary_color, settings, created_at, updated_at`

// CreateOrganization inserts a new tenant. The subdomain must be
// unique; a duplicate returns ErrConflict.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = newID()
	}
	if org.Settings == nil {
		org.Settings = models.JSONB{}
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO organizations (
  id, name, subdomain, logo_url, plan_type, subscription_status,
  trial_ends_at, is_active, timezone, currency, custom_domain,
  primary_color, secondary_color, settings
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING created_at, updated_at`,
		org.ID,
		org.Name,
		org.Subdomain,
		nullString(org.LogoURL),
		org.PlanType,
		org.SubscriptionStatus,
		nullTime(org.TrialEndsAt),
		org.IsActive,
		org.Timezone,
		org.Currency,
		nullString(org.CustomDomain),
		nullString(org.PrimaryColor),
		nullString(org.SecondaryColor),
		org.Settings,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: subdomain %q already taken: %w", org.Subdomain, ErrConflict)
		}
		return fmt.Errorf("store: create organization: %w", err)
	}

	return nil
}

// CreateOrganizationWithAdmin creates a tenant and its first admin user
// in one transaction so a failed signup leaves nothing behind.
func (s *Store) CreateOrganizationWithAdmin(ctx context.Context, org *models.Organization, admin *models.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin signup tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if org.ID == "" {
		org.ID = newID()
	}
	if org.Settings == nil {
		org.Settings = models.JSONB{}
	}

	err = tx.QueryRowContext(ctx, `
INSERT INTO organizations (
  id, name, subdomain, plan_type, subscription_status,
  trial_ends_at, is_active, timezone, currency, settings
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at, updated_at`,
		org.ID,
		org.Name,
		org.Subdomain,
		org.PlanType,
		org.SubscriptionStatus,
		nullTime(org.TrialEndsAt),
		org.IsActive,
		org.Timezone,
		org.Currency,
		org.Settings,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: subdomain %q already taken: %w", org.Subdomain, ErrConflict)
		}
		return fmt.Errorf("store: create organization: %w", err)
	}

	if admin.ID == "" {
		admin.ID = newID()
	}
	admin.OrganizationID = org.ID

	err = tx.QueryRowContext(ctx, `
INSERT INTO users (
  id, organization_id, email, password_hash, first_name, last_name,
  phone, role, is_active, email_verified
) VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at, updated_at`,
		admin.ID,
		admin.OrganizationID,
		admin.Email,
		nullString(admin.PasswordHash),
		admin.FirstName,
		admin.LastName,
		nullString(admin.Phone),
		admin.Role,
		admin.IsActive,
		admin.EmailVerified,
	).Scan(&admin.CreatedAt, &admin.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: email %q already registered: %w", admin.Email, ErrConflict)
		}
		return fmt.Errorf("store: create admin user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit signup tx: %w", err)
	}

	return nil
}

// GetOrganization retrieves a tenant by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+orgColumns+` FROM organizations WHERE id = $1`, id)
	return scanOrganization(row)
}

// GetOrganizationBySubdomain retrieves a tenant by its subdomain.
func (s *Store) GetOrganizationBySubdomain(ctx context.Context, subdomain string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+orgColumns+` FROM organizations WHERE LOWER(subdomain) = LOWER($1)`, subdomain)
	return scanOrganization(row)
}

// ListOrganizations returns tenants ordered by creation time. Only
// super admins may call this.
func (s *Store) ListOrganizations(ctx context.Context, limit, offset int) ([]models.Organization, error) {
	limit, offset = Page(limit, offset)

	rows, err := s.db.QueryContext(ctx, `
SELECT`+orgColumns+`
FROM organizations
ORDER BY created_at DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, *org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate organizations: %w", err)
	}

	return orgs, nil
}

// UpdateOrganization persists mutable tenant fields.
func (s *Store) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE organizations
SET name = $1,
    logo_url = $2,
    timezone = $3,
    currency = $4,
    custom_domain = $5,
    primary_color = $6,
    secondary_color = $7,
    settings = $8,
    updated_at = now()
WHERE id = $9`,
		org.Name,
		nullString(org.LogoURL),
		org.Timezone,
		org.Currency,
		nullString(org.CustomDomain),
		nullString(org.PrimaryColor),
		nullString(org.SecondaryColor),
		org.Settings,
		org.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update organization: %w", err)
	}
	return requireRow(result, "organization")
}

// UpdateOrganizationPlan moves a tenant to a new tier and billing
// state. Upgrading off TRIAL clears the trial deadline.
func (s *Store) UpdateOrganizationPlan(ctx context.Context, orgID string, plan models.PlanType, status models.SubscriptionStatus) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE organizations
SET plan_type = $1,
    subscription_status = $2,
    trial_ends_at = CASE WHEN $1 = 'TRIAL' THEN trial_ends_at ELSE NULL END,
    updated_at = now()
WHERE id = $3`,
		plan, status, orgID)
	if err != nil {
		return fmt.Errorf("store: update organization plan: %w", err)
	}
	return requireRow(result, "organization")
}

// SetOrganizationActive toggles a tenant on or off.
func (s *Store) SetOrganizationActive(ctx context.Context, orgID string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE organizations SET is_active = $1, updated_at = now() WHERE id = $2`, active, orgID)
	if err != nil {
		return fmt.Errorf("store: set organization active: %w", err)
	}
	return requireRow(result, "organization")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrganization(row rowScanner) (*models.Organization, error) {
	var (
		org            models.Organization
		logoURL        sql.NullString
		trialEndsAt    sql.NullTime
		customDomain   sql.NullString
		primaryColor   sql.NullString
		secondaryColor sql.NullString
	)

	err := row.Scan(
		&org.ID,
		&org.Name,
		&org.Subdomain,
		&logoURL,
		&org.PlanType,
		&org.SubscriptionStatus,
		&trialEndsAt,
		&org.IsActive,
		&org.Timezone,
		&org.Currency,
		&customDomain,
		&primaryColor,
		&secondaryColor,
		&org.Settings,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan organization: %w", err)
	}

	org.LogoURL = nullStringPtr(logoURL)
	org.TrialEndsAt = nullTimePtr(trialEndsAt)
	org.CustomDomain = nullStringPtr(customDomain)
	org.PrimaryColor = nullStringPtr(primaryColor)
	org.SecondaryColor = nullStringPtr(secondaryColor)

	return &org, nil
}

// GetOrganizationStats counts a tenant's records and sums completed
// donations received since the given time.
func (s *Store) GetOrganizationStats(ctx context.Context, orgID string, since time.Time) (*models.OrganizationStats, error) {
	stats := &models.OrganizationStats{}
	err := s.db.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM users WHERE organization_id = $1 AND is_active = true),
  (SELECT COUNT(*) FROM members WHERE organization_id = $1 AND deleted_at IS NULL),
  (SELECT COUNT(*) FROM events WHERE organization_id = $1 AND starts_at > now()),
  (SELECT COALESCE(SUM(amount), 0) FROM donations
   WHERE organization_id = $1 AND payment_status = 'COMPLETED' AND created_at >= $2)`,
		orgID, since,
	).Scan(&stats.Users, &stats.Members, &stats.UpcomingEvents, &stats.DonationTotal)
	if err != nil {
		return nil, fmt.Errorf("store: organization stats: %w", err)
	}
	return stats, nil
}

func requireRow(result sql.Result, entity string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("store: %s: %w", entity, ErrNotFound)
	}
	return nil
}
