package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shepherdsync/backend/internal/models"
)

const donationColumns = `
  id, organization_id, user_id, member_id, amount, currency,
  donation_type, payment_method, payment_status, is_recurring,
  recurring_schedule, next_payment_date, stripe_payment_intent_id,
  stripe_subscription_id, stripe_charge_id, receipt_number,
  receipt_sent_at, donor_name, donor_email, notes, is_anonymous,
  created_at, updated_at`

// DonationFilter narrows ListDonations results.
type DonationFilter struct {
	Status    models.PaymentStatus
	Type      models.DonationType
	UserID    string
	Recurring *bool
	From      *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// NewReceiptNumber builds a receipt identifier from the current time
// and a random suffix, e.g. RCP-LX2C41-9F3A.
func NewReceiptNumber(now time.Time) (string, error) {
	suffix, err := randomHex(2)
	if err != nil {
		return "", fmt.Errorf("store: generate receipt suffix: %w", err)
	}
	ts := strings.ToUpper(strconv.FormatInt(now.Unix(), 36))
	return fmt.Sprintf("RCP-%s-%s", ts, strings.ToUpper(suffix)), nil
}

// CreateDonation persists a donation row. Card donations are inserted
// as PENDING before any gateway call so a crash mid-charge leaves an
// auditable record.
func (s *Store) CreateDonation(ctx context.Context, d *models.Donation) error {
	if d.ID == "" {
		d.ID = newID()
	}

	var schedule interface{}
	if d.RecurringSchedule != nil {
		schedule = string(*d.RecurringSchedule)
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO donations (
  id, organization_id, user_id, member_id, amount, currency,
  donation_type, payment_method, payment_status, is_recurring,
  recurring_schedule, next_payment_date, stripe_payment_intent_id,
  stripe_subscription_id, stripe_charge_id, receipt_number,
  donor_name, donor_email, notes, is_anonymous
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
          $15, $16, $17, $18, $19, $20)
RETURNING created_at, updated_at`,
		d.ID,
		d.OrganizationID,
		nullString(d.UserID),
		nullString(d.MemberID),
		d.Amount,
		d.Currency,
		d.DonationType,
		d.PaymentMethod,
		d.PaymentStatus,
		d.IsRecurring,
		schedule,
		nullTime(d.NextPaymentDate),
		nullString(d.StripePaymentIntentID),
		nullString(d.StripeSubscriptionID),
		nullString(d.StripeChargeID),
		nullString(d.ReceiptNumber),
		nullString(d.DonorName),
		nullString(d.DonorEmail),
		nullString(d.Notes),
		d.IsAnonymous,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: duplicate donation reference: %w", ErrConflict)
		}
		return fmt.Errorf("store: create donation: %w", err)
	}

	return nil
}

// GetDonation retrieves one donation within an organization.
func (s *Store) GetDonation(ctx context.Context, orgID, id string) (*models.Donation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+donationColumns+` FROM donations WHERE organization_id = $1 AND id = $2`, orgID, id)
	return scanDonation(row)
}

// GetDonationByIntentID looks up the donation created for a payment
// intent. Used by webhook reconciliation, which has no tenant context.
func (s *Store) GetDonationByIntentID(ctx context.Context, intentID string) (*models.Donation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+donationColumns+` FROM donations WHERE stripe_payment_intent_id = $1`, intentID)
	return scanDonation(row)
}

// GetDonationBySubscriptionID returns the most recent donation row for
// a subscription. Recurring installments each get their own row, so
// the latest carries the current schedule and amount.
func (s *Store) GetDonationBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Donation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT`+donationColumns+`
FROM donations
WHERE stripe_subscription_id = $1
ORDER BY created_at DESC
LIMIT 1`, subscriptionID)
	return scanDonation(row)
}

// GetDonationByChargeID looks up a donation by its settled charge.
func (s *Store) GetDonationByChargeID(ctx context.Context, chargeID string) (*models.Donation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+donationColumns+` FROM donations WHERE stripe_charge_id = $1`, chargeID)
	return scanDonation(row)
}

// ListDonations returns the organization's donations matching the
// filter, newest first.
func (s *Store) ListDonations(ctx context.Context, orgID string, filter DonationFilter) ([]models.Donation, error) {
	limit, offset := Page(filter.Limit, filter.Offset)

	query := `
SELECT` + donationColumns + `
FROM donations
WHERE organization_id = $1`
	args := []interface{}{orgID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND payment_status = $%d`, len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(` AND donation_type = $%d`, len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if filter.Recurring != nil {
		args = append(args, *filter.Recurring)
		query += fmt.Sprintf(` AND is_recurring = $%d`, len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list donations: %w", err)
	}
	defer rows.Close()

	var donations []models.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate donations: %w", err)
	}

	return donations, nil
}

// CompleteDonationByIntent flips a PENDING donation to COMPLETED and
// stamps the charge and receipt number. The status condition makes the
// transition idempotent: a second webhook delivery updates zero rows.
func (s *Store) CompleteDonationByIntent(ctx context.Context, intentID, chargeID, receiptNumber string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET payment_status = 'COMPLETED',
    stripe_charge_id = COALESCE(NULLIF($2, ''), stripe_charge_id),
    receipt_number = COALESCE(receipt_number, $3),
    updated_at = now()
WHERE stripe_payment_intent_id = $1 AND payment_status = 'PENDING'`,
		intentID, chargeID, receiptNumber)
	if err != nil {
		return 0, fmt.Errorf("store: complete donation by intent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected, nil
}

// CompleteDonation is CompleteDonationByIntent keyed by primary key,
// for recurring donations whose first invoice settles the original row.
func (s *Store) CompleteDonation(ctx context.Context, id, chargeID, receiptNumber string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET payment_status = 'COMPLETED',
    stripe_charge_id = COALESCE(NULLIF($2, ''), stripe_charge_id),
    receipt_number = COALESCE(receipt_number, $3),
    updated_at = now()
WHERE id = $1 AND payment_status = 'PENDING'`,
		id, chargeID, receiptNumber)
	if err != nil {
		return 0, fmt.Errorf("store: complete donation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected, nil
}

// FailDonationByIntent flips a PENDING donation to FAILED.
func (s *Store) FailDonationByIntent(ctx context.Context, intentID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET payment_status = 'FAILED', updated_at = now()
WHERE stripe_payment_intent_id = $1 AND payment_status = 'PENDING'`, intentID)
	if err != nil {
		return 0, fmt.Errorf("store: fail donation by intent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected, nil
}

// FailDonation flips one PENDING donation to FAILED by primary key,
// used when the gateway rejects the charge synchronously.
func (s *Store) FailDonation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE donations
SET payment_status = 'FAILED', updated_at = now()
WHERE id = $1 AND payment_status = 'PENDING'`, id)
	if err != nil {
		return fmt.Errorf("store: fail donation: %w", err)
	}
	return nil
}

// RefundDonationByCharge marks a settled donation REFUNDED.
func (s *Store) RefundDonationByCharge(ctx context.Context, chargeID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET payment_status = 'REFUNDED', updated_at = now()
WHERE stripe_charge_id = $1 AND payment_status = 'COMPLETED'`, chargeID)
	if err != nil {
		return 0, fmt.Errorf("store: refund donation by charge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected, nil
}

// CancelRecurringDonation records that cancellation was requested for a
// subscription. Rows already terminal are left alone.
func (s *Store) CancelRecurringDonation(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET payment_status = 'CANCELED', next_payment_date = NULL, updated_at = now()
WHERE organization_id = $1 AND id = $2 AND is_recurring = true
  AND payment_status NOT IN ('CANCELED', 'REFUNDED')`, orgID, id)
	if err != nil {
		return fmt.Errorf("store: cancel recurring donation: %w", err)
	}
	return requireRow(result, "recurring donation")
}

// CancelRecurringBySubscription handles gateway-initiated subscription
// deletion.
func (s *Store) CancelRecurringBySubscription(ctx context.Context, subscriptionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET payment_status = 'CANCELED', next_payment_date = NULL, updated_at = now()
WHERE stripe_subscription_id = $1 AND is_recurring = true
  AND payment_status NOT IN ('CANCELED', 'REFUNDED')`, subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("store: cancel recurring by subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected, nil
}

// UpdateDonation persists the editable fields of a donation record.
// Payment status transitions go through the dedicated methods instead.
func (s *Store) UpdateDonation(ctx context.Context, d *models.Donation) error {
	var schedule interface{}
	if d.RecurringSchedule != nil {
		schedule = string(*d.RecurringSchedule)
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET amount = $1,
    donation_type = $2,
    recurring_schedule = $3,
    next_payment_date = $4,
    notes = $5,
    is_anonymous = $6,
    updated_at = now()
WHERE organization_id = $7 AND id = $8`,
		d.Amount,
		d.DonationType,
		schedule,
		nullTime(d.NextPaymentDate),
		nullString(d.Notes),
		d.IsAnonymous,
		d.OrganizationID,
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update donation: %w", err)
	}
	return requireRow(result, "donation")
}

// AttachPaymentIntent records the gateway intent backing a donation.
func (s *Store) AttachPaymentIntent(ctx context.Context, id, intentID string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET stripe_payment_intent_id = $2, updated_at = now()
WHERE id = $1`, id, intentID)
	if err != nil {
		return fmt.Errorf("store: attach payment intent: %w", err)
	}
	return requireRow(result, "donation")
}

// AttachSubscription records the gateway subscription backing a
// recurring donation.
func (s *Store) AttachSubscription(ctx context.Context, id, subscriptionID string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET stripe_subscription_id = $2, updated_at = now()
WHERE id = $1`, id, subscriptionID)
	if err != nil {
		return fmt.Errorf("store: attach subscription: %w", err)
	}
	return requireRow(result, "donation")
}

// MarkReceiptSent stamps receipt dispatch exactly once. Returns the
// rows updated; zero means another worker already sent it.
func (s *Store) MarkReceiptSent(ctx context.Context, id string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE donations
SET receipt_sent_at = now(), updated_at = now()
WHERE id = $1 AND receipt_sent_at IS NULL`, id)
	if err != nil {
		return 0, fmt.Errorf("store: mark receipt sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected, nil
}

// GetDonationStats aggregates completed giving for a window.
func (s *Store) GetDonationStats(ctx context.Context, orgID string, from, until time.Time) (*models.DonationStats, error) {
	stats := &models.DonationStats{ByType: map[models.DonationType]float64{}}

	err := s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(amount), 0),
  COUNT(*),
  COUNT(CASE WHEN is_recurring THEN 1 END)
FROM donations
WHERE organization_id = $1 AND payment_status = 'COMPLETED'
  AND created_at >= $2 AND created_at <= $3`,
		orgID, from, until,
	).Scan(&stats.TotalAmount, &stats.TotalCount, &stats.RecurringCount)
	if err != nil {
		return nil, fmt.Errorf("store: donation stats totals: %w", err)
	}

	if stats.TotalCount > 0 {
		stats.AverageAmount = stats.TotalAmount / float64(stats.TotalCount)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT donation_type, COALESCE(SUM(amount), 0)
FROM donations
WHERE organization_id = $1 AND payment_status = 'COMPLETED'
  AND created_at >= $2 AND created_at <= $3
GROUP BY donation_type`, orgID, from, until)
	if err != nil {
		return nil, fmt.Errorf("store: donation stats by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dtype models.DonationType
			total float64
		)
		if err := rows.Scan(&dtype, &total); err != nil {
			return nil, fmt.Errorf("store: scan donation stats: %w", err)
		}
		stats.ByType[dtype] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate donation stats: %w", err)
	}

	return stats, nil
}

func scanDonation(row rowScanner) (*models.Donation, error) {
	var (
		d              models.Donation
		userID         sql.NullString
		memberID       sql.NullString
		schedule       sql.NullString
		nextPayment    sql.NullTime
		intentID       sql.NullString
		subscriptionID sql.NullString
		chargeID       sql.NullString
		receiptNumber  sql.NullString
		receiptSentAt  sql.NullTime
		donorName      sql.NullString
		donorEmail     sql.NullString
		notes          sql.NullString
	)

	err := row.Scan(
		&d.ID,
		&d.OrganizationID,
		&userID,
		&memberID,
		&d.Amount,
		&d.Currency,
		&d.DonationType,
		&d.PaymentMethod,
		&d.PaymentStatus,
		&d.IsRecurring,
		&schedule,
		&nextPayment,
		&intentID,
		&subscriptionID,
		&chargeID,
		&receiptNumber,
		&receiptSentAt,
		&donorName,
		&donorEmail,
		&notes,
		&d.IsAnonymous,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan donation: %w", err)
	}

	d.UserID = nullStringPtr(userID)
	d.MemberID = nullStringPtr(memberID)
	if schedule.Valid {
		sched := models.RecurringSchedule(schedule.String)
		d.RecurringSchedule = &sched
	}
	d.NextPaymentDate = nullTimePtr(nextPayment)
	d.StripePaymentIntentID = nullStringPtr(intentID)
	d.StripeSubscriptionID = nullStringPtr(subscriptionID)
	d.StripeChargeID = nullStringPtr(chargeID)
	d.ReceiptNumber = nullStringPtr(receiptNumber)
	d.ReceiptSentAt = nullTimePtr(receiptSentAt)
	d.DonorName = nullStringPtr(donorName)
	d.DonorEmail = nullStringPtr(donorEmail)
	d.Notes = nullStringPtr(notes)

	return &d, nil
}
