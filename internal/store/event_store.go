package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shepherdsync/backend/internal/models"
)

const eventColumns = `
  id, organization_id, title, description, location, starts_at, ends_at,
  status, capacity, registration_deadline, registration_fee, check_in_code,
  image_url, created_by, created_at, updated_at`

const registrationColumns = `
  id, event_id, user_id, child_name, guest_email, guest_name, status,
  amount_paid, donation_id, notes, created_at, updated_at`

// EventFilter narrows ListEvents results.
type EventFilter struct {
	Status models.EventStatus
	From   *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// CreateEvent inserts a new event in DRAFT or whatever status the
// caller set. A check-in code is generated when the caller did not
// supply one.
func (s *Store) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CheckInCode == "" {
		code, err := randomHex(4)
		if err != nil {
			return fmt.Errorf("store: generate check-in code: %w", err)
		}
		e.CheckInCode = strings.ToUpper(code)
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO events (
  id, organization_id, title, description, location, starts_at, ends_at,
  status, capacity, registration_deadline, registration_fee, check_in_code,
  image_url, created_by
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING created_at, updated_at`,
		e.ID,
		e.OrganizationID,
		e.Title,
		nullString(e.Description),
		nullString(e.Location),
		e.StartsAt,
		nullTime(e.EndsAt),
		e.Status,
		nullInt(e.Capacity),
		nullTime(e.RegistrationDeadline),
		e.RegistrationFee,
		e.CheckInCode,
		nullString(e.ImageURL),
		e.CreatedBy,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create event: %w", err)
	}

	return nil
}

// GetEvent retrieves one event within an organization.
func (s *Store) GetEvent(ctx context.Context, orgID, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+eventColumns+` FROM events WHERE organization_id = $1 AND id = $2`, orgID, id)
	return scanEvent(row)
}

// ListEvents returns the organization's events matching the filter,
// soonest first.
func (s *Store) ListEvents(ctx context.Context, orgID string, filter EventFilter) ([]models.Event, error) {
	limit, offset := Page(filter.Limit, filter.Offset)

	query := `
SELECT` + eventColumns + `
FROM events
WHERE organization_id = $1`
	args := []interface{}{orgID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(` AND starts_at >= $%d`, len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		query += fmt.Sprintf(` AND starts_at <= $%d`, len(args))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY starts_at ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}

	return events, nil
}

// UpdateEvent persists mutable event fields.
func (s *Store) UpdateEvent(ctx context.Context, e *models.Event) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE events
SET title = $1,
    description = $2,
    location = $3,
    starts_at = $4,
    ends_at = $5,
    status = $6,
    capacity = $7,
    registration_deadline = $8,
    registration_fee = $9,
    image_url = $10,
    updated_at = now()
WHERE organization_id = $11 AND id = $12`,
		e.Title,
		nullString(e.Description),
		nullString(e.Location),
		e.StartsAt,
		nullTime(e.EndsAt),
		e.Status,
		nullInt(e.Capacity),
		nullTime(e.RegistrationDeadline),
		e.RegistrationFee,
		nullString(e.ImageURL),
		e.OrganizationID,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update event: %w", err)
	}
	return requireRow(result, "event")
}

// DeleteEvent removes an event and cascades to its registrations.
func (s *Store) DeleteEvent(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("store: delete event: %w", err)
	}
	return requireRow(result, "event")
}

// CountActiveRegistrations counts non-canceled registrations for
// capacity checks.
func (s *Store) CountActiveRegistrations(ctx context.Context, eventID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM event_registrations
WHERE event_id = $1 AND status <> 'CANCELED'`, eventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count registrations: %w", err)
	}
	return count, nil
}

// CreateRegistration records an attendee. Partial unique indexes on
// (event_id, user_id) and (event_id, guest_email) reject duplicates
// with ErrConflict.
func (s *Store) CreateRegistration(ctx context.Context, r *models.EventRegistration) error {
	if r.ID == "" {
		r.ID = newID()
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO event_registrations (
  id, event_id, user_id, child_name, guest_email, guest_name, status,
  amount_paid, donation_id, notes
) VALUES ($1, $2, $3, $4, LOWER($5), $6, $7, $8, $9, $10)
RETURNING created_at, updated_at`,
		r.ID,
		r.EventID,
		nullString(r.UserID),
		nullString(r.ChildName),
		nullString(r.GuestEmail),
		nullString(r.GuestName),
		r.Status,
		r.AmountPaid,
		nullString(r.DonationID),
		nullString(r.Notes),
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: already registered for this event: %w", ErrConflict)
		}
		return fmt.Errorf("store: create registration: %w", err)
	}

	return nil
}

// GetRegistration retrieves one registration, verifying it belongs to
// an event of the given organization.
func (s *Store) GetRegistration(ctx context.Context, orgID, id string) (*models.EventRegistration, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT r.id, r.event_id, r.user_id, r.child_name, r.guest_email, r.guest_name,
       r.status, r.amount_paid, r.donation_id, r.notes, r.created_at, r.updated_at
FROM event_registrations r
JOIN events e ON r.event_id = e.id
WHERE e.organization_id = $1 AND r.id = $2`, orgID, id)
	return scanRegistration(row)
}

// ListRegistrations returns an event's registrations, oldest first.
func (s *Store) ListRegistrations(ctx context.Context, eventID string, limit, offset int) ([]models.EventRegistration, error) {
	limit, offset = Page(limit, offset)

	rows, err := s.db.QueryContext(ctx, `
SELECT`+registrationColumns+`
FROM event_registrations
WHERE event_id = $1
ORDER BY created_at ASC
LIMIT $2 OFFSET $3`, eventID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list registrations: %w", err)
	}
	defer rows.Close()

	var regs []models.EventRegistration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate registrations: %w", err)
	}

	return regs, nil
}

// CancelRegistration frees a spot. The conditional update ignores
// registrations already canceled.
func (s *Store) CancelRegistration(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE event_registrations
SET status = 'CANCELED', updated_at = now()
WHERE id = $1 AND status <> 'CANCELED'`, id)
	if err != nil {
		return fmt.Errorf("store: cancel registration: %w", err)
	}
	return requireRow(result, "registration")
}

// CompleteRegistrationByDonation flips a PENDING fee-bearing
// registration to COMPLETED when its payment settles. Returns the
// number of rows updated so callers can skip duplicate webhook
// deliveries.
func (s *Store) CompleteRegistrationByDonation(ctx context.Context, donationID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE event_registrations
SET status = 'COMPLETED', updated_at = now()
WHERE donation_id = $1 AND status = 'PENDING'`, donationID)
	if err != nil {
		return 0, fmt.Errorf("store: complete registration by donation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected, nil
}

// GetEventStats summarizes registrations for one event.
func (s *Store) GetEventStats(ctx context.Context, orgID, eventID string) (*models.EventStats, error) {
	event, err := s.GetEvent(ctx, orgID, eventID)
	if err != nil {
		return nil, err
	}

	stats := &models.EventStats{}
	err = s.db.QueryRowContext(ctx, `
SELECT
  COUNT(CASE WHEN status = 'COMPLETED' THEN 1 END),
  COUNT(CASE WHEN status = 'PENDING' THEN 1 END),
  COUNT(CASE WHEN status = 'CANCELED' THEN 1 END)
FROM event_registrations
WHERE event_id = $1`, eventID).Scan(&stats.Registered, &stats.Pending, &stats.Canceled)
	if err != nil {
		return nil, fmt.Errorf("store: event stats: %w", err)
	}

	if event.Capacity != nil {
		remaining := *event.Capacity - stats.Registered - stats.Pending
		if remaining < 0 {
			remaining = 0
		}
		stats.SpotsRemaining = &remaining
	}

	return stats, nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		e           models.Event
		description sql.NullString
		location    sql.NullString
		endsAt      sql.NullTime
		capacity    sql.NullInt64
		deadline    sql.NullTime
		imageURL    sql.NullString
	)

	err := row.Scan(
		&e.ID,
		&e.OrganizationID,
		&e.Title,
		&description,
		&location,
		&e.StartsAt,
		&endsAt,
		&e.Status,
		&capacity,
		&deadline,
		&e.RegistrationFee,
		&e.CheckInCode,
		&imageURL,
		&e.CreatedBy,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan event: %w", err)
	}

	e.Description = nullStringPtr(description)
	e.Location = nullStringPtr(location)
	e.EndsAt = nullTimePtr(endsAt)
	if capacity.Valid {
		c := int(capacity.Int64)
		e.Capacity = &c
	}
	e.RegistrationDeadline = nullTimePtr(deadline)
	e.ImageURL = nullStringPtr(imageURL)

	return &e, nil
}

func scanRegistration(row rowScanner) (*models.EventRegistration, error) {
	var (
		r          models.EventRegistration
		userID     sql.NullString
		childName  sql.NullString
		guestEmail sql.NullString
		guestName  sql.NullString
		donationID sql.NullString
		notes      sql.NullString
	)

	err := row.Scan(
		&r.ID,
		&r.EventID,
		&userID,
		&childName,
		&guestEmail,
		&guestName,
		&r.Status,
		&r.AmountPaid,
		&donationID,
		&notes,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan registration: %w", err)
	}

	r.UserID = nullStringPtr(userID)
	r.ChildName = nullStringPtr(childName)
	r.GuestEmail = nullStringPtr(guestEmail)
	r.GuestName = nullStringPtr(guestName)
	r.DonationID = nullStringPtr(donationID)
	r.Notes = nullStringPtr(notes)

	return &r, nil
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}
