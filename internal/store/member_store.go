package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shepherdsync/backend/internal/models"
)

const memberColumns = `
  id, organization_id, user_id, first_name, last_name, email, phone,
  date_of_birth, gender, marital_status, occupation, address, city,
  state, postal_code, country, membership_status, joined_date,
  baptism_date, notes, photo_url, deleted_at, created_at, updated_at`

// MemberFilter narrows ListMembers results.
type MemberFilter struct {
	Status         models.MembershipStatus
	Search         string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// CreateMember adds a person to an organization's roll.
func (s *Store) CreateMember(ctx context.Context, m *models.Member) error {
	if m.ID == "" {
		m.ID = newID()
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO members (
  id, organization_id, user_id, first_name, last_name, email, phone,
  date_of_birth, gender, marital_status, occupation, address, city,
  state, postal_code, country, membership_status, joined_date,
  baptism_date, notes, photo_url
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
          $15, $16, $17, $18, $19, $20, $21)
RETURNING created_at, updated_at`,
		m.ID,
		m.OrganizationID,
		nullString(m.UserID),
		m.FirstName,
		m.LastName,
		nullString(m.Email),
		nullString(m.Phone),
		nullTime(m.DateOfBirth),
		nullString(m.Gender),
		nullString(m.MaritalStatus),
		nullString(m.Occupation),
		nullString(m.Address),
		nullString(m.City),
		nullString(m.State),
		nullString(m.PostalCode),
		nullString(m.Country),
		m.MembershipStatus,
		nullTime(m.JoinedDate),
		nullTime(m.BaptismDate),
		nullString(m.Notes),
		nullString(m.PhotoURL),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create member: %w", err)
	}

	return nil
}

// ImportMembers inserts a batch of members in one transaction. All rows
// land or none do.
func (s *Store) ImportMembers(ctx context.Context, orgID string, members []*models.Member) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin import tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO members (
  id, organization_id, first_name, last_name, email, phone,
  membership_status, joined_date
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare import: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range members {
		if m.ID == "" {
			m.ID = newID()
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID,
			orgID,
			m.FirstName,
			m.LastName,
			nullString(m.Email),
			nullString(m.Phone),
			m.MembershipStatus,
			nullTime(m.JoinedDate),
		); err != nil {
			return 0, fmt.Errorf("store: import member %s %s: %w", m.FirstName, m.LastName, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit import tx: %w", err)
	}

	return inserted, nil
}

// GetMember retrieves one member, excluding soft-deleted rows.
func (s *Store) GetMember(ctx context.Context, orgID, id string) (*models.Member, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT`+memberColumns+`
FROM members
WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL`, orgID, id)
	return scanMember(row)
}

// ListMembers returns members of the organization matching the filter.
func (s *Store) ListMembers(ctx context.Context, orgID string, filter MemberFilter) ([]models.Member, error) {
	limit, offset := Page(filter.Limit, filter.Offset)

	query := `
SELECT` + memberColumns + `
FROM members
WHERE organization_id = $1`
	args := []interface{}{orgID}

	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND membership_status = $%d`, len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += fmt.Sprintf(` AND (first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)`,
			len(args), len(args), len(args))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY last_name ASC, first_name ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate members: %w", err)
	}

	return members, nil
}

// UpdateMember persists mutable member fields.
func (s *Store) UpdateMember(ctx context.Context, m *models.Member) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE members
SET first_name = $1,
    last_name = $2,
    email = $3,
    phone = $4,
    date_of_birth = $5,
    gender = $6,
    marital_status = $7,
    occupation = $8,
    address = $9,
    city = $10,
    state = $11,
    postal_code = $12,
    country = $13,
    membership_status = $14,
    joined_date = $15,
    baptism_date = $16,
    notes = $17,
    photo_url = $18,
    updated_at = now()
WHERE organization_id = $19 AND id = $20 AND deleted_at IS NULL`,
		m.FirstName,
		m.LastName,
		nullString(m.Email),
		nullString(m.Phone),
		nullTime(m.DateOfBirth),
		nullString(m.Gender),
		nullString(m.MaritalStatus),
		nullString(m.Occupation),
		nullString(m.Address),
		nullString(m.City),
		nullString(m.State),
		nullString(m.PostalCode),
		nullString(m.Country),
		m.MembershipStatus,
		nullTime(m.JoinedDate),
		nullTime(m.BaptismDate),
		nullString(m.Notes),
		nullString(m.PhotoURL),
		m.OrganizationID,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update member: %w", err)
	}
	return requireRow(result, "member")
}

// SoftDeleteMember hides a member from normal queries without losing
// donation or attendance history.
func (s *Store) SoftDeleteMember(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE members SET deleted_at = now(), updated_at = now()
WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL`, orgID, id)
	if err != nil {
		return fmt.Errorf("store: soft delete member: %w", err)
	}
	return requireRow(result, "member")
}

// RestoreMember undoes a soft delete.
func (s *Store) RestoreMember(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE members SET deleted_at = NULL, updated_at = now()
WHERE organization_id = $1 AND id = $2 AND deleted_at IS NOT NULL`, orgID, id)
	if err != nil {
		return fmt.Errorf("store: restore member: %w", err)
	}
	return requireRow(result, "member")
}

// GetMemberStats aggregates the roll for the dashboard.
func (s *Store) GetMemberStats(ctx context.Context, orgID string, now time.Time) (*models.MemberStats, error) {
	stats := &models.MemberStats{
		ByStatus: map[models.MembershipStatus]int{},
		ByGender: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT membership_status, COUNT(*)
FROM members
WHERE organization_id = $1 AND deleted_at IS NULL
GROUP BY membership_status`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: member stats by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.MembershipStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scan member stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate member stats: %w", err)
	}

	genderRows, err := s.db.QueryContext(ctx, `
SELECT gender, COUNT(*)
FROM members
WHERE organization_id = $1 AND deleted_at IS NULL AND gender IS NOT NULL
GROUP BY gender`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: member stats by gender: %w", err)
	}
	defer genderRows.Close()

	for genderRows.Next() {
		var (
			gender string
			count  int
		)
		if err := genderRows.Scan(&gender, &count); err != nil {
			return nil, fmt.Errorf("store: scan gender stats: %w", err)
		}
		stats.ByGender[gender] = count
	}
	if err := genderRows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate gender stats: %w", err)
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	err = s.db.QueryRowContext(ctx, `
SELECT
  COUNT(CASE WHEN baptism_date IS NOT NULL THEN 1 END),
  COUNT(CASE WHEN created_at >= $2 THEN 1 END),
  COUNT(CASE WHEN date_of_birth IS NOT NULL
             AND EXTRACT(MONTH FROM date_of_birth) = $3 THEN 1 END)
FROM members
WHERE organization_id = $1 AND deleted_at IS NULL`,
		orgID, monthStart, int(now.Month()),
	).Scan(&stats.Baptized, &stats.NewThisMonth, &stats.BirthdaysInMonth)
	if err != nil {
		return nil, fmt.Errorf("store: member stats counters: %w", err)
	}

	return stats, nil
}

func scanMember(row rowScanner) (*models.Member, error) {
	var (
		m             models.Member
		userID        sql.NullString
		email         sql.NullString
		phone         sql.NullString
		dateOfBirth   sql.NullTime
		gender        sql.NullString
		maritalStatus sql.NullString
		occupation    sql.NullString
		address       sql.NullString
		city          sql.NullString
		state         sql.NullString
		postalCode    sql.NullString
		country       sql.NullString
		joinedDate    sql.NullTime
		baptismDate   sql.NullTime
		notes         sql.NullString
		photoURL      sql.NullString
		deletedAt     sql.NullTime
	)

	err := row.Scan(
		&m.ID,
		&m.OrganizationID,
		&userID,
		&m.FirstName,
		&m.LastName,
		&email,
		&phone,
		&dateOfBirth,
		&gender,
		&maritalStatus,
		&occupation,
		&address,
		&city,
		&state,
		&postalCode,
		&country,
		&m.MembershipStatus,
		&joinedDate,
		&baptismDate,
		&notes,
		&photoURL,
		&deletedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan member: %w", err)
	}

	m.UserID = nullStringPtr(userID)
	m.Email = nullStringPtr(email)
	m.Phone = nullStringPtr(phone)
	m.DateOfBirth = nullTimePtr(dateOfBirth)
	m.Gender = nullStringPtr(gender)
	m.MaritalStatus = nullStringPtr(maritalStatus)
	m.Occupation = nullStringPtr(occupation)
	m.Address = nullStringPtr(address)
	m.City = nullStringPtr(city)
	m.State = nullStringPtr(state)
	m.PostalCode = nullStringPtr(postalCode)
	m.Country = nullStringPtr(country)
	m.JoinedDate = nullTimePtr(joinedDate)
	m.BaptismDate = nullTimePtr(baptismDate)
	m.Notes = nullStringPtr(notes)
	m.PhotoURL = nullStringPtr(photoURL)
	m.DeletedAt = nullTimePtr(deletedAt)

	return &m, nil
}
