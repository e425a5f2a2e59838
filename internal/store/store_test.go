package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/shepherdsync/backend/internal/models"
)

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db}, mock
}

func TestGetDonationScopedToOrganization(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{
		"id", "organization_id", "user_id", "member_id", "amount", "currency",
		"donation_type", "payment_method", "payment_status", "is_recurring",
		"recurring_schedule", "next_payment_date", "stripe_payment_intent_id",
		"stripe_subscription_id", "stripe_charge_id", "receipt_number",
		"receipt_sent_at", "donor_name", "donor_email", "notes", "is_anonymous",
		"created_at", "updated_at",
	}
	now := time.Now()
	rows := sqlmock.NewRows(cols).AddRow(
		"don-1", "org-1", "user-1", nil, 50.0, "USD",
		"TITHE", "CREDIT_CARD", "COMPLETED", false,
		nil, nil, "pi_123", nil, "ch_123", "RCP-AAA-BBB",
		nil, nil, nil, nil, false, now, now,
	)

	mock.ExpectQuery(`SELECT .+ FROM donations WHERE organization_id = \$1 AND id = \$2`).
		WithArgs("org-1", "don-1").
		WillReturnRows(rows)

	d, err := s.GetDonation(context.Background(), "org-1", "don-1")
	if err != nil {
		t.Fatalf("GetDonation returned error: %v", err)
	}
	if d.ID != "don-1" || d.PaymentStatus != models.PaymentCompleted {
		t.Fatalf("unexpected donation: %+v", d)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetDonationNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM donations`).
		WithArgs("org-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetDonation(context.Background(), "org-1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteDonationByIntentIsConditional(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE donations\s+SET payment_status = 'COMPLETED'`).
		WithArgs("pi_123", "ch_123", "RCP-AAA-BBB").
		WillReturnResult(sqlmock.NewResult(0, 1))

	affected, err := s.CompleteDonationByIntent(context.Background(), "pi_123", "ch_123", "RCP-AAA-BBB")
	if err != nil {
		t.Fatalf("CompleteDonationByIntent returned error: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row affected, got %d", affected)
	}
}

func TestCompleteDonationByIntentIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	// A donation already COMPLETED matches no rows; a duplicate webhook
	// delivery must not re-fire receipts.
	mock.ExpectExec(`UPDATE donations\s+SET payment_status = 'COMPLETED'`).
		WithArgs("pi_123", "ch_123", "RCP-AAA-BBB").
		WillReturnResult(sqlmock.NewResult(0, 0))

	affected, err := s.CompleteDonationByIntent(context.Background(), "pi_123", "ch_123", "RCP-AAA-BBB")
	if err != nil {
		t.Fatalf("CompleteDonationByIntent returned error: %v", err)
	}
	if affected != 0 {
		t.Fatalf("expected 0 rows affected, got %d", affected)
	}
}

func TestMarkReceiptSentOnce(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE donations\s+SET receipt_sent_at = now\(\)`).
		WithArgs("don-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE donations\s+SET receipt_sent_at = now\(\)`).
		WithArgs("don-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.MarkReceiptSent(context.Background(), "don-1")
	if err != nil || first != 1 {
		t.Fatalf("first MarkReceiptSent: affected=%d err=%v", first, err)
	}
	second, err := s.MarkReceiptSent(context.Background(), "don-1")
	if err != nil || second != 0 {
		t.Fatalf("second MarkReceiptSent: affected=%d err=%v", second, err)
	}
}

func TestSoftDeleteMemberRequiresLiveRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE members SET deleted_at = now\(\)`).
		WithArgs("org-1", "mem-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SoftDeleteMember(context.Background(), "org-1", "mem-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for already-deleted member, got %v", err)
	}
}

func TestCancelRegistrationSkipsCanceled(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE event_registrations\s+SET status = 'CANCELED'`).
		WithArgs("reg-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CancelRegistration(context.Background(), "reg-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for canceled registration, got %v", err)
	}
}

func TestCreateOrganizationWithAdminRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO organizations`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(time.Now(), time.Now()))
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	org := &models.Organization{
		Name:               "Grace Chapel",
		Subdomain:          "grace",
		PlanType:           models.PlanTrial,
		SubscriptionStatus: models.SubscriptionTrialing,
		IsActive:           true,
		Timezone:           "UTC",
		Currency:           "USD",
	}
	hash := "hashed"
	admin := &models.User{
		Email:        "admin@grace.example",
		PasswordHash: &hash,
		FirstName:    "Ada",
		LastName:     "Admin",
		Role:         models.RoleAdmin,
		IsActive:     true,
	}

	if err := s.CreateOrganizationWithAdmin(context.Background(), org, admin); err == nil {
		t.Fatal("expected error when admin insert fails")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResetPasswordConsumesToken(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE users\s+SET password_hash = \$1`).
		WithArgs("new-hash", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ResetPassword(context.Background(), "token-1", "new-hash")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestCleanupOldJobsSweepsFinished(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	js := &JobStore{db: db}

	retention := 30 * 24 * time.Hour
	mock.ExpectExec(`DELETE FROM jobs\s+WHERE status IN`).
		WithArgs(retention.Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	removed, err := js.CleanupOldJobs(context.Background(), retention)
	if err != nil {
		t.Fatalf("CleanupOldJobs returned error: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 rows removed, got %d", removed)
	}
}

func TestNewReceiptNumberFormat(t *testing.T) {
	rcpt, err := NewReceiptNumber(time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewReceiptNumber returned error: %v", err)
	}
	parts := strings.Split(rcpt, "-")
	if len(parts) != 3 || parts[0] != "RCP" {
		t.Fatalf("unexpected receipt number format: %s", rcpt)
	}
	if parts[1] != strings.ToUpper(parts[1]) || parts[2] != strings.ToUpper(parts[2]) {
		t.Fatalf("receipt number should be upper case: %s", rcpt)
	}
	if len(parts[2]) != 4 {
		t.Fatalf("expected 4 hex chars in suffix, got %q", parts[2])
	}
}
