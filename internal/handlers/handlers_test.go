package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/store"
	"github.com/shepherdsync/backend/internal/stripe"
)

type queuedJob struct {
	jobType string
	payload models.JSONB
}

type fakeQueue struct {
	jobs []queuedJob
}

func (q *fakeQueue) EnqueueEmail(ctx context.Context, jobType string, payload models.JSONB, priority models.JobPriority) error {
	q.jobs = append(q.jobs, queuedJob{jobType: jobType, payload: payload})
	return nil
}

func (q *fakeQueue) countType(jobType string) int {
	n := 0
	for _, j := range q.jobs {
		if j.jobType == jobType {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	customerErr     error
	intentErr       error
	subscriptionErr error
	intentStatus    string

	intents       int
	subscriptions int
	canceled      []string
	canceledAtEnd []bool
	refunds       []string
}

func (g *fakeGateway) CreateOrGetCustomer(email, name string, metadata map[string]string) (string, error) {
	if g.customerErr != nil {
		return "", g.customerErr
	}
	return "cus_test", nil
}

func (g *fakeGateway) AttachPaymentMethod(paymentMethodID, customerID string) error {
	return nil
}

func (g *fakeGateway) CreatePaymentIntent(amount float64, currency, customerID, paymentMethodID, description string, metadata map[string]string) (*stripe.PaymentIntent, error) {
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	g.intents++
	status := g.intentStatus
	if status == "" {
		status = "succeeded"
	}
	return &stripe.PaymentIntent{
		ID:       fmt.Sprintf("pi_%d", g.intents),
		Status:   status,
		ChargeID: fmt.Sprintf("ch_%d", g.intents),
	}, nil
}

func (g *fakeGateway) CreateProduct(name, description string) (string, error) {
	return "prod_test", nil
}

func (g *fakeGateway) CreatePrice(productID string, amount float64, currency, interval string, intervalCount int) (string, error) {
	return "price_test", nil
}

func (g *fakeGateway) CreateSubscription(customerID, priceID string, metadata map[string]string) (*stripe.Subscription, error) {
	if g.subscriptionErr != nil {
		return nil, g.subscriptionErr
	}
	g.subscriptions++
	return &stripe.Subscription{ID: fmt.Sprintf("sub_%d", g.subscriptions), Status: "active"}, nil
}

func (g *fakeGateway) UpdateSubscriptionPrice(subscriptionID, newPriceID string) error {
	return nil
}

func (g *fakeGateway) CancelSubscription(subscriptionID string, atPeriodEnd bool) error {
	g.canceled = append(g.canceled, subscriptionID)
	g.canceledAtEnd = append(g.canceledAtEnd, atPeriodEnd)
	return nil
}

func (g *fakeGateway) CreateRefund(chargeID string, amount float64) (string, error) {
	g.refunds = append(g.refunds, chargeID)
	return fmt.Sprintf("re_%d", len(g.refunds)), nil
}

// fakeStore keeps donations, events and registrations in memory. It
// implements DonationStore and EventStore.
type fakeStore struct {
	donations     map[string]*models.Donation
	events        map[string]*models.Event
	registrations map[string]*models.EventRegistration
	nextID        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		donations:     map[string]*models.Donation{},
		events:        map[string]*models.Event{},
		registrations: map[string]*models.EventRegistration{},
	}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeStore) CreateDonation(ctx context.Context, d *models.Donation) error {
	if d.StripePaymentIntentID != nil {
		for _, existing := range f.donations {
			if existing.StripePaymentIntentID != nil && *existing.StripePaymentIntentID == *d.StripePaymentIntentID {
				return fmt.Errorf("store: duplicate donation reference: %w", store.ErrConflict)
			}
		}
	}
	for d.ID == "" {
		if id := f.id("don"); f.donations[id] == nil {
			d.ID = id
		}
	}
	f.donations[d.ID] = d
	return nil
}

func (f *fakeStore) GetDonation(ctx context.Context, orgID, id string) (*models.Donation, error) {
	d, ok := f.donations[id]
	if !ok || d.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) GetDonationByIntentID(ctx context.Context, intentID string) (*models.Donation, error) {
	for _, d := range f.donations {
		if d.StripePaymentIntentID != nil && *d.StripePaymentIntentID == intentID {
			return d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetDonationBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Donation, error) {
	for _, d := range f.donations {
		if d.StripeSubscriptionID != nil && *d.StripeSubscriptionID == subscriptionID {
			return d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetDonationByChargeID(ctx context.Context, chargeID string) (*models.Donation, error) {
	for _, d := range f.donations {
		if d.StripeChargeID != nil && *d.StripeChargeID == chargeID {
			return d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListDonations(ctx context.Context, orgID string, filter store.DonationFilter) ([]models.Donation, error) {
	var out []models.Donation
	for _, d := range f.donations {
		if d.OrganizationID != orgID {
			continue
		}
		if filter.UserID != "" && (d.UserID == nil || *d.UserID != filter.UserID) {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) AttachPaymentIntent(ctx context.Context, id, intentID string) error {
	d, ok := f.donations[id]
	if !ok {
		return store.ErrNotFound
	}
	d.StripePaymentIntentID = &intentID
	return nil
}

func (f *fakeStore) AttachSubscription(ctx context.Context, id, subscriptionID string) error {
	d, ok := f.donations[id]
	if !ok {
		return store.ErrNotFound
	}
	d.StripeSubscriptionID = &subscriptionID
	return nil
}

func (f *fakeStore) complete(d *models.Donation, chargeID, receiptNumber string) int64 {
	if d.PaymentStatus != models.PaymentPending {
		return 0
	}
	d.PaymentStatus = models.PaymentCompleted
	if chargeID != "" {
		d.StripeChargeID = &chargeID
	}
	if d.ReceiptNumber == nil {
		d.ReceiptNumber = &receiptNumber
	}
	return 1
}

func (f *fakeStore) CompleteDonation(ctx context.Context, id, chargeID, receiptNumber string) (int64, error) {
	d, ok := f.donations[id]
	if !ok {
		return 0, nil
	}
	return f.complete(d, chargeID, receiptNumber), nil
}

func (f *fakeStore) CompleteDonationByIntent(ctx context.Context, intentID, chargeID, receiptNumber string) (int64, error) {
	for _, d := range f.donations {
		if d.StripePaymentIntentID != nil && *d.StripePaymentIntentID == intentID {
			return f.complete(d, chargeID, receiptNumber), nil
		}
	}
	return 0, nil
}

func (f *fakeStore) FailDonation(ctx context.Context, id string) error {
	d, ok := f.donations[id]
	if !ok {
		return store.ErrNotFound
	}
	d.PaymentStatus = models.PaymentFailed
	return nil
}

func (f *fakeStore) FailDonationByIntent(ctx context.Context, intentID string) (int64, error) {
	for _, d := range f.donations {
		if d.StripePaymentIntentID != nil && *d.StripePaymentIntentID == intentID && d.PaymentStatus == models.PaymentPending {
			d.PaymentStatus = models.PaymentFailed
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) RefundDonationByCharge(ctx context.Context, chargeID string) (int64, error) {
	for _, d := range f.donations {
		if d.StripeChargeID != nil && *d.StripeChargeID == chargeID && d.PaymentStatus == models.PaymentCompleted {
			d.PaymentStatus = models.PaymentRefunded
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) CancelRecurringDonation(ctx context.Context, orgID, id string) error {
	d, ok := f.donations[id]
	if !ok || d.OrganizationID != orgID {
		return store.ErrNotFound
	}
	d.PaymentStatus = models.PaymentCanceled
	return nil
}

func (f *fakeStore) CancelRecurringBySubscription(ctx context.Context, subscriptionID string) (int64, error) {
	var n int64
	for _, d := range f.donations {
		if d.StripeSubscriptionID != nil && *d.StripeSubscriptionID == subscriptionID && d.IsRecurring {
			d.PaymentStatus = models.PaymentCanceled
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpdateDonation(ctx context.Context, d *models.Donation) error {
	if _, ok := f.donations[d.ID]; !ok {
		return store.ErrNotFound
	}
	f.donations[d.ID] = d
	return nil
}

func (f *fakeStore) GetDonationStats(ctx context.Context, orgID string, from, until time.Time) (*models.DonationStats, error) {
	return &models.DonationStats{ByType: map[models.DonationType]float64{}}, nil
}

func (f *fakeStore) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = f.id("evt")
	}
	f.events[e.ID] = e
	return nil
}

func (f *fakeStore) GetEvent(ctx context.Context, orgID, id string) (*models.Event, error) {
	e, ok := f.events[id]
	if !ok || e.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ListEvents(ctx context.Context, orgID string, filter store.EventFilter) ([]models.Event, error) {
	var out []models.Event
	for _, e := range f.events {
		if e.OrganizationID != orgID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeStore) UpdateEvent(ctx context.Context, e *models.Event) error {
	if _, ok := f.events[e.ID]; !ok {
		return store.ErrNotFound
	}
	f.events[e.ID] = e
	return nil
}

func (f *fakeStore) DeleteEvent(ctx context.Context, orgID, id string) error {
	e, ok := f.events[id]
	if !ok || e.OrganizationID != orgID {
		return store.ErrNotFound
	}
	delete(f.events, id)
	return nil
}

func (f *fakeStore) CountActiveRegistrations(ctx context.Context, eventID string) (int, error) {
	n := 0
	for _, r := range f.registrations {
		if r.EventID == eventID && r.Status != models.RegistrationCanceled {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreateRegistration(ctx context.Context, r *models.EventRegistration) error {
	for _, existing := range f.registrations {
		if existing.EventID != r.EventID || existing.Status == models.RegistrationCanceled {
			continue
		}
		if r.UserID != nil && existing.UserID != nil && *existing.UserID == *r.UserID &&
			existing.ChildName == nil && r.ChildName == nil {
			return fmt.Errorf("store: already registered for this event: %w", store.ErrConflict)
		}
		if r.GuestEmail != nil && existing.GuestEmail != nil && *existing.GuestEmail == *r.GuestEmail {
			return fmt.Errorf("store: already registered for this event: %w", store.ErrConflict)
		}
	}
	if r.ID == "" {
		r.ID = f.id("reg")
	}
	f.registrations[r.ID] = r
	return nil
}

func (f *fakeStore) GetRegistration(ctx context.Context, orgID, id string) (*models.EventRegistration, error) {
	r, ok := f.registrations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	e, ok := f.events[r.EventID]
	if !ok || e.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) ListRegistrations(ctx context.Context, eventID string, limit, offset int) ([]models.EventRegistration, error) {
	var out []models.EventRegistration
	for _, r := range f.registrations {
		if r.EventID == eventID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) CancelRegistration(ctx context.Context, id string) error {
	r, ok := f.registrations[id]
	if !ok || r.Status == models.RegistrationCanceled {
		return store.ErrNotFound
	}
	r.Status = models.RegistrationCanceled
	return nil
}

func (f *fakeStore) CompleteRegistrationByDonation(ctx context.Context, donationID string) (int64, error) {
	var n int64
	for _, r := range f.registrations {
		if r.DonationID != nil && *r.DonationID == donationID && r.Status == models.RegistrationPending {
			r.Status = models.RegistrationCompleted
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetEventStats(ctx context.Context, orgID, eventID string) (*models.EventStats, error) {
	return &models.EventStats{}, nil
}

func testOrg() *models.Organization {
	return &models.Organization{
		ID:                 "org-1",
		Name:               "Grace Fellowship",
		Subdomain:          "grace",
		PlanType:           models.PlanPro,
		SubscriptionStatus: models.SubscriptionActive,
		IsActive:           true,
		Currency:           "usd",
	}
}

func testClaims(role models.UserRole) *auth.Claims {
	return &auth.Claims{
		UserID:         "user-1",
		OrganizationID: "org-1",
		Email:          "donor@example.com",
		Role:           role,
	}
}

func authedRequest(t *testing.T, method, target string, body any, role models.UserRole) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := middleware.WithClaims(req.Context(), testClaims(role))
	ctx = middleware.WithOrg(ctx, testOrg())
	return req.WithContext(ctx)
}

func newDonationRouter(st *fakeStore, gw *fakeGateway, q *fakeQueue, secret string) chi.Router {
	h := NewDonationHandler(st, gw, q, secret)
	router := chi.NewRouter()
	router.Route("/api/donations", func(r chi.Router) {
		h.RegisterReportingRoutes(r)
		h.RegisterRoutes(r)
	})
	router.Post("/api/donations/webhook", h.HandleWebhook)
	return router
}

func TestCreateDonationCardSettlesSynchronously(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	q := &fakeQueue{}
	router := newDonationRouter(st, gw, q, "")

	req := authedRequest(t, http.MethodPost, "/api/donations", map[string]any{
		"amount":          50.0,
		"donationType":    "TITHE",
		"paymentMethod":   "CREDIT_CARD",
		"paymentMethodId": "pm_123",
	}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var d models.Donation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	require.Equal(t, models.PaymentCompleted, d.PaymentStatus)
	require.NotNil(t, d.ReceiptNumber)
	require.True(t, strings.HasPrefix(*d.ReceiptNumber, "RCP-"))
	require.Equal(t, 1, q.countType(models.JobSendReceipt))

	stored := st.donations[d.ID]
	require.Equal(t, models.PaymentCompleted, stored.PaymentStatus)
}

func TestCreateDonationGatewayFailure(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{intentErr: errors.New("card declined")}
	q := &fakeQueue{}
	router := newDonationRouter(st, gw, q, "")

	req := authedRequest(t, http.MethodPost, "/api/donations", map[string]any{
		"amount":          25.0,
		"donationType":    "OFFERING",
		"paymentMethodId": "pm_123",
	}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Len(t, st.donations, 1)
	for _, d := range st.donations {
		require.Equal(t, models.PaymentFailed, d.PaymentStatus)
	}
	require.Empty(t, q.jobs)
}

func TestCreateDonationOfflineRequiresStaff(t *testing.T) {
	st := newFakeStore()
	router := newDonationRouter(st, &fakeGateway{}, &fakeQueue{}, "")

	req := authedRequest(t, http.MethodPost, "/api/donations", map[string]any{
		"amount":        100.0,
		"paymentMethod": "CASH",
	}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = authedRequest(t, http.MethodPost, "/api/donations", map[string]any{
		"amount":        100.0,
		"paymentMethod": "CASH",
	}, models.RoleUsher)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)
	var d models.Donation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	require.Equal(t, models.PaymentCompleted, d.PaymentStatus)
}

func signedWebhookRequest(t *testing.T, secret string, event map[string]any) *http.Request {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/donations/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", stripe.SignPayload(body, secret, time.Now()))
	return req
}

func TestWebhookPaymentIntentSucceededIsIdempotent(t *testing.T) {
	const secret = "whsec_test"
	st := newFakeStore()
	q := &fakeQueue{}
	router := newDonationRouter(st, &fakeGateway{}, q, secret)

	intentID := "pi_webhook"
	email := "donor@example.com"
	st.donations["don-1"] = &models.Donation{
		ID:                    "don-1",
		OrganizationID:        "org-1",
		Amount:                75,
		Currency:              "usd",
		DonationType:          models.DonationTithe,
		PaymentMethod:         models.MethodCreditCard,
		PaymentStatus:         models.PaymentPending,
		StripePaymentIntentID: &intentID,
		DonorEmail:            &email,
	}

	event := map[string]any{
		"id":   "evt_1",
		"type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{
			"id":            intentID,
			"latest_charge": "ch_webhook",
		}},
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, secret, event))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, models.PaymentCompleted, st.donations["don-1"].PaymentStatus)
	require.NotNil(t, st.donations["don-1"].ReceiptNumber)
	require.Equal(t, 1, q.countType(models.JobSendReceipt))

	// redelivery updates nothing and sends nothing
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, secret, event))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, q.countType(models.JobSendReceipt))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router := newDonationRouter(newFakeStore(), &fakeGateway{}, &fakeQueue{}, "whsec_test")

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/donations/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", stripe.SignPayload(body, "wrong-secret", time.Now()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookInvoicePaidCreatesInstallment(t *testing.T) {
	const secret = "whsec_test"
	st := newFakeStore()
	q := &fakeQueue{}
	router := newDonationRouter(st, &fakeGateway{}, q, secret)

	subID := "sub_1"
	email := "donor@example.com"
	schedule := models.ScheduleMonthly
	st.donations["don-1"] = &models.Donation{
		ID:                   "don-1",
		OrganizationID:       "org-1",
		Amount:               100,
		Currency:             "usd",
		DonationType:         models.DonationGeneral,
		PaymentMethod:        models.MethodCreditCard,
		PaymentStatus:        models.PaymentCompleted,
		IsRecurring:          true,
		RecurringSchedule:    &schedule,
		StripeSubscriptionID: &subID,
		DonorEmail:           &email,
	}

	event := map[string]any{
		"id":   "evt_2",
		"type": "invoice.payment_succeeded",
		"data": map[string]any{"object": map[string]any{
			"subscription":   subID,
			"billing_reason": "subscription_cycle",
			"payment_intent": "pi_inv_1",
			"charge":         "ch_inv_1",
			"amount_paid":    float64(10000),
		}},
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, secret, event))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, st.donations, 2)
	require.Equal(t, 1, q.countType(models.JobSendReceipt))

	// same invoice again is dropped by the intent uniqueness check
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, secret, event))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, st.donations, 2)
	require.Equal(t, 1, q.countType(models.JobSendReceipt))
}

func TestWebhookCreationInvoiceAddsNoInstallment(t *testing.T) {
	const secret = "whsec_test"
	st := newFakeStore()
	q := &fakeQueue{}
	router := newDonationRouter(st, &fakeGateway{}, q, secret)

	subID := "sub_1"
	email := "donor@example.com"
	receipt := "RCP-AAA-BBB"
	schedule := models.ScheduleMonthly
	st.donations["don-1"] = &models.Donation{
		ID:                   "don-1",
		OrganizationID:       "org-1",
		Amount:               100,
		Currency:             "usd",
		PaymentStatus:        models.PaymentCompleted,
		IsRecurring:          true,
		RecurringSchedule:    &schedule,
		StripeSubscriptionID: &subID,
		ReceiptNumber:        &receipt,
		DonorEmail:           &email,
	}

	// the subscription's own first invoice bills the charge the
	// original row already settled
	event := map[string]any{
		"id":   "evt_3",
		"type": "invoice.payment_succeeded",
		"data": map[string]any{"object": map[string]any{
			"subscription":   subID,
			"billing_reason": "subscription_create",
			"payment_intent": "pi_inv_1",
			"charge":         "ch_inv_1",
		}},
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, secret, event))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, st.donations, 1)
	require.NotNil(t, st.donations["don-1"].StripePaymentIntentID)
	require.Equal(t, "pi_inv_1", *st.donations["don-1"].StripePaymentIntentID)
	require.Equal(t, 0, q.countType(models.JobSendReceipt))
}

func TestWebhookChargeRefunded(t *testing.T) {
	const secret = "whsec_test"
	st := newFakeStore()
	q := &fakeQueue{}
	router := newDonationRouter(st, &fakeGateway{}, q, secret)

	chargeID := "ch_1"
	email := "donor@example.com"
	st.donations["don-1"] = &models.Donation{
		ID:             "don-1",
		OrganizationID: "org-1",
		Amount:         40,
		PaymentStatus:  models.PaymentCompleted,
		StripeChargeID: &chargeID,
		DonorEmail:     &email,
	}

	event := map[string]any{
		"id":   "evt_4",
		"type": "charge.refunded",
		"data": map[string]any{"object": map[string]any{"id": chargeID}},
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, secret, event))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, models.PaymentRefunded, st.donations["don-1"].PaymentStatus)
	require.Equal(t, 1, q.countType(models.JobSendRefundNotice))
}

func newEventRouter(st *fakeStore, gw *fakeGateway, q *fakeQueue) chi.Router {
	h := NewEventHandler(st, gw, q)
	router := chi.NewRouter()
	router.Route("/api/events", func(r chi.Router) {
		h.RegisterReportingRoutes(r)
		h.RegisterRoutes(r)
	})
	return router
}

func seedEvent(st *fakeStore, mutate func(*models.Event)) *models.Event {
	starts := time.Now().Add(48 * time.Hour)
	e := &models.Event{
		ID:             "evt-1",
		OrganizationID: "org-1",
		Title:          "Harvest Dinner",
		StartsAt:       starts,
		Status:         models.EventPublished,
	}
	if mutate != nil {
		mutate(e)
	}
	st.events[e.ID] = e
	return e
}

func TestRegisterFreeEvent(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := newEventRouter(st, &fakeGateway{}, q)
	seedEvent(st, nil)

	req := authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", map[string]any{}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var reg models.EventRegistration
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reg))
	require.Equal(t, models.RegistrationCompleted, reg.Status)
	require.Equal(t, 1, q.countType(models.JobSendRegistrationConfirm))
}

func TestRegisterClosedEvent(t *testing.T) {
	st := newFakeStore()
	router := newEventRouter(st, &fakeGateway{}, &fakeQueue{})
	seedEvent(st, func(e *models.Event) { e.Status = models.EventDraft })

	req := authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", map[string]any{}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestRegisterDeadlinePassed(t *testing.T) {
	st := newFakeStore()
	router := newEventRouter(st, &fakeGateway{}, &fakeQueue{})
	seedEvent(st, func(e *models.Event) {
		deadline := time.Now().Add(-time.Hour)
		e.RegistrationDeadline = &deadline
	})

	req := authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", map[string]any{}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestRegisterAtCapacity(t *testing.T) {
	st := newFakeStore()
	router := newEventRouter(st, &fakeGateway{}, &fakeQueue{})
	seedEvent(st, func(e *models.Event) {
		capacity := 1
		e.Capacity = &capacity
	})
	otherUser := "user-2"
	st.registrations["reg-1"] = &models.EventRegistration{
		ID: "reg-1", EventID: "evt-1", UserID: &otherUser,
		Status: models.RegistrationCompleted,
	}

	req := authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", map[string]any{}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestRegisterDuplicate(t *testing.T) {
	st := newFakeStore()
	router := newEventRouter(st, &fakeGateway{}, &fakeQueue{})
	seedEvent(st, nil)

	req := authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", map[string]any{}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	req = authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", map[string]any{}, models.RoleMember)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestRegisterFeeEventSettles(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := newEventRouter(st, &fakeGateway{}, q)
	seedEvent(st, func(e *models.Event) { e.RegistrationFee = 20 })

	req := authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", map[string]any{
		"paymentMethodId": "pm_123",
	}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var reg models.EventRegistration
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reg))
	require.Equal(t, models.RegistrationCompleted, reg.Status)
	require.NotNil(t, reg.DonationID)
	require.Equal(t, models.PaymentCompleted, st.donations[*reg.DonationID].PaymentStatus)
}

func TestRegisterFeeEventPaymentFailureHoldsSpot(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := newEventRouter(st, &fakeGateway{intentErr: errors.New("card declined")}, q)
	seedEvent(st, func(e *models.Event) { e.RegistrationFee = 20 })

	req := authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", map[string]any{
		"paymentMethodId": "pm_123",
	}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var reg models.EventRegistration
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reg))
	require.Equal(t, models.RegistrationPending, reg.Status)
	require.NotNil(t, reg.DonationID)
	require.Equal(t, models.PaymentPending, st.donations[*reg.DonationID].PaymentStatus)
	require.Equal(t, 0, q.countType(models.JobSendRegistrationConfirm))
}

func TestRegisterFeeEventWithoutPaymentMethodHoldsSpot(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	q := &fakeQueue{}
	router := newEventRouter(st, gw, q)
	seedEvent(st, func(e *models.Event) { e.RegistrationFee = 25 })

	req := authedRequest(t, http.MethodPost, "/api/events/evt-1/registrations", nil, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var reg models.EventRegistration
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reg))
	require.Equal(t, models.RegistrationPending, reg.Status)
	require.NotNil(t, reg.DonationID)
	require.Equal(t, 25.0, reg.AmountPaid)
	require.Equal(t, models.PaymentPending, st.donations[*reg.DonationID].PaymentStatus)
	require.Equal(t, 0, gw.intents)
	require.Equal(t, 0, q.countType(models.JobSendRegistrationConfirm))
}

func TestRefundDonation(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	router := newDonationRouter(st, gw, &fakeQueue{}, "")

	chargeID := "ch_5"
	st.donations["don-1"] = &models.Donation{
		ID:             "don-1",
		OrganizationID: "org-1",
		Amount:         60,
		PaymentStatus:  models.PaymentCompleted,
		StripeChargeID: &chargeID,
	}

	req := authedRequest(t, http.MethodPost, "/api/donations/don-1/refund", nil, models.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	require.Equal(t, []string{chargeID}, gw.refunds)
	// the row moves to REFUNDED when the gateway webhook confirms
	require.Equal(t, models.PaymentCompleted, st.donations["don-1"].PaymentStatus)
}

func TestRefundDonationGuards(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	router := newDonationRouter(st, gw, &fakeQueue{}, "")

	chargeID := "ch_5"
	st.donations["don-1"] = &models.Donation{
		ID:             "don-1",
		OrganizationID: "org-1",
		Amount:         60,
		PaymentStatus:  models.PaymentCompleted,
		StripeChargeID: &chargeID,
	}
	st.donations["don-2"] = &models.Donation{
		ID:             "don-2",
		OrganizationID: "org-1",
		Amount:         60,
		PaymentStatus:  models.PaymentPending,
	}

	req := authedRequest(t, http.MethodPost, "/api/donations/don-1/refund", nil, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = authedRequest(t, http.MethodPost, "/api/donations/don-2/refund", nil, models.RoleAdmin)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Empty(t, gw.refunds)
}

func TestCancelRecurringDonation(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	router := newDonationRouter(st, gw, &fakeQueue{}, "")

	subID := "sub_9"
	userID := "user-1"
	st.donations["don-1"] = &models.Donation{
		ID:                   "don-1",
		OrganizationID:       "org-1",
		UserID:               &userID,
		Amount:               30,
		PaymentStatus:        models.PaymentCompleted,
		IsRecurring:          true,
		StripeSubscriptionID: &subID,
	}

	req := authedRequest(t, http.MethodDelete, "/api/donations/don-1/recurring", nil, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, []string{subID}, gw.canceled)
	require.Equal(t, []bool{true}, gw.canceledAtEnd)
	require.Equal(t, models.PaymentCanceled, st.donations["don-1"].PaymentStatus)
}

func TestCancelRecurringDonationImmediately(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	router := newDonationRouter(st, gw, &fakeQueue{}, "")

	subID := "sub_9"
	userID := "user-1"
	st.donations["don-1"] = &models.Donation{
		ID:                   "don-1",
		OrganizationID:       "org-1",
		UserID:               &userID,
		Amount:               30,
		PaymentStatus:        models.PaymentCompleted,
		IsRecurring:          true,
		StripeSubscriptionID: &subID,
	}

	req := authedRequest(t, http.MethodDelete, "/api/donations/don-1/recurring", map[string]any{
		"cancelImmediately": true,
	}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, []bool{false}, gw.canceledAtEnd)
	require.Equal(t, models.PaymentCanceled, st.donations["don-1"].PaymentStatus)
}

func TestCancelRecurringWithoutSubscription(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	router := newDonationRouter(st, gw, &fakeQueue{}, "")

	userID := "user-1"
	st.donations["don-1"] = &models.Donation{
		ID:             "don-1",
		OrganizationID: "org-1",
		UserID:         &userID,
		Amount:         30,
		PaymentStatus:  models.PaymentFailed,
		IsRecurring:    true,
	}

	req := authedRequest(t, http.MethodDelete, "/api/donations/don-1/recurring", nil, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), "no active subscription found")
	require.Empty(t, gw.canceled)
	require.Equal(t, models.PaymentFailed, st.donations["don-1"].PaymentStatus)
}

func TestCreateRecurringDonation(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	q := &fakeQueue{}
	router := newDonationRouter(st, gw, q, "")

	req := authedRequest(t, http.MethodPost, "/api/donations/recurring", map[string]any{
		"amount":            100.0,
		"donationType":      "TITHE",
		"paymentMethodId":   "pm_123",
		"recurringSchedule": "MONTHLY",
	}, models.RoleMember)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var d models.Donation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	require.Equal(t, models.PaymentCompleted, d.PaymentStatus)
	require.True(t, d.IsRecurring)
	require.NotNil(t, d.StripeSubscriptionID)
	require.NotNil(t, d.NextPaymentDate)
	require.NotNil(t, d.ReceiptNumber)
	require.True(t, strings.HasPrefix(*d.ReceiptNumber, "RCP-"))
	require.Equal(t, models.PaymentCompleted, st.donations[d.ID].PaymentStatus)
	require.Equal(t, 1, q.countType(models.JobSendRecurringConfirmed))
	require.Equal(t, 1, q.countType(models.JobSendReceipt))
}

func TestCreateRecurringRequiresDonorEmail(t *testing.T) {
	st := newFakeStore()
	router := newDonationRouter(st, &fakeGateway{}, &fakeQueue{}, "")

	body, err := json.Marshal(map[string]any{
		"amount":            100.0,
		"paymentMethodId":   "pm_123",
		"recurringSchedule": "MONTHLY",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/donations/recurring", bytes.NewReader(body))
	claims := testClaims(models.RoleMember)
	claims.Email = ""
	ctx := middleware.WithClaims(req.Context(), claims)
	ctx = middleware.WithOrg(ctx, testOrg())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req.WithContext(ctx))

	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	require.Empty(t, st.donations)
}
