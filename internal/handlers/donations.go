package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/respond"
	"github.com/shepherdsync/backend/internal/store"
	"github.com/shepherdsync/backend/internal/stripe"
)

// maxWebhookBytes caps gateway webhook payloads.
const maxWebhookBytes = 64 << 10

// PaymentGateway is the slice of the Stripe client the donation and
// event endpoints call.
type PaymentGateway interface {
	CreateOrGetCustomer(email, name string, metadata map[string]string) (string, error)
	AttachPaymentMethod(paymentMethodID, customerID string) error
	CreatePaymentIntent(amount float64, currency, customerID, paymentMethodID, description string, metadata map[string]string) (*stripe.PaymentIntent, error)
	CreateProduct(name, description string) (string, error)
	CreatePrice(productID string, amount float64, currency, interval string, intervalCount int) (string, error)
	CreateSubscription(customerID, priceID string, metadata map[string]string) (*stripe.Subscription, error)
	UpdateSubscriptionPrice(subscriptionID, newPriceID string) error
	CancelSubscription(subscriptionID string, atPeriodEnd bool) error
	CreateRefund(chargeID string, amount float64) (string, error)
}

// DonationStore is the subset of the store the donation endpoints and
// the webhook need.
type DonationStore interface {
	CreateDonation(ctx context.Context, d *models.Donation) error
	GetDonation(ctx context.Context, orgID, id string) (*models.Donation, error)
	GetDonationByIntentID(ctx context.Context, intentID string) (*models.Donation, error)
	GetDonationBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Donation, error)
	GetDonationByChargeID(ctx context.Context, chargeID string) (*models.Donation, error)
	ListDonations(ctx context.Context, orgID string, filter store.DonationFilter) ([]models.Donation, error)
	AttachPaymentIntent(ctx context.Context, id, intentID string) error
	AttachSubscription(ctx context.Context, id, subscriptionID string) error
	CompleteDonation(ctx context.Context, id, chargeID, receiptNumber string) (int64, error)
	CompleteDonationByIntent(ctx context.Context, intentID, chargeID, receiptNumber string) (int64, error)
	FailDonation(ctx context.Context, id string) error
	FailDonationByIntent(ctx context.Context, intentID string) (int64, error)
	RefundDonationByCharge(ctx context.Context, chargeID string) (int64, error)
	CancelRecurringDonation(ctx context.Context, orgID, id string) error
	CancelRecurringBySubscription(ctx context.Context, subscriptionID string) (int64, error)
	UpdateDonation(ctx context.Context, d *models.Donation) error
	GetDonationStats(ctx context.Context, orgID string, from, until time.Time) (*models.DonationStats, error)
	CompleteRegistrationByDonation(ctx context.Context, donationID string) (int64, error)
}

// DonationHandler covers one-time and recurring giving plus the
// gateway webhook that settles asynchronous payments.
type DonationHandler struct {
	store         DonationStore
	gateway       PaymentGateway
	queue         EmailQueue
	webhookSecret string
	now           func() time.Time
}

func NewDonationHandler(st DonationStore, gateway PaymentGateway, queue EmailQueue, webhookSecret string) *DonationHandler {
	return &DonationHandler{
		store:         st,
		gateway:       gateway,
		queue:         queue,
		webhookSecret: webhookSecret,
		now:           time.Now,
	}
}

func (h *DonationHandler) RegisterRoutes(router chi.Router) {
	router.Get("/", h.List)
	router.Post("/", h.Create)
	router.Post("/recurring", h.CreateRecurring)
	router.Get("/mine", h.ListMine)
	router.Get("/{id}", h.Get)
	router.Patch("/{id}", h.Update)
	router.Delete("/{id}/recurring", h.CancelRecurring)
	router.Post("/{id}/refund", h.Refund)
}

// RegisterReportingRoutes is wired behind the pro plan gate.
func (h *DonationHandler) RegisterReportingRoutes(router chi.Router) {
	router.Get("/stats", h.Stats)
}

type createDonationRequest struct {
	Amount          float64 `json:"amount"`
	DonationType    string  `json:"donationType"`
	PaymentMethod   string  `json:"paymentMethod"`
	PaymentMethodID string  `json:"paymentMethodId"`
	MemberID        string  `json:"memberId"`
	DonorName       string  `json:"donorName"`
	DonorEmail      string  `json:"donorEmail"`
	IsAnonymous     bool    `json:"isAnonymous"`
	Notes           string  `json:"notes"`
}

// Create takes a one-time gift. Card payments persist a PENDING row
// before the gateway is called so a crash mid-charge leaves a record;
// offline methods are recorded by staff as settled.
func (h *DonationHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())

	var req createDonationRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	d, err := h.donationFromRequest(claims, org, &req)
	if err != nil {
		respond.Error(w, err)
		return
	}

	if !isCardMethod(d.PaymentMethod) {
		// offline gifts are recorded by staff and settle immediately
		if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
			respond.Error(w, err)
			return
		}
		receipt, err := store.NewReceiptNumber(h.now())
		if err != nil {
			respond.Error(w, apperr.Internal("generate receipt number", err))
			return
		}
		d.PaymentStatus = models.PaymentCompleted
		d.ReceiptNumber = &receipt
		if err := h.store.CreateDonation(r.Context(), d); err != nil {
			respond.Error(w, storeError(err, "donation not found"))
			return
		}
		h.enqueueReceipt(r.Context(), d)
		respond.JSON(w, http.StatusCreated, d)
		return
	}

	if req.PaymentMethodID == "" {
		respond.Error(w, apperr.BadRequest("paymentMethodId is required for card payments"))
		return
	}
	d.PaymentStatus = models.PaymentPending
	if err := h.store.CreateDonation(r.Context(), d); err != nil {
		respond.Error(w, storeError(err, "donation not found"))
		return
	}

	customerID, err := h.gateway.CreateOrGetCustomer(donorEmail(d), donorName(d), map[string]string{
		"organization_id": org.ID,
	})
	if err != nil {
		h.failAfterGateway(r.Context(), d.ID, err)
		respond.Error(w, apperr.Gateway("payment could not be processed", err))
		return
	}
	intent, err := h.gateway.CreatePaymentIntent(
		d.Amount, d.Currency, customerID, req.PaymentMethodID,
		fmt.Sprintf("%s donation to %s", d.DonationType, org.Name),
		map[string]string{"donation_id": d.ID, "organization_id": org.ID},
	)
	if err != nil {
		h.failAfterGateway(r.Context(), d.ID, err)
		respond.Error(w, apperr.Gateway("payment could not be processed", err))
		return
	}
	if err := h.store.AttachPaymentIntent(r.Context(), d.ID, intent.ID); err != nil {
		log.Printf("[donations] attach intent %s to %s: %v", intent.ID, d.ID, err)
	}
	d.StripePaymentIntentID = &intent.ID

	if intent.Status == "succeeded" {
		receipt, err := store.NewReceiptNumber(h.now())
		if err != nil {
			respond.Error(w, apperr.Internal("generate receipt number", err))
			return
		}
		affected, err := h.store.CompleteDonationByIntent(r.Context(), intent.ID, intent.ChargeID, receipt)
		if err != nil {
			respond.Error(w, err)
			return
		}
		d.PaymentStatus = models.PaymentCompleted
		d.ReceiptNumber = &receipt
		if intent.ChargeID != "" {
			d.StripeChargeID = &intent.ChargeID
		}
		if affected > 0 {
			h.enqueueReceipt(r.Context(), d)
		}
	}
	respond.JSON(w, http.StatusCreated, d)
}

type createRecurringRequest struct {
	Amount            float64 `json:"amount"`
	DonationType      string  `json:"donationType"`
	PaymentMethodID   string  `json:"paymentMethodId"`
	RecurringSchedule string  `json:"recurringSchedule"`
	MemberID          string  `json:"memberId"`
	DonorName         string  `json:"donorName"`
	DonorEmail        string  `json:"donorEmail"`
	IsAnonymous       bool    `json:"isAnonymous"`
	Notes             string  `json:"notes"`
}

// CreateRecurring sets up a gateway subscription. The subscription is
// created with its first charge, so the donation row completes in the
// same request; renewal invoices arrive through the webhook and insert
// installment rows.
func (h *DonationHandler) CreateRecurring(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())

	var req createRecurringRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	schedule := models.RecurringSchedule(req.RecurringSchedule)
	if !schedule.Valid() {
		respond.Error(w, apperr.BadRequest("recurringSchedule must be one of WEEKLY, BIWEEKLY, MONTHLY, QUARTERLY, ANNUALLY"))
		return
	}
	if req.PaymentMethodID == "" {
		respond.Error(w, apperr.BadRequest("paymentMethodId is required"))
		return
	}
	d, err := h.donationFromRequest(claims, org, &createDonationRequest{
		Amount:        req.Amount,
		DonationType:  req.DonationType,
		PaymentMethod: string(models.MethodCreditCard),
		MemberID:      req.MemberID,
		DonorName:     req.DonorName,
		DonorEmail:    req.DonorEmail,
		IsAnonymous:   req.IsAnonymous,
		Notes:         req.Notes,
	})
	if err != nil {
		respond.Error(w, err)
		return
	}
	if donorEmail(d) == "" {
		respond.Error(w, apperr.BadRequest("a donor email is required for recurring donations"))
		return
	}
	now := h.now().UTC()
	next := schedule.Next(now)
	d.PaymentStatus = models.PaymentPending
	d.IsRecurring = true
	d.RecurringSchedule = &schedule
	d.NextPaymentDate = &next
	if err := h.store.CreateDonation(r.Context(), d); err != nil {
		respond.Error(w, storeError(err, "donation not found"))
		return
	}

	customerID, err := h.gateway.CreateOrGetCustomer(donorEmail(d), donorName(d), map[string]string{
		"organization_id": org.ID,
	})
	if err != nil {
		h.failAfterGateway(r.Context(), d.ID, err)
		respond.Error(w, apperr.Gateway("subscription could not be created", err))
		return
	}
	if err := h.gateway.AttachPaymentMethod(req.PaymentMethodID, customerID); err != nil {
		h.failAfterGateway(r.Context(), d.ID, err)
		respond.Error(w, apperr.Gateway("subscription could not be created", err))
		return
	}
	priceID, err := h.createRecurringPrice(org, d, schedule)
	if err != nil {
		h.failAfterGateway(r.Context(), d.ID, err)
		respond.Error(w, apperr.Gateway("subscription could not be created", err))
		return
	}
	sub, err := h.gateway.CreateSubscription(customerID, priceID, map[string]string{
		"donation_id": d.ID, "organization_id": org.ID,
	})
	if err != nil {
		h.failAfterGateway(r.Context(), d.ID, err)
		respond.Error(w, apperr.Gateway("subscription could not be created", err))
		return
	}
	if err := h.store.AttachSubscription(r.Context(), d.ID, sub.ID); err != nil {
		log.Printf("[donations] attach subscription %s to %s: %v", sub.ID, d.ID, err)
	}
	d.StripeSubscriptionID = &sub.ID

	receipt, err := store.NewReceiptNumber(h.now())
	if err != nil {
		respond.Error(w, apperr.Internal("generate receipt number", err))
		return
	}
	affected, err := h.store.CompleteDonation(r.Context(), d.ID, "", receipt)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if affected > 0 {
		d.PaymentStatus = models.PaymentCompleted
		d.ReceiptNumber = &receipt
		h.enqueueReceipt(r.Context(), d)
	}

	if email := donorEmail(d); email != "" {
		payload := models.JSONB{
			"to": email,
			"model": map[string]any{
				"name":     donorName(d),
				"amount":   d.Amount,
				"currency": d.Currency,
				"schedule": string(schedule),
			},
		}
		if err := h.queue.EnqueueEmail(r.Context(), models.JobSendRecurringConfirmed, payload, models.JobPriorityNormal); err != nil {
			log.Printf("[donations] enqueue recurring confirmation: %v", err)
		}
	}
	respond.JSON(w, http.StatusCreated, d)
}

func (h *DonationHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	filter, err := donationFilterFromQuery(r)
	if err != nil {
		respond.Error(w, err)
		return
	}
	donations, err := h.store.ListDonations(r.Context(), org.ID, filter)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"donations": donations})
}

func (h *DonationHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	filter, err := donationFilterFromQuery(r)
	if err != nil {
		respond.Error(w, err)
		return
	}
	filter.UserID = claims.UserID
	donations, err := h.store.ListDonations(r.Context(), org.ID, filter)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"donations": donations})
}

func (h *DonationHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	d, err := h.store.GetDonation(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "donation not found"))
		return
	}
	if !isOwnDonation(claims, d) {
		if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
			respond.Error(w, err)
			return
		}
	}
	respond.JSON(w, http.StatusOK, d)
}

type updateDonationRequest struct {
	Amount       *float64 `json:"amount"`
	DonationType *string  `json:"donationType"`
	Notes        *string  `json:"notes"`
	IsAnonymous  *bool    `json:"isAnonymous"`
}

// Update edits bookkeeping fields. Changing the amount of a recurring
// donation swaps the subscription onto a new price; future invoices
// bill the new amount.
func (h *DonationHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	d, err := h.store.GetDonation(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "donation not found"))
		return
	}
	if !isOwnDonation(claims, d) {
		if err := auth.Authorize(claims, org.ID, models.RolePastor); err != nil {
			respond.Error(w, err)
			return
		}
	}
	var req updateDonationRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.DonationType != nil {
		dt, err := parseDonationType(*req.DonationType)
		if err != nil {
			respond.Error(w, err)
			return
		}
		d.DonationType = dt
	}
	if req.Notes != nil {
		d.Notes = nilIfEmpty(*req.Notes)
	}
	if req.IsAnonymous != nil {
		d.IsAnonymous = *req.IsAnonymous
	}
	if req.Amount != nil && *req.Amount != d.Amount {
		if *req.Amount <= 0 {
			respond.Error(w, apperr.BadRequest("amount must be greater than zero"))
			return
		}
		if !d.IsRecurring {
			respond.Error(w, apperr.BadRequest("the amount of a settled donation cannot be changed"))
			return
		}
		if d.StripeSubscriptionID == nil || d.RecurringSchedule == nil {
			respond.Error(w, apperr.Conflict("recurring donation has no active subscription"))
			return
		}
		d.Amount = *req.Amount
		priceID, err := h.createRecurringPrice(org, d, *d.RecurringSchedule)
		if err != nil {
			respond.Error(w, apperr.Gateway("subscription could not be updated", err))
			return
		}
		if err := h.gateway.UpdateSubscriptionPrice(*d.StripeSubscriptionID, priceID); err != nil {
			respond.Error(w, apperr.Gateway("subscription could not be updated", err))
			return
		}
	}
	if err := h.store.UpdateDonation(r.Context(), d); err != nil {
		respond.Error(w, storeError(err, "donation not found"))
		return
	}
	respond.JSON(w, http.StatusOK, d)
}

type cancelRecurringRequest struct {
	CancelImmediately bool `json:"cancelImmediately"`
}

// CancelRecurring stops future billing. By default the subscription
// runs out the current period, so an invoice already in flight may
// still settle; cancelImmediately stops billing at the gateway right
// away.
func (h *DonationHandler) CancelRecurring(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	d, err := h.store.GetDonation(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "donation not found"))
		return
	}
	if !isOwnDonation(claims, d) {
		if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
			respond.Error(w, err)
			return
		}
	}
	var req cancelRecurringRequest
	if err := decodeJSONOptional(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if !d.IsRecurring {
		respond.Error(w, apperr.BadRequest("donation is not recurring"))
		return
	}
	if d.StripeSubscriptionID == nil {
		respond.Error(w, apperr.BadRequest("no active subscription found"))
		return
	}
	if err := h.gateway.CancelSubscription(*d.StripeSubscriptionID, !req.CancelImmediately); err != nil {
		respond.Error(w, apperr.Gateway("subscription could not be canceled", err))
		return
	}
	if err := h.store.CancelRecurringDonation(r.Context(), org.ID, d.ID); err != nil {
		respond.Error(w, storeError(err, "donation not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "recurring donation canceled"})
}

// Refund sends a settled card donation back through the gateway. The
// row stays COMPLETED until the charge.refunded webhook confirms the
// refund and notifies the donor.
func (h *DonationHandler) Refund(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
		respond.Error(w, err)
		return
	}
	d, err := h.store.GetDonation(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "donation not found"))
		return
	}
	if d.PaymentStatus != models.PaymentCompleted {
		respond.Error(w, apperr.Conflict("only completed donations can be refunded"))
		return
	}
	if d.StripeChargeID == nil {
		respond.Error(w, apperr.BadRequest("donation has no gateway charge to refund"))
		return
	}
	refundID, err := h.gateway.CreateRefund(*d.StripeChargeID, 0)
	if err != nil {
		respond.Error(w, apperr.Gateway("refund could not be created", err))
		return
	}
	log.Printf("[donations] refund %s created for donation %s", refundID, d.ID)
	respond.JSON(w, http.StatusAccepted, map[string]string{"message": "refund initiated"})
}

func (h *DonationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RolePastor); err != nil {
		respond.Error(w, err)
		return
	}
	now := h.now().UTC()
	from, until := now.AddDate(-1, 0, 0), now
	if t, err := parseOptionalTimestamp(r.URL.Query().Get("from")); err != nil {
		respond.Error(w, err)
		return
	} else if t != nil {
		from = *t
	}
	if t, err := parseOptionalTimestamp(r.URL.Query().Get("until")); err != nil {
		respond.Error(w, err)
		return
	} else if t != nil {
		until = *t
	}
	stats, err := h.store.GetDonationStats(r.Context(), org.ID, from, until)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}

// HandleWebhook receives gateway events. It is unauthenticated;
// trust comes from the signature over the raw body. Events referencing
// unknown records are acknowledged and dropped so the gateway stops
// retrying them.
func (h *DonationHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		respond.Error(w, apperr.Unauthorized("webhook not configured"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respond.Error(w, apperr.BadRequest("could not read webhook body"))
		return
	}
	event, err := stripe.ConstructEvent(body, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		respond.Error(w, apperr.BadRequest("webhook signature verification failed"))
		return
	}

	ctx := r.Context()
	switch event.Type {
	case "payment_intent.succeeded":
		err = h.onPaymentIntentSucceeded(ctx, event.Object)
	case "payment_intent.payment_failed":
		err = h.onPaymentIntentFailed(ctx, event.Object)
	case "invoice.payment_succeeded":
		err = h.onInvoicePaid(ctx, event.Object)
	case "invoice.payment_failed":
		err = h.onInvoiceFailed(ctx, event.Object)
	case "customer.subscription.deleted":
		err = h.onSubscriptionDeleted(ctx, event.Object)
	case "charge.refunded":
		err = h.onChargeRefunded(ctx, event.Object)
	default:
		log.Printf("[webhook] ignoring event type %s", event.Type)
	}
	if err != nil {
		log.Printf("[webhook] %s: %v", event.Type, err)
		respond.Error(w, apperr.Internal("webhook processing failed", err))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *DonationHandler) onPaymentIntentSucceeded(ctx context.Context, obj map[string]interface{}) error {
	intentID := stripe.ObjectString(obj, "id")
	if intentID == "" {
		return errors.New("event has no intent id")
	}
	chargeID := stripe.ObjectString(obj, "latest_charge")
	receipt, err := store.NewReceiptNumber(h.now())
	if err != nil {
		return err
	}
	affected, err := h.store.CompleteDonationByIntent(ctx, intentID, chargeID, receipt)
	if err != nil {
		return err
	}
	if affected == 0 {
		// unknown intent or a redelivered event
		return nil
	}
	d, err := h.store.GetDonationByIntentID(ctx, intentID)
	if err != nil {
		return err
	}
	if _, err := h.store.CompleteRegistrationByDonation(ctx, d.ID); err != nil {
		return err
	}
	h.enqueueReceipt(ctx, d)
	return nil
}

func (h *DonationHandler) onPaymentIntentFailed(ctx context.Context, obj map[string]interface{}) error {
	intentID := stripe.ObjectString(obj, "id")
	if intentID == "" {
		return errors.New("event has no intent id")
	}
	_, err := h.store.FailDonationByIntent(ctx, intentID)
	return err
}

// onInvoicePaid records recurring billing. The creation invoice bills
// the charge the original donation row already settled, so it only
// reconciles gateway ids onto that row; every renewal invoice inserts
// one installment row, keyed by the invoice's payment intent for
// idempotency.
func (h *DonationHandler) onInvoicePaid(ctx context.Context, obj map[string]interface{}) error {
	subID := stripe.ObjectString(obj, "subscription")
	if subID == "" {
		return nil
	}
	parent, err := h.store.GetDonationBySubscriptionID(ctx, subID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[webhook] invoice for unknown subscription %s", subID)
			return nil
		}
		return err
	}

	chargeID := stripe.ObjectString(obj, "charge")
	intentID := stripe.ObjectString(obj, "payment_intent")

	if stripe.ObjectString(obj, "billing_reason") == "subscription_create" {
		if intentID != "" {
			if err := h.store.AttachPaymentIntent(ctx, parent.ID, intentID); err != nil {
				return err
			}
		}
		return nil
	}

	receipt, err := store.NewReceiptNumber(h.now())
	if err != nil {
		return err
	}

	amount := parent.Amount
	if cents, ok := obj["amount_paid"].(float64); ok && cents > 0 {
		amount = cents / 100
	}
	var next *time.Time
	if parent.RecurringSchedule != nil {
		n := parent.RecurringSchedule.Next(h.now().UTC())
		next = &n
	}
	installment := &models.Donation{
		OrganizationID:        parent.OrganizationID,
		UserID:                parent.UserID,
		MemberID:              parent.MemberID,
		Amount:                amount,
		Currency:              parent.Currency,
		DonationType:          parent.DonationType,
		PaymentMethod:         parent.PaymentMethod,
		PaymentStatus:         models.PaymentCompleted,
		IsRecurring:           true,
		RecurringSchedule:     parent.RecurringSchedule,
		NextPaymentDate:       next,
		StripeSubscriptionID:  parent.StripeSubscriptionID,
		ReceiptNumber:         &receipt,
		DonorName:             parent.DonorName,
		DonorEmail:            parent.DonorEmail,
		IsAnonymous:           parent.IsAnonymous,
	}
	if intentID != "" {
		installment.StripePaymentIntentID = &intentID
	}
	if chargeID != "" {
		installment.StripeChargeID = &chargeID
	}
	if err := h.store.CreateDonation(ctx, installment); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// redelivered invoice event
			return nil
		}
		return err
	}
	h.enqueueReceipt(ctx, installment)
	return nil
}

func (h *DonationHandler) onInvoiceFailed(ctx context.Context, obj map[string]interface{}) error {
	subID := stripe.ObjectString(obj, "subscription")
	if subID == "" {
		return nil
	}
	parent, err := h.store.GetDonationBySubscriptionID(ctx, subID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if parent.PaymentStatus == models.PaymentPending {
		if err := h.store.FailDonation(ctx, parent.ID); err != nil {
			return err
		}
	}
	if email := donorEmail(parent); email != "" {
		payload := models.JSONB{
			"to": email,
			"model": map[string]any{
				"name":     donorName(parent),
				"amount":   parent.Amount,
				"currency": parent.Currency,
			},
		}
		if err := h.queue.EnqueueEmail(ctx, models.JobSendRecurringFailed, payload, models.JobPriorityHigh); err != nil {
			log.Printf("[webhook] enqueue recurring failure notice: %v", err)
		}
	}
	return nil
}

func (h *DonationHandler) onSubscriptionDeleted(ctx context.Context, obj map[string]interface{}) error {
	subID := stripe.ObjectString(obj, "id")
	if subID == "" {
		return nil
	}
	_, err := h.store.CancelRecurringBySubscription(ctx, subID)
	return err
}

func (h *DonationHandler) onChargeRefunded(ctx context.Context, obj map[string]interface{}) error {
	chargeID := stripe.ObjectString(obj, "id")
	if chargeID == "" {
		return nil
	}
	affected, err := h.store.RefundDonationByCharge(ctx, chargeID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil
	}
	d, err := h.store.GetDonationByChargeID(ctx, chargeID)
	if err != nil {
		return err
	}
	if email := donorEmail(d); email != "" {
		payload := models.JSONB{
			"to": email,
			"model": map[string]any{
				"name":           donorName(d),
				"amount":         d.Amount,
				"currency":       d.Currency,
				"receipt_number": d.ReceiptNumber,
			},
		}
		if err := h.queue.EnqueueEmail(ctx, models.JobSendRefundNotice, payload, models.JobPriorityNormal); err != nil {
			log.Printf("[webhook] enqueue refund notice: %v", err)
		}
	}
	return nil
}

func (h *DonationHandler) donationFromRequest(claims *auth.Claims, org *models.Organization, req *createDonationRequest) (*models.Donation, error) {
	if req.Amount <= 0 {
		return nil, apperr.BadRequest("amount must be greater than zero")
	}
	dt, err := parseDonationType(req.DonationType)
	if err != nil {
		return nil, err
	}
	method, err := parsePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	d := &models.Donation{
		OrganizationID: org.ID,
		UserID:         &claims.UserID,
		MemberID:       nilIfEmpty(req.MemberID),
		Amount:         req.Amount,
		Currency:       org.Currency,
		DonationType:   dt,
		PaymentMethod:  method,
		DonorName:      nilIfEmpty(req.DonorName),
		DonorEmail:     nilIfEmpty(req.DonorEmail),
		IsAnonymous:    req.IsAnonymous,
		Notes:          nilIfEmpty(req.Notes),
	}
	if d.DonorEmail == nil && claims.Email != "" {
		d.DonorEmail = &claims.Email
	}
	return d, nil
}

func (h *DonationHandler) createRecurringPrice(org *models.Organization, d *models.Donation, schedule models.RecurringSchedule) (string, error) {
	productID, err := h.gateway.CreateProduct(
		fmt.Sprintf("%s recurring giving", org.Name),
		fmt.Sprintf("%s %s donation", schedule, d.DonationType),
	)
	if err != nil {
		return "", err
	}
	unit, count := schedule.Interval()
	return h.gateway.CreatePrice(productID, d.Amount, d.Currency, unit, count)
}

func (h *DonationHandler) failAfterGateway(ctx context.Context, donationID string, cause error) {
	log.Printf("[donations] gateway rejected donation %s: %v", donationID, cause)
	if err := h.store.FailDonation(ctx, donationID); err != nil {
		log.Printf("[donations] mark donation %s failed: %v", donationID, err)
	}
}

// enqueueReceipt schedules the receipt email. The worker claims the
// receipt_sent_at stamp, so a double enqueue sends at most one email.
func (h *DonationHandler) enqueueReceipt(ctx context.Context, d *models.Donation) {
	email := donorEmail(d)
	if email == "" || d.IsAnonymous {
		return
	}
	payload := models.JSONB{
		"to":          email,
		"donation_id": d.ID,
		"model": map[string]any{
			"name":           donorName(d),
			"amount":         d.Amount,
			"currency":       d.Currency,
			"donation_type":  string(d.DonationType),
			"receipt_number": d.ReceiptNumber,
		},
	}
	if err := h.queue.EnqueueEmail(ctx, models.JobSendReceipt, payload, models.JobPriorityNormal); err != nil {
		log.Printf("[donations] enqueue receipt for %s: %v", d.ID, err)
	}
}

func donationFilterFromQuery(r *http.Request) (store.DonationFilter, error) {
	q := r.URL.Query()
	limit, offset := pageParams(r)
	filter := store.DonationFilter{
		Status: models.PaymentStatus(q.Get("status")),
		Type:   models.DonationType(q.Get("type")),
		Limit:  limit,
		Offset: offset,
	}
	if v := q.Get("recurring"); v != "" {
		recurring := v == "true"
		filter.Recurring = &recurring
	}
	from, err := parseOptionalTimestamp(q.Get("from"))
	if err != nil {
		return filter, err
	}
	until, err := parseOptionalTimestamp(q.Get("until"))
	if err != nil {
		return filter, err
	}
	filter.From, filter.Until = from, until
	return filter, nil
}

func parseOptionalTimestamp(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(csvDateLayout, raw)
	if err != nil {
		return nil, apperr.BadRequest("timestamps must be RFC 3339 or YYYY-MM-DD")
	}
	return &t, nil
}

func parseDonationType(raw string) (models.DonationType, error) {
	dt := models.DonationType(raw)
	switch dt {
	case models.DonationTithe, models.DonationOffering, models.DonationBuildingFund,
		models.DonationMissions, models.DonationBenevolence, models.DonationGeneral:
		return dt, nil
	case "":
		return models.DonationGeneral, nil
	}
	return "", apperr.BadRequest("unknown donationType")
}

func parsePaymentMethod(raw string) (models.PaymentMethod, error) {
	method := models.PaymentMethod(raw)
	switch method {
	case models.MethodCreditCard, models.MethodDebitCard, models.MethodCash,
		models.MethodCheck, models.MethodBankTransfer:
		return method, nil
	case "":
		return models.MethodCreditCard, nil
	}
	return "", apperr.BadRequest("unknown paymentMethod")
}

func isCardMethod(m models.PaymentMethod) bool {
	return m == models.MethodCreditCard || m == models.MethodDebitCard
}

func isOwnDonation(claims *auth.Claims, d *models.Donation) bool {
	return d.UserID != nil && *d.UserID == claims.UserID
}

func donorEmail(d *models.Donation) string {
	if d.DonorEmail != nil {
		return *d.DonorEmail
	}
	return ""
}

func donorName(d *models.Donation) string {
	if d.DonorName != nil && *d.DonorName != "" {
		return *d.DonorName
	}
	return "Friend"
}
