package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/respond"
	"github.com/shepherdsync/backend/internal/store"
)

// EventStore is the subset of the store the event endpoints need.
type EventStore interface {
	CreateEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, orgID, id string) (*models.Event, error)
	ListEvents(ctx context.Context, orgID string, filter store.EventFilter) ([]models.Event, error)
	UpdateEvent(ctx context.Context, e *models.Event) error
	DeleteEvent(ctx context.Context, orgID, id string) error
	CountActiveRegistrations(ctx context.Context, eventID string) (int, error)
	CreateRegistration(ctx context.Context, r *models.EventRegistration) error
	GetRegistration(ctx context.Context, orgID, id string) (*models.EventRegistration, error)
	ListRegistrations(ctx context.Context, eventID string, limit, offset int) ([]models.EventRegistration, error)
	CancelRegistration(ctx context.Context, id string) error
	GetEventStats(ctx context.Context, orgID, eventID string) (*models.EventStats, error)
	CompleteRegistrationByDonation(ctx context.Context, donationID string) (int64, error)
	CreateDonation(ctx context.Context, d *models.Donation) error
	AttachPaymentIntent(ctx context.Context, id, intentID string) error
	CompleteDonationByIntent(ctx context.Context, intentID, chargeID, receiptNumber string) (int64, error)
}

// EventHandler manages events and their registrations, including fee
// collection through the payment gateway.
type EventHandler struct {
	store   EventStore
	gateway PaymentGateway
	queue   EmailQueue
	now     func() time.Time
}

func NewEventHandler(st EventStore, gateway PaymentGateway, queue EmailQueue) *EventHandler {
	return &EventHandler{
		store:   st,
		gateway: gateway,
		queue:   queue,
		now:     time.Now,
	}
}

func (h *EventHandler) RegisterRoutes(router chi.Router) {
	router.Get("/", h.List)
	router.Post("/", h.Create)
	router.Get("/{id}", h.Get)
	router.Patch("/{id}", h.Update)
	router.Delete("/{id}", h.Delete)
	router.Get("/{id}/registrations", h.ListRegistrations)
	router.Post("/{id}/registrations", h.Register)
	router.Delete("/registrations/{registrationId}", h.CancelRegistration)
}

// RegisterReportingRoutes is wired behind the pro plan gate.
func (h *EventHandler) RegisterReportingRoutes(router chi.Router) {
	router.Get("/{id}/stats", h.Stats)
}

type eventRequest struct {
	Title                *string  `json:"title"`
	Description          *string  `json:"description"`
	Location             *string  `json:"location"`
	StartsAt             *string  `json:"startsAt"`
	EndsAt               *string  `json:"endsAt"`
	Status               *string  `json:"status"`
	Capacity             *int     `json:"capacity"`
	RegistrationDeadline *string  `json:"registrationDeadline"`
	RegistrationFee      *float64 `json:"registrationFee"`
	ImageURL             *string  `json:"imageUrl"`
}

func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RolePastor); err != nil {
		respond.Error(w, err)
		return
	}
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.Title == nil || *req.Title == "" {
		respond.Error(w, apperr.BadRequest("title is required"))
		return
	}
	if req.StartsAt == nil || *req.StartsAt == "" {
		respond.Error(w, apperr.BadRequest("startsAt is required"))
		return
	}
	e := &models.Event{
		OrganizationID: org.ID,
		Status:         models.EventDraft,
		CreatedBy:      claims.UserID,
	}
	if err := applyEventRequest(e, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.store.CreateEvent(r.Context(), e); err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	respond.JSON(w, http.StatusCreated, e)
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	q := r.URL.Query()
	limit, offset := pageParams(r)
	filter := store.EventFilter{
		Status: models.EventStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	from, err := parseOptionalTimestamp(q.Get("from"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	until, err := parseOptionalTimestamp(q.Get("until"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	filter.From, filter.Until = from, until

	// non-staff callers only see the published calendar
	claims := middleware.ClaimsFromContext(r.Context())
	if auth.Authorize(claims, org.ID, models.RoleUsher) != nil {
		filter.Status = models.EventPublished
	}
	events, err := h.store.ListEvents(r.Context(), org.ID, filter)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	e, err := h.store.GetEvent(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	if e.Status != models.EventPublished {
		if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
			respond.Error(w, apperr.NotFound("event not found"))
			return
		}
	}
	respond.JSON(w, http.StatusOK, e)
}

func (h *EventHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RolePastor); err != nil {
		respond.Error(w, err)
		return
	}
	e, err := h.store.GetEvent(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.Title != nil && *req.Title == "" {
		respond.Error(w, apperr.BadRequest("title cannot be empty"))
		return
	}
	if err := applyEventRequest(e, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.store.UpdateEvent(r.Context(), e); err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	respond.JSON(w, http.StatusOK, e)
}

func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
		respond.Error(w, err)
		return
	}
	e, err := h.store.GetEvent(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	count, err := h.store.CountActiveRegistrations(r.Context(), e.ID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if count > 0 {
		respond.Error(w, apperr.Conflict("event has registrations and cannot be deleted"))
		return
	}
	if err := h.store.DeleteEvent(r.Context(), org.ID, e.ID); err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "event deleted"})
}

type registerRequestBody struct {
	ChildName       string `json:"childName"`
	GuestEmail      string `json:"guestEmail"`
	GuestName       string `json:"guestName"`
	Notes           string `json:"notes"`
	PaymentMethodID string `json:"paymentMethodId"`
}

// Register signs up the caller, a child of the caller, or an outside
// guest. Fee-bearing events hold the spot PENDING with a PENDING fee
// donation; a supplied payment method is charged through the gateway
// and a synchronous settle completes the registration, otherwise the
// webhook completes it once payment arrives.
func (h *EventHandler) Register(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())

	e, err := h.store.GetEvent(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	now := h.now().UTC()
	if e.Status != models.EventPublished {
		respond.Error(w, apperr.Conflict("event is not open for registration"))
		return
	}
	if !e.RegistrationOpen(now) {
		respond.Error(w, apperr.Conflict("registration deadline has passed"))
		return
	}
	if e.Capacity != nil {
		count, err := h.store.CountActiveRegistrations(r.Context(), e.ID)
		if err != nil {
			respond.Error(w, err)
			return
		}
		if count >= *e.Capacity {
			respond.Error(w, apperr.Conflict("event is at capacity"))
			return
		}
	}

	var req registerRequestBody
	if err := decodeJSONOptional(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	reg := &models.EventRegistration{
		EventID: e.ID,
		Status:  models.RegistrationCompleted,
		Notes:   nilIfEmpty(req.Notes),
	}
	switch {
	case req.GuestEmail != "":
		reg.GuestEmail = nilIfEmpty(strings.ToLower(req.GuestEmail))
		reg.GuestName = nilIfEmpty(req.GuestName)
	case req.ChildName != "":
		reg.UserID = &claims.UserID
		reg.ChildName = nilIfEmpty(req.ChildName)
	default:
		reg.UserID = &claims.UserID
	}

	if e.RegistrationFee <= 0 {
		if err := h.store.CreateRegistration(r.Context(), reg); err != nil {
			respond.Error(w, storeError(err, "event not found"))
			return
		}
		h.enqueueConfirmation(r.Context(), claims, org, e, reg)
		respond.JSON(w, http.StatusCreated, reg)
		return
	}

	// fee-bearing: persist the payment first, then the registration
	donation := &models.Donation{
		OrganizationID: org.ID,
		UserID:         &claims.UserID,
		Amount:         e.RegistrationFee,
		Currency:       org.Currency,
		DonationType:   models.DonationGeneral,
		PaymentMethod:  models.MethodCreditCard,
		PaymentStatus:  models.PaymentPending,
		DonorEmail:     &claims.Email,
		Notes:          nilIfEmpty(fmt.Sprintf("registration fee for %s", e.Title)),
	}
	if err := h.store.CreateDonation(r.Context(), donation); err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	reg.Status = models.RegistrationPending
	reg.DonationID = &donation.ID
	reg.AmountPaid = e.RegistrationFee
	if err := h.store.CreateRegistration(r.Context(), reg); err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}

	if req.PaymentMethodID != "" {
		settled := h.chargeRegistrationFee(r.Context(), org, e, donation, req.PaymentMethodID)
		if settled {
			reg.Status = models.RegistrationCompleted
			h.enqueueConfirmation(r.Context(), claims, org, e, reg)
		}
	}
	respond.JSON(w, http.StatusCreated, reg)
}

// chargeRegistrationFee runs the gateway charge. A failure leaves the
// registration PENDING rather than erroring the request: the spot is
// held and payment can be retried.
func (h *EventHandler) chargeRegistrationFee(ctx context.Context, org *models.Organization, e *models.Event, donation *models.Donation, paymentMethodID string) bool {
	customerID, err := h.gateway.CreateOrGetCustomer(donorEmail(donation), "", map[string]string{
		"organization_id": org.ID,
	})
	if err != nil {
		log.Printf("[events] fee charge for %s: %v", e.ID, err)
		return false
	}
	intent, err := h.gateway.CreatePaymentIntent(
		donation.Amount, donation.Currency, customerID, paymentMethodID,
		fmt.Sprintf("registration fee for %s", e.Title),
		map[string]string{"donation_id": donation.ID, "event_id": e.ID},
	)
	if err != nil {
		log.Printf("[events] fee charge for %s: %v", e.ID, err)
		return false
	}
	if err := h.store.AttachPaymentIntent(ctx, donation.ID, intent.ID); err != nil {
		log.Printf("[events] attach intent %s: %v", intent.ID, err)
	}
	if intent.Status != "succeeded" {
		return false
	}
	receipt, err := store.NewReceiptNumber(h.now())
	if err != nil {
		log.Printf("[events] receipt number: %v", err)
		return false
	}
	if _, err := h.store.CompleteDonationByIntent(ctx, intent.ID, intent.ChargeID, receipt); err != nil {
		log.Printf("[events] complete fee donation %s: %v", donation.ID, err)
		return false
	}
	if _, err := h.store.CompleteRegistrationByDonation(ctx, donation.ID); err != nil {
		log.Printf("[events] complete registration for donation %s: %v", donation.ID, err)
		return false
	}
	return true
}

func (h *EventHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	e, err := h.store.GetEvent(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	limit, offset := pageParams(r)
	regs, err := h.store.ListRegistrations(r.Context(), e.ID, limit, offset)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"registrations": regs})
}

// CancelRegistration frees the spot. Registrants cancel their own;
// staff can cancel anyone's.
func (h *EventHandler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	reg, err := h.store.GetRegistration(r.Context(), org.ID, chi.URLParam(r, "registrationId"))
	if err != nil {
		respond.Error(w, storeError(err, "registration not found"))
		return
	}
	own := reg.UserID != nil && *reg.UserID == claims.UserID
	if !own {
		if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
			respond.Error(w, err)
			return
		}
	}
	e, err := h.store.GetEvent(r.Context(), org.ID, reg.EventID)
	if err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	if h.now().UTC().After(e.StartsAt) {
		respond.Error(w, apperr.Conflict("the event has already started"))
		return
	}
	if err := h.store.CancelRegistration(r.Context(), reg.ID); err != nil {
		respond.Error(w, storeError(err, "registration not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "registration canceled"})
}

func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	stats, err := h.store.GetEventStats(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "event not found"))
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}

func (h *EventHandler) enqueueConfirmation(ctx context.Context, claims *auth.Claims, org *models.Organization, e *models.Event, reg *models.EventRegistration) {
	to := claims.Email
	name := ""
	if reg.GuestEmail != nil {
		to = *reg.GuestEmail
		if reg.GuestName != nil {
			name = *reg.GuestName
		}
	}
	if to == "" {
		return
	}
	payload := models.JSONB{
		"to": to,
		"model": map[string]any{
			"name":         name,
			"event":        e.Title,
			"starts_at":    e.StartsAt.Format(time.RFC3339),
			"organization": org.Name,
		},
	}
	if err := h.queue.EnqueueEmail(ctx, models.JobSendRegistrationConfirm, payload, models.JobPriorityNormal); err != nil {
		log.Printf("[events] enqueue registration confirmation: %v", err)
	}
}

func applyEventRequest(e *models.Event, req *eventRequest) error {
	if req.Title != nil && *req.Title != "" {
		e.Title = *req.Title
	}
	if req.Description != nil {
		e.Description = nilIfEmpty(*req.Description)
	}
	if req.Location != nil {
		e.Location = nilIfEmpty(*req.Location)
	}
	if req.ImageURL != nil {
		e.ImageURL = nilIfEmpty(*req.ImageURL)
	}
	if req.StartsAt != nil && *req.StartsAt != "" {
		t, err := time.Parse(time.RFC3339, *req.StartsAt)
		if err != nil {
			return apperr.BadRequest("startsAt must be RFC 3339")
		}
		e.StartsAt = t
	}
	if req.EndsAt != nil {
		if *req.EndsAt == "" {
			e.EndsAt = nil
		} else {
			t, err := time.Parse(time.RFC3339, *req.EndsAt)
			if err != nil {
				return apperr.BadRequest("endsAt must be RFC 3339")
			}
			e.EndsAt = &t
		}
	}
	if req.RegistrationDeadline != nil {
		if *req.RegistrationDeadline == "" {
			e.RegistrationDeadline = nil
		} else {
			t, err := time.Parse(time.RFC3339, *req.RegistrationDeadline)
			if err != nil {
				return apperr.BadRequest("registrationDeadline must be RFC 3339")
			}
			e.RegistrationDeadline = &t
		}
	}
	if req.Capacity != nil {
		if *req.Capacity < 0 {
			return apperr.BadRequest("capacity cannot be negative")
		}
		if *req.Capacity == 0 {
			e.Capacity = nil
		} else {
			e.Capacity = req.Capacity
		}
	}
	if req.RegistrationFee != nil {
		if *req.RegistrationFee < 0 {
			return apperr.BadRequest("registrationFee cannot be negative")
		}
		e.RegistrationFee = *req.RegistrationFee
	}
	if req.Status != nil && *req.Status != "" {
		status := models.EventStatus(*req.Status)
		switch status {
		case models.EventDraft, models.EventPublished, models.EventCanceled, models.EventCompleted:
			e.Status = status
		default:
			return apperr.BadRequest("unknown event status")
		}
	}
	if e.EndsAt != nil && !e.EndsAt.After(e.StartsAt) {
		return apperr.BadRequest("endsAt must be after startsAt")
	}
	if e.RegistrationDeadline != nil && !e.RegistrationDeadline.Before(e.StartsAt) {
		return apperr.BadRequest("registrationDeadline must be before startsAt")
	}
	return nil
}
