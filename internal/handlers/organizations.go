package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/respond"
)

// OrganizationStore is the subset of the store the organization
// endpoints need.
type OrganizationStore interface {
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationStats(ctx context.Context, orgID string, since time.Time) (*models.OrganizationStats, error)
	ListOrganizations(ctx context.Context, limit, offset int) ([]models.Organization, error)
	UpdateOrganization(ctx context.Context, org *models.Organization) error
	UpdateOrganizationPlan(ctx context.Context, orgID string, plan models.PlanType, status models.SubscriptionStatus) error
	SetOrganizationActive(ctx context.Context, orgID string, active bool) error
}

// OrganizationHandler manages tenant settings. Listing, creation, plan
// changes and activation toggles are platform-operator actions.
type OrganizationHandler struct {
	store OrganizationStore
	now   func() time.Time
}

func NewOrganizationHandler(st OrganizationStore) *OrganizationHandler {
	return &OrganizationHandler{store: st, now: time.Now}
}

func (h *OrganizationHandler) RegisterRoutes(router chi.Router) {
	router.Get("/", h.List)
	router.Post("/", h.Create)
	router.Get("/current", h.GetCurrent)
	router.Patch("/current", h.UpdateCurrent)
	router.Get("/current/stats", h.GetStats)
	router.Patch("/{id}/plan", h.UpdatePlan)
	router.Patch("/{id}/activation", h.SetActivation)
}

// RegisterBrandingRoutes holds the white-label settings. Wired behind
// the premium plan gate.
func (h *OrganizationHandler) RegisterBrandingRoutes(router chi.Router) {
	router.Patch("/current/branding", h.UpdateBranding)
}

func (h *OrganizationHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role != models.RoleSuperAdmin {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	limit, offset := pageParams(r)
	orgs, err := h.store.ListOrganizations(r.Context(), limit, offset)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

type createOrganizationRequest struct {
	Name      string          `json:"name"`
	Subdomain string          `json:"subdomain"`
	PlanType  models.PlanType `json:"planType"`
	Timezone  string          `json:"timezone"`
	Currency  string          `json:"currency"`
}

// Create provisions a tenant without going through self-serve signup.
// The first admin joins later by invitation.
func (h *OrganizationHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role != models.RoleSuperAdmin {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	var req createOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.Name == "" {
		respond.Error(w, apperr.BadRequest("name is required"))
		return
	}
	req.Subdomain = strings.ToLower(strings.TrimSpace(req.Subdomain))
	if !validSubdomain(req.Subdomain) {
		respond.Error(w, apperr.BadRequest("subdomain must be 3-63 lowercase letters, digits or hyphens"))
		return
	}
	if req.PlanType == "" {
		req.PlanType = models.PlanTrial
	}
	switch req.PlanType {
	case models.PlanTrial, models.PlanBasic, models.PlanPro, models.PlanPremium:
	default:
		respond.Error(w, apperr.BadRequest("unknown plan type"))
		return
	}
	status := models.SubscriptionActive
	if req.PlanType == models.PlanTrial {
		status = models.SubscriptionTrialing
	}
	org := &models.Organization{
		Name:               req.Name,
		Subdomain:          req.Subdomain,
		PlanType:           req.PlanType,
		SubscriptionStatus: status,
		IsActive:           true,
		Timezone:           defaultString(req.Timezone, "UTC"),
		Currency:           strings.ToLower(defaultString(req.Currency, "usd")),
	}
	if err := h.store.CreateOrganization(r.Context(), org); err != nil {
		respond.Error(w, storeError(err, "organization not found"))
		return
	}
	respond.JSON(w, http.StatusCreated, org)
}

// GetStats reports headline counts plus donations received over the
// trailing thirty days.
func (h *OrganizationHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if org == nil {
		respond.Error(w, apperr.NotFound("organization not found"))
		return
	}
	if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
		respond.Error(w, err)
		return
	}
	since := h.now().UTC().AddDate(0, 0, -30)
	stats, err := h.store.GetOrganizationStats(r.Context(), org.ID, since)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}

func (h *OrganizationHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	if org == nil {
		respond.Error(w, apperr.NotFound("organization not found"))
		return
	}
	respond.JSON(w, http.StatusOK, org)
}

type updateOrganizationRequest struct {
	Name     *string       `json:"name"`
	LogoURL  *string       `json:"logoUrl"`
	Timezone *string       `json:"timezone"`
	Currency *string       `json:"currency"`
	Settings *models.JSONB `json:"settings"`
}

func (h *OrganizationHandler) UpdateCurrent(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if org == nil {
		respond.Error(w, apperr.NotFound("organization not found"))
		return
	}
	if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
		respond.Error(w, err)
		return
	}
	var req updateOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			respond.Error(w, apperr.BadRequest("name cannot be empty"))
			return
		}
		org.Name = *req.Name
	}
	if req.LogoURL != nil {
		org.LogoURL = nilIfEmpty(*req.LogoURL)
	}
	if req.Timezone != nil && *req.Timezone != "" {
		org.Timezone = *req.Timezone
	}
	if req.Currency != nil && *req.Currency != "" {
		org.Currency = strings.ToLower(*req.Currency)
	}
	if req.Settings != nil {
		org.Settings = *req.Settings
	}
	if err := h.store.UpdateOrganization(r.Context(), org); err != nil {
		respond.Error(w, storeError(err, "organization not found"))
		return
	}
	respond.JSON(w, http.StatusOK, org)
}

type updateBrandingRequest struct {
	CustomDomain   *string `json:"customDomain"`
	PrimaryColor   *string `json:"primaryColor"`
	SecondaryColor *string `json:"secondaryColor"`
}

func (h *OrganizationHandler) UpdateBranding(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if org == nil {
		respond.Error(w, apperr.NotFound("organization not found"))
		return
	}
	if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
		respond.Error(w, err)
		return
	}
	var req updateBrandingRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.CustomDomain != nil {
		org.CustomDomain = nilIfEmpty(strings.ToLower(*req.CustomDomain))
	}
	if req.PrimaryColor != nil {
		org.PrimaryColor = nilIfEmpty(*req.PrimaryColor)
	}
	if req.SecondaryColor != nil {
		org.SecondaryColor = nilIfEmpty(*req.SecondaryColor)
	}
	if err := h.store.UpdateOrganization(r.Context(), org); err != nil {
		respond.Error(w, storeError(err, "organization not found"))
		return
	}
	respond.JSON(w, http.StatusOK, org)
}

type updatePlanRequest struct {
	PlanType           models.PlanType           `json:"planType"`
	SubscriptionStatus models.SubscriptionStatus `json:"subscriptionStatus"`
}

// UpdatePlan moves an organization between tiers. Payment collection
// for the subscription itself happens out of band.
func (h *OrganizationHandler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role != models.RoleSuperAdmin {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	var req updatePlanRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	switch req.PlanType {
	case models.PlanTrial, models.PlanBasic, models.PlanPro, models.PlanPremium:
	default:
		respond.Error(w, apperr.BadRequest("unknown plan type"))
		return
	}
	status := req.SubscriptionStatus
	if status == "" {
		status = models.SubscriptionActive
		if req.PlanType == models.PlanTrial {
			status = models.SubscriptionTrialing
		}
	}
	orgID := chi.URLParam(r, "id")
	if err := h.store.UpdateOrganizationPlan(r.Context(), orgID, req.PlanType, status); err != nil {
		respond.Error(w, storeError(err, "organization not found"))
		return
	}
	org, err := h.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		respond.Error(w, storeError(err, "organization not found"))
		return
	}
	respond.JSON(w, http.StatusOK, org)
}

type activationRequest struct {
	IsActive bool `json:"isActive"`
}

func (h *OrganizationHandler) SetActivation(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role != models.RoleSuperAdmin {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	var req activationRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	orgID := chi.URLParam(r, "id")
	if err := h.store.SetOrganizationActive(r.Context(), orgID, req.IsActive); err != nil {
		respond.Error(w, storeError(err, "organization not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"id": orgID, "isActive": req.IsActive})
}
