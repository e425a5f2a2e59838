package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/respond"
	"github.com/shepherdsync/backend/internal/store"
)

const (
	resetTokenTTL        = time.Hour
	verificationTokenTTL = 24 * time.Hour
)

// AuthStore is the subset of the store the auth endpoints need.
type AuthStore interface {
	CreateOrganizationWithAdmin(ctx context.Context, org *models.Organization, admin *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	RecordLogin(ctx context.Context, userID string) error
	SetResetToken(ctx context.Context, email, token string, expiry time.Time) (*models.User, error)
	ResetPassword(ctx context.Context, token, passwordHash string) error
	VerifyEmail(ctx context.Context, token string) error
	SetVerificationToken(ctx context.Context, userID, token string, expiry time.Time) error
	GetInvitationByToken(ctx context.Context, token string) (*models.Invitation, error)
	AcceptInvitation(ctx context.Context, inv *models.Invitation, user *models.User) error
}

// EmailQueue enqueues outbound notification jobs.
type EmailQueue interface {
	EnqueueEmail(ctx context.Context, jobType string, payload models.JSONB, priority models.JobPriority) error
}

// AuthHandler serves signup, login and the token and account recovery
// flows. All of its routes are public.
type AuthHandler struct {
	store           AuthStore
	queue           EmailQueue
	issuer          *auth.Issuer
	trialPeriodDays int
	frontendURL     string
	now             func() time.Time
}

func NewAuthHandler(st AuthStore, queue EmailQueue, issuer *auth.Issuer, trialPeriodDays int, frontendURL string) *AuthHandler {
	return &AuthHandler{
		store:           st,
		queue:           queue,
		issuer:          issuer,
		trialPeriodDays: trialPeriodDays,
		frontendURL:     strings.TrimSuffix(frontendURL, "/"),
		now:             time.Now,
	}
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Post("/register", h.Register)
	router.Post("/login", h.Login)
	router.Post("/refresh", h.Refresh)
	router.Post("/password-reset/request", h.RequestPasswordReset)
	router.Post("/password-reset", h.ResetPassword)
	router.Post("/verify-email", h.VerifyEmail)
	router.Get("/invitations/{token}", h.GetInvitation)
	router.Post("/invitations/accept", h.AcceptInvitation)
}

type registerRequest struct {
	OrganizationName string `json:"organizationName"`
	Subdomain        string `json:"subdomain"`
	Email            string `json:"email"`
	Password         string `json:"password"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Timezone         string `json:"timezone"`
	Currency         string `json:"currency"`
}

// Register creates an organization on the trial plan together with its
// first admin user.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	req.Subdomain = strings.ToLower(strings.TrimSpace(req.Subdomain))
	req.Email = strings.TrimSpace(req.Email)
	if req.OrganizationName == "" || req.Subdomain == "" || req.Email == "" ||
		req.FirstName == "" || req.LastName == "" {
		respond.Error(w, apperr.BadRequest("organizationName, subdomain, email, password, firstName and lastName are required"))
		return
	}
	if !validSubdomain(req.Subdomain) {
		respond.Error(w, apperr.BadRequest("subdomain must be 3-63 lowercase letters, digits or hyphens"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respond.Error(w, apperr.BadRequest(err.Error()))
		return
	}

	now := h.now().UTC()
	trialEnds := now.AddDate(0, 0, h.trialPeriodDays)
	org := &models.Organization{
		Name:               req.OrganizationName,
		Subdomain:          req.Subdomain,
		PlanType:           models.PlanTrial,
		SubscriptionStatus: models.SubscriptionTrialing,
		TrialEndsAt:        &trialEnds,
		IsActive:           true,
		Timezone:           defaultString(req.Timezone, "UTC"),
		Currency:           strings.ToLower(defaultString(req.Currency, "usd")),
	}
	admin := &models.User{
		Email:        req.Email,
		PasswordHash: &hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         models.RoleAdmin,
		IsActive:     true,
	}
	if err := h.store.CreateOrganizationWithAdmin(r.Context(), org, admin); err != nil {
		respond.Error(w, storeError(err, "organization not found"))
		return
	}

	h.sendVerificationEmail(r.Context(), admin)

	pair, err := h.issuer.IssuePair(admin)
	if err != nil {
		respond.Error(w, apperr.Internal("issue tokens", err))
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]any{
		"organization": org,
		"user":         admin,
		"tokens":       pair,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.Error(w, apperr.Unauthorized("invalid email or password"))
			return
		}
		respond.Error(w, err)
		return
	}
	if !user.IsActive || user.PasswordHash == nil || !auth.CheckPassword(*user.PasswordHash, req.Password) {
		respond.Error(w, apperr.Unauthorized("invalid email or password"))
		return
	}
	if err := h.store.RecordLogin(r.Context(), user.ID); err != nil {
		log.Printf("[auth] record login for %s: %v", user.ID, err)
	}
	pair, err := h.issuer.IssuePair(user)
	if err != nil {
		respond.Error(w, apperr.Internal("issue tokens", err))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"user":   user,
		"tokens": pair,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh trades a valid refresh token for a new token pair. The user
// record is re-read so a deactivated account cannot keep refreshing.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	claims, err := h.issuer.ParseRefresh(req.RefreshToken)
	if err != nil {
		respond.Error(w, apperr.Unauthorized("invalid refresh token"))
		return
	}
	user, err := h.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		respond.Error(w, apperr.Unauthorized("invalid refresh token"))
		return
	}
	pair, err := h.issuer.IssuePair(user)
	if err != nil {
		respond.Error(w, apperr.Internal("issue tokens", err))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"tokens": pair})
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

// RequestPasswordReset always answers 200 so the endpoint cannot be
// used to probe which addresses have accounts.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	token, err := auth.RandomToken(32)
	if err != nil {
		respond.Error(w, apperr.Internal("generate token", err))
		return
	}
	user, err := h.store.SetResetToken(r.Context(), req.Email, token, h.now().UTC().Add(resetTokenTTL))
	switch {
	case errors.Is(err, store.ErrNotFound):
		// fall through to the generic answer
	case err != nil:
		respond.Error(w, err)
		return
	default:
		payload := models.JSONB{
			"to": user.Email,
			"model": map[string]any{
				"name":      user.FullName(),
				"reset_url": fmt.Sprintf("%s/reset-password?token=%s", h.frontendURL, token),
			},
		}
		if err := h.queue.EnqueueEmail(r.Context(), models.JobSendPasswordReset, payload, models.JobPriorityHigh); err != nil {
			log.Printf("[auth] enqueue password reset email: %v", err)
		}
	}
	respond.JSON(w, http.StatusOK, map[string]string{
		"message": "If the email exists, a reset link has been sent",
	})
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.Token == "" {
		respond.Error(w, apperr.BadRequest("token is required"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respond.Error(w, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.store.ResetPassword(r.Context(), req.Token, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.Error(w, apperr.BadRequest("reset token is invalid or expired"))
			return
		}
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.Token == "" {
		respond.Error(w, apperr.BadRequest("token is required"))
		return
	}
	if err := h.store.VerifyEmail(r.Context(), req.Token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.Error(w, apperr.BadRequest("verification token is invalid or expired"))
			return
		}
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "email verified"})
}

// GetInvitation lets the signup page show who the invite is for before
// the invitee picks a password.
func (h *AuthHandler) GetInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.store.GetInvitationByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respond.Error(w, storeError(err, "invitation not found"))
		return
	}
	if inv.AcceptedAt != nil {
		respond.Error(w, apperr.Conflict("invitation has already been accepted"))
		return
	}
	if inv.Expired(h.now()) {
		respond.Error(w, apperr.BadRequest("invitation has expired"))
		return
	}
	respond.JSON(w, http.StatusOK, inv)
}

type acceptInvitationRequest struct {
	Token     string `json:"token"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
}

// AcceptInvitation creates the invited user and signs them in. The
// invitation fixes the organization, email and role.
func (h *AuthHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.FirstName == "" || req.LastName == "" {
		respond.Error(w, apperr.BadRequest("firstName and lastName are required"))
		return
	}
	inv, err := h.store.GetInvitationByToken(r.Context(), req.Token)
	if err != nil {
		respond.Error(w, storeError(err, "invitation not found"))
		return
	}
	if inv.AcceptedAt != nil {
		respond.Error(w, apperr.Conflict("invitation has already been accepted"))
		return
	}
	if inv.Expired(h.now()) {
		respond.Error(w, apperr.BadRequest("invitation has expired"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respond.Error(w, apperr.BadRequest(err.Error()))
		return
	}
	user := &models.User{
		OrganizationID: inv.OrganizationID,
		Email:          inv.Email,
		PasswordHash:   &hash,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Phone:          nilIfEmpty(req.Phone),
		Role:           inv.Role,
		IsActive:       true,
	}
	if err := h.store.AcceptInvitation(r.Context(), inv, user); err != nil {
		respond.Error(w, storeError(err, "invitation not found"))
		return
	}
	pair, err := h.issuer.IssuePair(user)
	if err != nil {
		respond.Error(w, apperr.Internal("issue tokens", err))
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]any{
		"user":   user,
		"tokens": pair,
	})
}

func (h *AuthHandler) sendVerificationEmail(ctx context.Context, user *models.User) {
	token, err := auth.RandomToken(32)
	if err != nil {
		log.Printf("[auth] generate verification token: %v", err)
		return
	}
	if err := h.store.SetVerificationToken(ctx, user.ID, token, h.now().UTC().Add(verificationTokenTTL)); err != nil {
		log.Printf("[auth] store verification token: %v", err)
		return
	}
	payload := models.JSONB{
		"to": user.Email,
		"model": map[string]any{
			"name":       user.FullName(),
			"verify_url": fmt.Sprintf("%s/verify-email?token=%s", h.frontendURL, token),
		},
	}
	if err := h.queue.EnqueueEmail(ctx, models.JobSendEmailVerification, payload, models.JobPriorityNormal); err != nil {
		log.Printf("[auth] enqueue verification email: %v", err)
	}
}

func validSubdomain(s string) bool {
	if len(s) < 3 || len(s) > 63 || s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func nilIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
