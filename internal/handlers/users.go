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
	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/respond"
	"github.com/shepherdsync/backend/internal/store"
)

const invitationTTL = 48 * time.Hour

// UserStore is the subset of the store the user admin endpoints need.
type UserStore interface {
	GetUser(ctx context.Context, orgID, id string) (*models.User, error)
	ListUsers(ctx context.Context, orgID string, limit, offset int) ([]models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	SetPassword(ctx context.Context, id, passwordHash string) error
	DeactivateUser(ctx context.Context, orgID, id string) error
	ReactivateUser(ctx context.Context, orgID, id string) error
	CreateInvitation(ctx context.Context, inv *models.Invitation) error
	RefreshInvitation(ctx context.Context, orgID, id string, expiry time.Time) (*models.Invitation, error)
}

// UserHandler manages the accounts inside one organization.
type UserHandler struct {
	store       UserStore
	queue       EmailQueue
	frontendURL string
	now         func() time.Time
}

func NewUserHandler(st UserStore, queue EmailQueue, frontendURL string) *UserHandler {
	return &UserHandler{
		store:       st,
		queue:       queue,
		frontendURL: strings.TrimSuffix(frontendURL, "/"),
		now:         time.Now,
	}
}

func (h *UserHandler) RegisterRoutes(router chi.Router) {
	router.Get("/", h.List)
	router.Get("/me", h.GetMe)
	router.Post("/me/password", h.ChangePassword)
	router.Get("/{id}", h.Get)
	router.Patch("/{id}", h.Update)
	router.Delete("/{id}", h.Deactivate)
	router.Post("/{id}/reactivate", h.Reactivate)
	router.Post("/invitations", h.Invite)
	router.Post("/invitations/{id}/resend", h.ResendInvitation)
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	limit, offset := pageParams(r)
	users, err := h.store.ListUsers(r.Context(), org.ID, limit, offset)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	user, err := h.store.GetUser(r.Context(), org.ID, claims.UserID)
	if err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	respond.JSON(w, http.StatusOK, user)
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	user, err := h.store.GetUser(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	if user.ID != claims.UserID {
		if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
			respond.Error(w, err)
			return
		}
	}
	respond.JSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	FirstName *string          `json:"firstName"`
	LastName  *string          `json:"lastName"`
	Phone     *string          `json:"phone"`
	AvatarURL *string          `json:"avatarUrl"`
	Role      *models.UserRole `json:"role"`
}

// Update edits profile fields. Role changes additionally require the
// caller to outrank the target.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	user, err := h.store.GetUser(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	if !auth.CanActOn(claims, user) {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.FirstName != nil && *req.FirstName != "" {
		user.FirstName = *req.FirstName
	}
	if req.LastName != nil && *req.LastName != "" {
		user.LastName = *req.LastName
	}
	if req.Phone != nil {
		user.Phone = nilIfEmpty(*req.Phone)
	}
	if req.AvatarURL != nil {
		user.AvatarURL = nilIfEmpty(*req.AvatarURL)
	}
	if req.Role != nil {
		if err := h.applyRoleChange(claims, user, *req.Role); err != nil {
			respond.Error(w, err)
			return
		}
	}
	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	respond.JSON(w, http.StatusOK, user)
}

// applyRoleChange enforces that nobody grants a role at or above their
// own, and that users cannot change their own role.
func (h *UserHandler) applyRoleChange(claims *auth.Claims, user *models.User, role models.UserRole) error {
	if auth.RoleLevel(role) < 0 {
		return apperr.BadRequest("unknown role")
	}
	if claims.UserID == user.ID {
		return apperr.Forbidden("cannot change your own role")
	}
	if claims.Role != models.RoleSuperAdmin && auth.RoleLevel(role) >= auth.RoleLevel(claims.Role) {
		return apperr.Forbidden("cannot grant a role at or above your own")
	}
	user.Role = role
	return nil
}

func (h *UserHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if id == claims.UserID {
		respond.Error(w, apperr.BadRequest("cannot deactivate your own account"))
		return
	}
	user, err := h.store.GetUser(r.Context(), org.ID, id)
	if err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	if !auth.CanActOn(claims, user) {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	if err := h.store.DeactivateUser(r.Context(), org.ID, id); err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "user deactivated"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword lets the caller rotate their own password after
// confirming the current one.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	user, err := h.store.GetUser(r.Context(), org.ID, claims.UserID)
	if err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	if user.PasswordHash == nil || !auth.CheckPassword(*user.PasswordHash, req.CurrentPassword) {
		respond.Error(w, apperr.Unauthorized("current password is incorrect"))
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		respond.Error(w, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.store.SetPassword(r.Context(), user.ID, hash); err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

// Reactivate restores a deactivated login. Same outranking rule as
// deactivation.
func (h *UserHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	user, err := h.store.GetUser(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	if !auth.CanActOn(claims, user) {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	if err := h.store.ReactivateUser(r.Context(), org.ID, user.ID); err != nil {
		respond.Error(w, storeError(err, "user not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "user reactivated"})
}

type inviteRequest struct {
	Email string          `json:"email"`
	Role  models.UserRole `json:"role"`
}

// Invite emails a signup link that fixes the invitee's organization,
// address and role. Links expire after 48 hours.
func (h *UserHandler) Invite(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
		respond.Error(w, err)
		return
	}
	var req inviteRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		respond.Error(w, apperr.BadRequest("a valid email is required"))
		return
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}
	if auth.RoleLevel(req.Role) < 0 {
		respond.Error(w, apperr.BadRequest("unknown role"))
		return
	}
	if claims.Role != models.RoleSuperAdmin && auth.RoleLevel(req.Role) >= auth.RoleLevel(claims.Role) {
		respond.Error(w, apperr.Forbidden("cannot invite a role at or above your own"))
		return
	}

	inv := &models.Invitation{
		OrganizationID: org.ID,
		Email:          req.Email,
		Role:           req.Role,
		InvitedBy:      claims.UserID,
		ExpiresAt:      h.now().UTC().Add(invitationTTL),
	}
	if err := h.store.CreateInvitation(r.Context(), inv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			respond.Error(w, storeError(err, ""))
			return
		}
		respond.Error(w, err)
		return
	}

	payload := models.JSONB{
		"to": inv.Email,
		"model": map[string]any{
			"organization": org.Name,
			"invited_by":   claims.Email,
			"role":         string(inv.Role),
			"accept_url":   fmt.Sprintf("%s/invitations/%s", h.frontendURL, inv.Token),
		},
	}
	if err := h.queue.EnqueueEmail(r.Context(), models.JobSendInvitation, payload, models.JobPriorityHigh); err != nil {
		log.Printf("[users] enqueue invitation email: %v", err)
	}
	respond.JSON(w, http.StatusCreated, inv)
}

// ResendInvitation rotates the token on a pending invitation and sends
// the email again.
func (h *UserHandler) ResendInvitation(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
		respond.Error(w, err)
		return
	}
	inv, err := h.store.RefreshInvitation(r.Context(), org.ID, chi.URLParam(r, "id"), h.now().UTC().Add(invitationTTL))
	if err != nil {
		respond.Error(w, storeError(err, "invitation not found"))
		return
	}

	payload := models.JSONB{
		"to": inv.Email,
		"model": map[string]any{
			"organization": org.Name,
			"invited_by":   claims.Email,
			"role":         string(inv.Role),
			"accept_url":   fmt.Sprintf("%s/invitations/%s", h.frontendURL, inv.Token),
		},
	}
	if err := h.queue.EnqueueEmail(r.Context(), models.JobSendInvitation, payload, models.JobPriorityHigh); err != nil {
		log.Printf("[users] enqueue invitation email: %v", err)
	}
	respond.JSON(w, http.StatusOK, inv)
}
