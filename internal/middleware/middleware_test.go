package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/models"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticatorRejectsMissingToken(t *testing.T) {
	issuer := auth.NewIssuer("access", "refresh")
	handler := Authenticator(issuer)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/members", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticatorAcceptsValidToken(t *testing.T) {
	issuer := auth.NewIssuer("access", "refresh")
	pair, err := issuer.IssuePair(&models.User{
		ID:             "user-1",
		OrganizationID: "org-1",
		Email:          "user@example.com",
		Role:           models.RoleAdmin,
	})
	require.NoError(t, err)

	var seen *auth.Claims
	handler := Authenticator(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/members", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "user-1", seen.UserID)
	require.Equal(t, "org-1", seen.OrganizationID)
}

func TestTenantResolverDeniesCrossTenantAccess(t *testing.T) {
	// the request never reaches the store on the deny path
	handler := TenantResolver(nil)(okHandler())

	claims := &auth.Claims{
		UserID:         "user-1",
		OrganizationID: "org-1",
		Role:           models.RoleAdmin,
	}
	req := httptest.NewRequest(http.MethodGet, "/api/members?organizationId=org-2", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequirePlanDeniesLowerTier(t *testing.T) {
	handler := RequirePlan(models.PlanPro, models.PlanPremium)(okHandler())

	org := &models.Organization{ID: "org-1", PlanType: models.PlanBasic, IsActive: true}
	req := httptest.NewRequest(http.MethodGet, "/api/members/export", nil)
	req = req.WithContext(WithOrg(req.Context(), org))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "PRO plan")
}

func TestRequirePlanAllowsSufficientTier(t *testing.T) {
	handler := RequirePlan(models.PlanPro)(okHandler())

	org := &models.Organization{ID: "org-1", PlanType: models.PlanPremium, IsActive: true}
	req := httptest.NewRequest(http.MethodGet, "/api/members/export", nil)
	req = req.WithContext(WithOrg(req.Context(), org))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequirePlanDeniesExpiredTrial(t *testing.T) {
	handler := RequirePlan()(okHandler())

	ended := time.Now().Add(-time.Hour)
	org := &models.Organization{
		ID:          "org-1",
		PlanType:    models.PlanTrial,
		IsActive:    true,
		TrialEndsAt: &ended,
	}
	req := httptest.NewRequest(http.MethodGet, "/api/donations", nil)
	req = req.WithContext(WithOrg(req.Context(), org))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}
