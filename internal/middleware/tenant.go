package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/respond"
	"github.com/shepherdsync/backend/internal/store"
)

const orgKey contextKey = "tenant.organization"

// OrgFromContext returns the resolved tenant for the request, or nil.
func OrgFromContext(ctx context.Context) *models.Organization {
	org, _ := ctx.Value(orgKey).(*models.Organization)
	return org
}

// WithOrg injects an organization into a context. Exposed for handler
// tests.
func WithOrg(ctx context.Context, org *models.Organization) context.Context {
	return context.WithValue(ctx, orgKey, org)
}

// TenantResolver loads the caller's organization and pins it to the
// request. Regular users are bound to the tenant in their token; a
// super admin may select any tenant with the organizationId query
// parameter. A cross-tenant request from anyone else is Forbidden.
func TenantResolver(s *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				respond.Error(w, apperr.Unauthorized("authentication required"))
				return
			}

			orgID := claims.OrganizationID
			if requested := r.URL.Query().Get("organizationId"); requested != "" && requested != orgID {
				if claims.Role != models.RoleSuperAdmin {
					respond.Error(w, apperr.Forbidden("access to this organization is denied"))
					return
				}
				orgID = requested
			}

			org, err := s.GetOrganization(r.Context(), orgID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					respond.Error(w, apperr.NotFound("organization not found"))
					return
				}
				respond.Error(w, apperr.Internal("resolve organization", err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOrg(r.Context(), org)))
		})
	}
}
