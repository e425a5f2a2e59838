package middleware

import (
	"net/http"
	"time"

	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/plan"
	"github.com/shepherdsync/backend/internal/respond"
)

// RequirePlan gates a route behind the subscription tiers that include
// its feature. Must run after TenantResolver.
func RequirePlan(required ...models.PlanType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			org := OrgFromContext(r.Context())
			if err := plan.Check(org, required, time.Now()); err != nil {
				respond.Error(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
