// Package plan implements subscription tier gating. Routes declare the
// tiers that include a feature; an organization passes when its own
// tier is at least the lowest of those.
package plan

import (
	"fmt"
	"time"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/models"
)

var tierLevels = map[models.PlanType]int{
	models.PlanTrial:   0,
	models.PlanBasic:   1,
	models.PlanPro:     2,
	models.PlanPremium: 3,
}

// Level returns the numeric rank of a tier. Unknown tiers rank below
// TRIAL so malformed data never unlocks anything.
func Level(p models.PlanType) int {
	if lvl, ok := tierLevels[p]; ok {
		return lvl
	}
	return -1
}

// Lowest returns the cheapest tier among required, for error messages.
func Lowest(required []models.PlanType) models.PlanType {
	lowest := required[0]
	for _, p := range required[1:] {
		if Level(p) < Level(lowest) {
			lowest = p
		}
	}
	return lowest
}

// Check decides whether org may use a feature available to the given
// tiers at time now. It returns nil on success and a classified error
// otherwise.
func Check(org *models.Organization, required []models.PlanType, now time.Time) error {
	if org == nil {
		return apperr.NotFound("organization not found")
	}
	if !org.IsActive {
		return apperr.Forbidden("organization is not active")
	}
	if org.TrialExpired(now) {
		return apperr.Forbidden("trial period has expired, please upgrade your plan")
	}
	if len(required) == 0 {
		return nil
	}
	if Level(org.PlanType) >= Level(Lowest(required)) {
		return nil
	}
	return apperr.Forbidden(fmt.Sprintf("this feature requires the %s plan or higher", Lowest(required)))
}
