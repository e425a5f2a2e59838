package auth

import (
	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/models"
)

var roleLevels = map[models.UserRole]int{
	models.RoleMember:     0,
	models.RoleUsher:      1,
	models.RolePastor:     2,
	models.RoleAdmin:      3,
	models.RoleSuperAdmin: 4,
}

// RoleLevel ranks roles for comparison. Unknown roles rank below MEMBER.
func RoleLevel(r models.UserRole) int {
	if lvl, ok := roleLevels[r]; ok {
		return lvl
	}
	return -1
}

// Authorize is the single capability check used by handlers. It verifies
// that the caller may touch a resource owned by resourceOrgID with at
// least minRole. Super admins pass regardless of tenant.
func Authorize(claims *Claims, resourceOrgID string, minRole models.UserRole) error {
	if claims == nil {
		return apperr.Unauthorized("authentication required")
	}
	if claims.Role == models.RoleSuperAdmin {
		return nil
	}
	if resourceOrgID != "" && claims.OrganizationID != resourceOrgID {
		return apperr.Forbidden("access to this organization is denied")
	}
	if RoleLevel(claims.Role) < RoleLevel(minRole) {
		return apperr.Forbidden("insufficient role for this operation")
	}
	return nil
}

// CanActOn reports whether the caller may modify the given user record:
// themselves, or anyone of a strictly lower role in the same tenant.
func CanActOn(claims *Claims, target *models.User) bool {
	if claims == nil || target == nil {
		return false
	}
	if claims.Role == models.RoleSuperAdmin {
		return true
	}
	if claims.OrganizationID != target.OrganizationID {
		return false
	}
	if claims.UserID == target.ID {
		return true
	}
	return RoleLevel(claims.Role) > RoleLevel(target.Role) && RoleLevel(claims.Role) >= RoleLevel(models.RoleAdmin)
}
