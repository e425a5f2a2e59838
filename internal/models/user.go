package models

import "time"

// UserRole determines what a user may do inside their organization.
type UserRole string

const (
	RoleMember     UserRole = "MEMBER"
	RoleUsher      UserRole = "USHER"
	RolePastor     UserRole = "PASTOR"
	RoleAdmin      UserRole = "ADMIN"
	RoleSuperAdmin UserRole = "SUPER_ADMIN"
)

// User is an authenticated account scoped to an organization.
// SUPER_ADMIN accounts may cross tenant boundaries.
type User struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organizationId"`
	Email            string     `json:"email"`
	PasswordHash     *string    `json:"-"`
	FirstName        string     `json:"firstName"`
	LastName         string     `json:"lastName"`
	Phone            *string    `json:"phone,omitempty"`
	AvatarURL        *string    `json:"avatarUrl,omitempty"`
	Role             UserRole   `json:"role"`
	IsActive         bool       `json:"isActive"`
	EmailVerified    bool       `json:"emailVerified"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
	LoginCount       int        `json:"loginCount"`
	ResetToken       *string    `json:"-"`
	ResetTokenExpiry *time.Time `json:"-"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// FullName joins first and last names for display and email templates.
func (u *User) FullName() string {
	if u.FirstName == "" {
		return u.LastName
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Invitation is a pending offer to join an organization. The token is
// single use and expires 48 hours after issue.
type Invitation struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Email          string     `json:"email"`
	Role           UserRole   `json:"role"`
	Token          string     `json:"-"`
	InvitedBy      string     `json:"invitedBy"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Expired reports whether the invitation can no longer be accepted.
func (i *Invitation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}
