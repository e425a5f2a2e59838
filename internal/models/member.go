package models

import "time"

// MembershipStatus tracks where a person is in the congregation
// lifecycle.
type MembershipStatus string

const (
	MemberVisitor         MembershipStatus = "VISITOR"
	MemberRegularAttendee MembershipStatus = "REGULAR_ATTENDEE"
	MemberActive          MembershipStatus = "ACTIVE_MEMBER"
	MemberInactive        MembershipStatus = "INACTIVE_MEMBER"
	MemberTransferred     MembershipStatus = "TRANSFERRED"
)

// Member is a person on an organization's roll. A member may or may not
// have a linked login account. Deletion is soft: DeletedAt is set and
// the row is excluded from normal queries until restored.
type Member struct {
	ID               string           `json:"id"`
	OrganizationID   string           `json:"organizationId"`
	UserID           *string          `json:"userId,omitempty"`
	FirstName        string           `json:"firstName"`
	LastName         string           `json:"lastName"`
	Email            *string          `json:"email,omitempty"`
	Phone            *string          `json:"phone,omitempty"`
	DateOfBirth      *time.Time       `json:"dateOfBirth,omitempty"`
	Gender           *string          `json:"gender,omitempty"`
	MaritalStatus    *string          `json:"maritalStatus,omitempty"`
	Occupation       *string          `json:"occupation,omitempty"`
	Address          *string          `json:"address,omitempty"`
	City             *string          `json:"city,omitempty"`
	State            *string          `json:"state,omitempty"`
	PostalCode       *string          `json:"postalCode,omitempty"`
	Country          *string          `json:"country,omitempty"`
	MembershipStatus MembershipStatus `json:"membershipStatus"`
	JoinedDate       *time.Time       `json:"joinedDate,omitempty"`
	BaptismDate      *time.Time       `json:"baptismDate,omitempty"`
	Notes            *string          `json:"notes,omitempty"`
	PhotoURL         *string          `json:"photoUrl,omitempty"`
	DeletedAt        *time.Time       `json:"deletedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// MemberStats summarizes a roll for the dashboard.
type MemberStats struct {
	Total            int                      `json:"total"`
	ByStatus         map[MembershipStatus]int `json:"byStatus"`
	ByGender         map[string]int           `json:"byGender"`
	Baptized         int                      `json:"baptized"`
	NewThisMonth     int                      `json:"newThisMonth"`
	BirthdaysInMonth int                      `json:"birthdaysThisMonth"`
}
