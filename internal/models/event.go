package models

import "time"

// EventStatus is the publication state of an event. Only PUBLISHED
// events accept registrations.
type EventStatus string

const (
	EventDraft     EventStatus = "DRAFT"
	EventPublished EventStatus = "PUBLISHED"
	EventCanceled  EventStatus = "CANCELED"
	EventCompleted EventStatus = "COMPLETED"
)

// RegistrationStatus tracks an attendee's registration. A fee-bearing
// registration stays PENDING until its payment completes.
type RegistrationStatus string

const (
	RegistrationPending   RegistrationStatus = "PENDING"
	RegistrationCompleted RegistrationStatus = "COMPLETED"
	RegistrationCanceled  RegistrationStatus = "CANCELED"
	RegistrationWaitlist  RegistrationStatus = "WAITLISTED"
)

// Event is a scheduled gathering with optional capacity, deadline and
// registration fee.
type Event struct {
	ID                   string      `json:"id"`
	OrganizationID       string      `json:"organizationId"`
	Title                string      `json:"title"`
	Description          *string     `json:"description,omitempty"`
	Location             *string     `json:"location,omitempty"`
	StartsAt             time.Time   `json:"startsAt"`
	EndsAt               *time.Time  `json:"endsAt,omitempty"`
	Status               EventStatus `json:"status"`
	Capacity             *int        `json:"capacity,omitempty"`
	RegistrationDeadline *time.Time  `json:"registrationDeadline,omitempty"`
	RegistrationFee      float64     `json:"registrationFee"`
	CheckInCode          string      `json:"checkInCode"`
	ImageURL             *string     `json:"imageUrl,omitempty"`
	CreatedBy            string      `json:"createdBy"`
	CreatedAt            time.Time   `json:"createdAt"`
	UpdatedAt            time.Time   `json:"updatedAt"`
}

// RegistrationOpen reports whether the event can accept a new
// registration at now, ignoring capacity.
func (e *Event) RegistrationOpen(now time.Time) bool {
	if e.Status != EventPublished {
		return false
	}
	if e.RegistrationDeadline != nil && now.After(*e.RegistrationDeadline) {
		return false
	}
	return true
}

// EventRegistration ties a user, a child of a user, or an outside guest
// to an event. Exactly one of UserID or GuestEmail identifies the
// registrant.
type EventRegistration struct {
	ID         string             `json:"id"`
	EventID    string             `json:"eventId"`
	UserID     *string            `json:"userId,omitempty"`
	ChildName  *string            `json:"childName,omitempty"`
	GuestEmail *string            `json:"guestEmail,omitempty"`
	GuestName  *string            `json:"guestName,omitempty"`
	Status     RegistrationStatus `json:"status"`
	AmountPaid float64            `json:"amountPaid"`
	DonationID *string            `json:"donationId,omitempty"`
	Notes      *string            `json:"notes,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// EventStats summarizes attendance for one event.
type EventStats struct {
	Registered     int  `json:"registered"`
	Pending        int  `json:"pending"`
	Canceled       int  `json:"canceled"`
	SpotsRemaining *int `json:"spotsRemaining,omitempty"`
}
