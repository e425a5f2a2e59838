package models

import "time"

// PlanType identifies an organization's subscription tier.
type PlanType string

const (
	PlanTrial   PlanType = "TRIAL"
	PlanBasic   PlanType = "BASIC"
	PlanPro     PlanType = "PRO"
	PlanPremium PlanType = "PREMIUM"
)

// SubscriptionStatus tracks the billing state of an organization.
type SubscriptionStatus string

const (
	SubscriptionTrialing SubscriptionStatus = "TRIALING"
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
)

// Organization is a tenant. Every domain record hangs off one of these.
type Organization struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Subdomain          string             `json:"subdomain"`
	LogoURL            *string            `json:"logoUrl,omitempty"`
	PlanType           PlanType           `json:"planType"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	TrialEndsAt        *time.Time         `json:"trialEndsAt,omitempty"`
	IsActive           bool               `json:"isActive"`
	Timezone           string             `json:"timezone"`
	Currency           string             `json:"currency"`
	CustomDomain       *string            `json:"customDomain,omitempty"`
	PrimaryColor       *string            `json:"primaryColor,omitempty"`
	SecondaryColor     *string            `json:"secondaryColor,omitempty"`
	Settings           JSONB              `json:"settings"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// TrialExpired reports whether the organization sat out its trial
// period without upgrading.
func (o *Organization) TrialExpired(now time.Time) bool {
	return o.PlanType == PlanTrial && o.TrialEndsAt != nil && o.TrialEndsAt.Before(now)
}

// OrganizationStats summarizes one tenant for the admin dashboard.
type OrganizationStats struct {
	Users          int     `json:"users"`
	Members        int     `json:"members"`
	UpcomingEvents int     `json:"upcomingEvents"`
	DonationTotal  float64 `json:"donationTotal"`
}
