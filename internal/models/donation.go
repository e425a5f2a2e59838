package models

import "time"

// PaymentStatus is the lifecycle of a donation payment.
//
// CANCELED means cancellation was requested for a recurring donation;
// a subscription canceled at period end may still produce one final
// invoice before the gateway stops billing.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCanceled  PaymentStatus = "CANCELED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// PaymentMethod records how a donation was given.
type PaymentMethod string

const (
	MethodCreditCard   PaymentMethod = "CREDIT_CARD"
	MethodDebitCard    PaymentMethod = "DEBIT_CARD"
	MethodCash         PaymentMethod = "CASH"
	MethodCheck        PaymentMethod = "CHECK"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
)

// DonationType is the fund a gift is directed to.
type DonationType string

const (
	DonationTithe        DonationType = "TITHE"
	DonationOffering     DonationType = "OFFERING"
	DonationBuildingFund DonationType = "BUILDING_FUND"
	DonationMissions     DonationType = "MISSIONS"
	DonationBenevolence  DonationType = "BENEVOLENCE"
	DonationGeneral      DonationType = "GENERAL"
)

// RecurringSchedule is how often a recurring donation repeats.
type RecurringSchedule string

const (
	ScheduleWeekly    RecurringSchedule = "WEEKLY"
	ScheduleBiweekly  RecurringSchedule = "BIWEEKLY"
	ScheduleMonthly   RecurringSchedule = "MONTHLY"
	ScheduleQuarterly RecurringSchedule = "QUARTERLY"
	ScheduleAnnually  RecurringSchedule = "ANNUALLY"
)

// Interval maps a schedule onto the gateway's recurring price terms.
func (s RecurringSchedule) Interval() (unit string, count int) {
	switch s {
	case ScheduleWeekly:
		return "week", 1
	case ScheduleBiweekly:
		return "week", 2
	case ScheduleQuarterly:
		return "month", 3
	case ScheduleAnnually:
		return "year", 1
	default:
		return "month", 1
	}
}

// Valid reports whether s is a known schedule.
func (s RecurringSchedule) Valid() bool {
	switch s {
	case ScheduleWeekly, ScheduleBiweekly, ScheduleMonthly, ScheduleQuarterly, ScheduleAnnually:
		return true
	}
	return false
}

// Next returns the next billing date after from. Month-based schedules
// clamp to the last day of shorter months (Jan 31 + 1 month = Feb 28).
func (s RecurringSchedule) Next(from time.Time) time.Time {
	switch s {
	case ScheduleWeekly:
		return from.AddDate(0, 0, 7)
	case ScheduleBiweekly:
		return from.AddDate(0, 0, 14)
	case ScheduleQuarterly:
		return addMonthsClamped(from, 3)
	case ScheduleAnnually:
		return addMonthsClamped(from, 12)
	default:
		return addMonthsClamped(from, 1)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	anchor := time.Date(y, m, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	anchor = anchor.AddDate(0, months, 0)
	if last := daysInMonth(anchor.Year(), anchor.Month()); d > last {
		d = last
	}
	return time.Date(anchor.Year(), anchor.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Donation is a single gift, or one installment of a recurring gift.
// Amounts are stored in the organization's currency as decimal dollars.
type Donation struct {
	ID                    string             `json:"id"`
	OrganizationID        string             `json:"organizationId"`
	UserID                *string            `json:"userId,omitempty"`
	MemberID              *string            `json:"memberId,omitempty"`
	Amount                float64            `json:"amount"`
	Currency              string             `json:"currency"`
	DonationType          DonationType       `json:"donationType"`
	PaymentMethod         PaymentMethod      `json:"paymentMethod"`
	PaymentStatus         PaymentStatus      `json:"paymentStatus"`
	IsRecurring           bool               `json:"isRecurring"`
	RecurringSchedule     *RecurringSchedule `json:"recurringSchedule,omitempty"`
	NextPaymentDate       *time.Time         `json:"nextPaymentDate,omitempty"`
	StripePaymentIntentID *string            `json:"stripePaymentIntentId,omitempty"`
	StripeSubscriptionID  *string            `json:"stripeSubscriptionId,omitempty"`
	StripeChargeID        *string            `json:"stripeChargeId,omitempty"`
	ReceiptNumber         *string            `json:"receiptNumber,omitempty"`
	ReceiptSentAt         *time.Time         `json:"receiptSentAt,omitempty"`
	DonorName             *string            `json:"donorName,omitempty"`
	DonorEmail            *string            `json:"donorEmail,omitempty"`
	Notes                 *string            `json:"notes,omitempty"`
	IsAnonymous           bool               `json:"isAnonymous"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

// DonationStats aggregates completed giving for a reporting window.
type DonationStats struct {
	TotalAmount    float64                  `json:"totalAmount"`
	TotalCount     int                      `json:"totalCount"`
	AverageAmount  float64                  `json:"averageAmount"`
	ByType         map[DonationType]float64 `json:"byType"`
	RecurringCount int                      `json:"recurringCount"`
}
