// Package domain contains the subscription model and its expiry arithmetic.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is derived from the stored timestamps, never persisted.
type Status string

const (
	StatusActive      Status = "active"
	StatusNonRenewing Status = "non_renewing"
	StatusExpired     Status = "expired"
)

// BillingCycle is the period a single successful payment buys.
type BillingCycle string

const (
	CycleWeek  BillingCycle = "week"
	CycleMonth BillingCycle = "month"
	CycleYear  BillingCycle = "year"
)

// ParseBillingCycle maps request values such as "monthly" or "annual" onto
// a cycle, defaulting to a month.
func ParseBillingCycle(value string) BillingCycle {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "week", "weekly":
		return CycleWeek
	case "year", "yearly", "annual", "annually":
		return CycleYear
	default:
		return CycleMonth
	}
}

// Advance returns the instant one cycle after from.
func (c BillingCycle) Advance(from time.Time) time.Time {
	switch c {
	case CycleWeek:
		return from.AddDate(0, 0, 7)
	case CycleYear:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// Subscription is unique per (user, tier).
type Subscription struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID            string       `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_subscriptions_user_tier,priority:1"`
	Tier              string       `json:"tier" gorm:"type:varchar(64);not null;uniqueIndex:ux_subscriptions_user_tier,priority:2"`
	BillingCycle      BillingCycle `json:"billing_cycle" gorm:"type:varchar(16);not null"`
	ExpiresAt         time.Time    `json:"expires_at" gorm:"not null"`
	LastPaymentID     string       `json:"last_payment_id" gorm:"type:varchar(255)"`
	LastPaymentAt     *time.Time   `json:"last_payment_at"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CancelledAt       *time.Time   `json:"cancelled_at"`
	CreatedAt         time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time    `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// StatusAt derives the lifecycle state at now. Cancellation never shortens
// the paid period.
func (s Subscription) StatusAt(now time.Time) Status {
	if !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	if s.CancelAtPeriodEnd {
		return StatusNonRenewing
	}
	return StatusActive
}

// Extension describes one paid period to add.
type Extension struct {
	UserID     string
	Tier       string
	Cycle      BillingCycle
	PaymentID  string
	OccurredAt time.Time
}

// Cancellation marks a subscription as not renewing.
type Cancellation struct {
	UserID     string
	Tier       string
	OccurredAt time.Time
}
