package models

import "time"

type PurchaseStatus string

const (
	PurchaseStatusPending            PurchaseStatus = "Pending"
	PurchaseStatusPaid               PurchaseStatus = "Paid"
	PurchaseStatusCreditUpdateFailed PurchaseStatus = "Paid - Credit Update Failed"
)

type Purchase struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	ProviderEventID string         `json:"provider_event_id"`
	Plan            string         `json:"plan,omitempty"`
	AmountCents     int64          `json:"amount_cents"`
	Currency        string         `json:"currency"`
	Credits         int64          `json:"credits"`
	Status          PurchaseStatus `json:"status"`
	PaidAt          *time.Time     `json:"paid_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// PaymentEvent is the provider-neutral view of a successful payment.
type PaymentEvent struct {
	EventID     string
	UserID      string
	Plan        string
	Credits     int64
	AmountCents int64
	Currency    string
	OccurredAt  time.Time
}
