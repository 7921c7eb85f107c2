package models

import "time"

type CreditPool string

const (
	PoolSub   CreditPool = "sub"
	PoolStore CreditPool = "store"
)

type CreditEntryType string

const (
	EntryInitialSub      CreditEntryType = "initial_sub"
	EntryInitialUser     CreditEntryType = "initial_user"
	EntryPurchase        CreditEntryType = "purchase"
	EntryMonthlySubGrant CreditEntryType = "monthly_sub_grant"
	EntryConsumption     CreditEntryType = "consumption"
	EntrySubReset        CreditEntryType = "sub_reset"
	EntryUserReset       CreditEntryType = "user_reset"
	EntryAdjustment      CreditEntryType = "adjustment"
)

// Grantable reports whether an entry of this type may be recorded by a
// credit grant.
func (t CreditEntryType) Grantable() bool {
	switch t {
	case EntryPurchase, EntryMonthlySubGrant, EntryAdjustment:
		return true
	}
	return false
}

type CreditAccount struct {
	UserID            string    `json:"user_id"`
	SubCredits        int64     `json:"sub_credits"`
	StoreCredits      int64     `json:"store_credits"`
	UsedCredits       int64     `json:"used_credits"`
	LastUpdated       time.Time `json:"last_updated"`
	LastSubResetMonth *int      `json:"last_sub_reset_month,omitempty"`
	LastSubResetYear  *int      `json:"last_sub_reset_year,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (a *CreditAccount) Total() int64 {
	return a.SubCredits + a.StoreCredits
}

// ResetInCycle reports whether the subscription pool was already reset for
// the month containing t (UTC).
func (a *CreditAccount) ResetInCycle(t time.Time) bool {
	if a.LastSubResetMonth == nil || a.LastSubResetYear == nil {
		return false
	}
	t = t.UTC()
	return *a.LastSubResetYear == t.Year() && *a.LastSubResetMonth == int(t.Month())
}

type BalanceSnapshot struct {
	SubCredits   int64 `json:"sub_credits"`
	StoreCredits int64 `json:"store_credits"`
}

type CreditHistoryEntry struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Type         CreditEntryType  `json:"type"`
	Amount       int64            `json:"amount"`
	Description  string           `json:"description"`
	BalanceAfter *BalanceSnapshot `json:"balance_after,omitempty"`
}

type ConsumeRequest struct {
	Feature string `json:"feature"`
}

type ConsumeResult struct {
	Feature        string `json:"feature"`
	Cost           int64  `json:"cost"`
	RemainingSub   int64  `json:"remaining_sub"`
	RemainingStore int64  `json:"remaining_store"`
}

type CreditCheck struct {
	Feature   string `json:"feature"`
	Cost      int64  `json:"cost"`
	Available int64  `json:"available"`
	Allowed   bool   `json:"allowed"`
}

type AddCreditsRequest struct {
	UserID      string          `json:"-"`
	Amount      int64           `json:"amount"`
	Pool        CreditPool      `json:"pool"`
	Type        CreditEntryType `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
}

type ResetRequest struct {
	Allowance *int64 `json:"allowance,omitempty"`
}
