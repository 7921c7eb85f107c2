package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCreditEntryTypeGrantable(t *testing.T) {
	for _, typ := range []CreditEntryType{EntryPurchase, EntryMonthlySubGrant, EntryAdjustment} {
		assert.True(t, typ.Grantable(), string(typ))
	}
	for _, typ := range []CreditEntryType{EntryInitialSub, EntryInitialUser, EntryConsumption, EntrySubReset, EntryUserReset, "refund", ""} {
		assert.False(t, typ.Grantable(), string(typ))
	}
}

func TestCreditAccountResetInCycle(t *testing.T) {
	month, year := 3, 2026
	account := &CreditAccount{LastSubResetMonth: &month, LastSubResetYear: &year}

	assert.True(t, account.ResetInCycle(time.Date(2026, time.March, 31, 23, 0, 0, 0, time.UTC)))
	assert.False(t, account.ResetInCycle(time.Date(2026, time.April, 1, 0, 5, 0, 0, time.UTC)))
	assert.False(t, account.ResetInCycle(time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)))

	fresh := &CreditAccount{}
	assert.False(t, fresh.ResetInCycle(time.Now()))
}

func TestCreditAccountTotal(t *testing.T) {
	account := &CreditAccount{SubCredits: 100, StoreCredits: 50}
	assert.Equal(t, int64(150), account.Total())
}
