package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"podmanager/internal/clock"
	"podmanager/internal/metrics"
	"podmanager/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCreditAdder struct {
	addCreditsFunc func(ctx context.Context, req *models.AddCreditsRequest) error
	calls          []*models.AddCreditsRequest
}

func (m *mockCreditAdder) AddCredits(ctx context.Context, req *models.AddCreditsRequest) error {
	m.calls = append(m.calls, req)
	if m.addCreditsFunc != nil {
		return m.addCreditsFunc(ctx, req)
	}
	return nil
}

func TestBillingServiceCreditsForPayment(t *testing.T) {
	service := NewBillingService(nil, zerolog.Nop(), nil, 100, nil)

	tests := []struct {
		name  string
		event models.PaymentEvent
		want  int64
	}{
		{name: "known package", event: models.PaymentEvent{Plan: "starter_pack", Credits: 99, AmountCents: 100}, want: 5000},
		{name: "package lookup ignores case", event: models.PaymentEvent{Plan: "Studio_Pack"}, want: 30000},
		{name: "explicit credits", event: models.PaymentEvent{Plan: "mystery", Credits: 1234}, want: 1234},
		{name: "amount fallback", event: models.PaymentEvent{AmountCents: 1999}, want: 1999},
		{name: "nothing to go on", event: models.PaymentEvent{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, service.CreditsForPayment(&tt.event))
		})
	}

	noFallback := NewBillingService(nil, zerolog.Nop(), nil, 0, nil)
	assert.Equal(t, int64(0), noFallback.CreditsForPayment(&models.PaymentEvent{AmountCents: 5000}))
}

func TestBillingServiceHandlePayment(t *testing.T) {
	ctx := context.Background()
	event := &models.PaymentEvent{
		EventID:     "evt_1",
		UserID:      "user-1",
		Plan:        "starter_pack",
		AmountCents: 900,
		Currency:    "USD",
		OccurredAt:  time.Date(2026, time.April, 3, 12, 0, 0, 0, time.UTC),
	}

	t.Run("grants store credits and records a paid purchase", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		registry := prometheus.NewRegistry()
		m := metrics.NewMetrics(registry)
		adder := &mockCreditAdder{}
		service := NewBillingService(db, zerolog.Nop(), adder, 100, m)

		mock.ExpectExec("INSERT IGNORE INTO purchases").
			WithArgs(sqlmock.AnyArg(), "user-1", "evt_1", "starter_pack", int64(900), "USD", int64(5000), "Pending",
				time.Date(2026, time.April, 3, 12, 0, 0, 0, time.UTC), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE purchases SET status = \\?").
			WithArgs("Paid", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		purchase, err := service.HandlePayment(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, models.PurchaseStatusPaid, purchase.Status)
		assert.Equal(t, int64(5000), purchase.Credits)
		require.NotNil(t, purchase.PaidAt)

		require.Len(t, adder.calls, 1)
		assert.Equal(t, models.PoolStore, adder.calls[0].Pool)
		assert.Equal(t, models.EntryPurchase, adder.calls[0].Type)
		assert.Equal(t, int64(5000), adder.calls[0].Amount)
		assert.Equal(t, "user-1", adder.calls[0].UserID)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookEvents.WithLabelValues("processed")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed grant still records the purchase", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		adder := &mockCreditAdder{
			addCreditsFunc: func(ctx context.Context, req *models.AddCreditsRequest) error {
				return errors.New("database unavailable")
			},
		}
		service := NewBillingService(db, zerolog.Nop(), adder, 100, nil)

		mock.ExpectExec("INSERT IGNORE INTO purchases").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE purchases SET status = \\?").
			WithArgs("Paid - Credit Update Failed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		purchase, err := service.HandlePayment(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, models.PurchaseStatusCreditUpdateFailed, purchase.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payment with no credit mapping is flagged", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		adder := &mockCreditAdder{}
		service := NewBillingService(db, zerolog.Nop(), adder, 0, nil)

		mock.ExpectExec("INSERT IGNORE INTO purchases").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE purchases SET status = \\?").
			WithArgs("Paid - Credit Update Failed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		purchase, err := service.HandlePayment(ctx, &models.PaymentEvent{EventID: "evt_9", UserID: "user-1", AmountCents: 500})
		require.NoError(t, err)
		assert.Equal(t, models.PurchaseStatusCreditUpdateFailed, purchase.Status)
		assert.Empty(t, adder.calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("status is recorded after the request is cancelled", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		reqCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		adder := &mockCreditAdder{
			addCreditsFunc: func(ctx context.Context, req *models.AddCreditsRequest) error {
				cancel()
				return ctx.Err()
			},
		}
		service := NewBillingService(db, zerolog.Nop(), adder, 100, nil)

		mock.ExpectExec("INSERT IGNORE INTO purchases").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE purchases SET status = \\? WHERE id = \\?").
			WithArgs("Paid - Credit Update Failed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		purchase, err := service.HandlePayment(reqCtx, event)
		require.NoError(t, err)
		assert.Equal(t, models.PurchaseStatusCreditUpdateFailed, purchase.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivered event is a no-op", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		registry := prometheus.NewRegistry()
		m := metrics.NewMetrics(registry)
		adder := &mockCreditAdder{}
		service := NewBillingService(db, zerolog.Nop(), adder, 100, m)

		mock.ExpectExec("INSERT IGNORE INTO purchases").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE purchases SET status = \\? WHERE provider_event_id = \\?").
			WithArgs("Paid - Credit Update Failed", "evt_1", "Pending", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM purchases WHERE provider_event_id = \\?").
			WithArgs("evt_1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("Paid"))

		purchase, err := service.HandlePayment(ctx, event)
		assert.Nil(t, purchase)
		assert.ErrorIs(t, err, ErrDuplicateEvent)
		assert.Empty(t, adder.calls)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookEvents.WithLabelValues("duplicate")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("abandoned pending purchase is flagged on redelivery", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		registry := prometheus.NewRegistry()
		m := metrics.NewMetrics(registry)
		adder := &mockCreditAdder{}
		service := NewBillingService(db, zerolog.Nop(), adder, 100, m)
		now := time.Date(2026, time.April, 3, 12, 30, 0, 0, time.UTC)
		service.clock = clock.NewFakeClock(now)

		mock.ExpectExec("INSERT IGNORE INTO purchases").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE purchases SET status = \\? WHERE provider_event_id = \\?").
			WithArgs("Paid - Credit Update Failed", "evt_1", "Pending", now.Add(-pendingClaimTimeout)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err = service.HandlePayment(ctx, event)
		assert.ErrorIs(t, err, ErrDuplicateEvent)
		assert.Empty(t, adder.calls)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookEvents.WithLabelValues("credit_failed")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery during processing asks for a retry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		adder := &mockCreditAdder{}
		service := NewBillingService(db, zerolog.Nop(), adder, 100, nil)

		mock.ExpectExec("INSERT IGNORE INTO purchases").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE purchases SET status = \\? WHERE provider_event_id = \\?").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM purchases WHERE provider_event_id = \\?").
			WithArgs("evt_1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("Pending"))

		_, err = service.HandlePayment(ctx, event)
		assert.ErrorIs(t, err, ErrPaymentInProgress)
		assert.Empty(t, adder.calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing user", func(t *testing.T) {
		service := NewBillingService(nil, zerolog.Nop(), &mockCreditAdder{}, 100, nil)
		_, err := service.HandlePayment(ctx, &models.PaymentEvent{EventID: "evt_2"})
		assert.ErrorIs(t, err, ErrMissingUser)
	})
}

func TestBillingServiceGetPurchases(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewBillingService(db, zerolog.Nop(), &mockCreditAdder{}, 100, nil)
	now := time.Date(2026, time.April, 3, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, user_id, provider_event_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "provider_event_id", "plan", "amount_cents", "currency", "credits", "status", "paid_at", "created_at",
		}).AddRow("p-1", "user-1", "evt_1", "starter_pack", 900, "USD", 5000, "Paid", now, now))

	purchases, err := service.GetPurchases(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, models.PurchaseStatusPaid, purchases[0].Status)
	assert.Equal(t, int64(5000), purchases[0].Credits)
	require.NotNil(t, purchases[0].PaidAt)
	assert.Equal(t, now, *purchases[0].PaidAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
