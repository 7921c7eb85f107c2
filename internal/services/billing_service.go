package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"podmanager/internal/clock"
	"podmanager/internal/metrics"
	"podmanager/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pendingClaimTimeout is how long a Pending purchase may belong to an
// in-flight delivery before a redelivery flags it for reconciliation.
const pendingClaimTimeout = 2 * time.Minute

// CreditAdder is the slice of CreditService the billing flow needs.
type CreditAdder interface {
	AddCredits(ctx context.Context, req *models.AddCreditsRequest) error
}

type BillingService struct {
	db               *sql.DB
	logger           zerolog.Logger
	credits          CreditAdder
	creditsPerDollar int64
	metrics          *metrics.Metrics
	clock            clock.Clock
}

func NewBillingService(db *sql.DB, logger zerolog.Logger, credits CreditAdder, creditsPerDollar int64, m *metrics.Metrics) *BillingService {
	return &BillingService{
		db:               db,
		logger:           logger,
		credits:          credits,
		creditsPerDollar: creditsPerDollar,
		metrics:          m,
		clock:            clock.RealClock{},
	}
}

// CreditsForPayment decides how many store credits a payment buys: a known
// credit package wins, then an explicit credits value, then the amount paid
// converted at the configured rate.
func (s *BillingService) CreditsForPayment(event *models.PaymentEvent) int64 {
	if credits, ok := PackageCredits(event.Plan); ok {
		return credits
	}
	if event.Credits > 0 {
		return event.Credits
	}
	if event.AmountCents > 0 && s.creditsPerDollar > 0 {
		return event.AmountCents * s.creditsPerDollar / 100
	}
	return 0
}

// HandlePayment records a paid purchase and grants its store credits. The
// purchase row is claimed first so a redelivered event returns
// ErrDuplicateEvent without granting twice. A failed grant still leaves the
// purchase on record with a failure status.
func (s *BillingService) HandlePayment(ctx context.Context, event *models.PaymentEvent) (*models.Purchase, error) {
	if event == nil || event.EventID == "" {
		return nil, ErrInvalidPayload
	}
	if event.UserID == "" {
		return nil, ErrMissingUser
	}

	purchase := &models.Purchase{
		ID:              uuid.NewString(),
		UserID:          event.UserID,
		ProviderEventID: event.EventID,
		Plan:            event.Plan,
		AmountCents:     event.AmountCents,
		Currency:        event.Currency,
		Credits:         s.CreditsForPayment(event),
		Status:          models.PurchaseStatusPending,
		CreatedAt:       s.clock.Now(),
	}
	if !event.OccurredAt.IsZero() {
		paidAt := event.OccurredAt.UTC()
		purchase.PaidAt = &paidAt
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO purchases (id, user_id, provider_event_id, plan, amount_cents, currency, credits, status, paid_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		purchase.ID, purchase.UserID, purchase.ProviderEventID, purchase.Plan, purchase.AmountCents,
		purchase.Currency, purchase.Credits, string(purchase.Status), purchase.PaidAt, purchase.CreatedAt,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.EventID).Msg("Error recording purchase")
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}
	if claimed == 0 {
		return nil, s.resolveDuplicate(ctx, event.EventID)
	}

	purchase.Status = models.PurchaseStatusPaid
	grantErr := s.grantCredits(ctx, purchase)
	if grantErr != nil {
		purchase.Status = models.PurchaseStatusCreditUpdateFailed
		s.logger.Error().
			Err(grantErr).
			Str("event_id", event.EventID).
			Str("user_id", event.UserID).
			Int64("credits", purchase.Credits).
			Msg("Payment received but credits were not granted")
	}

	// The grant already happened or definitively failed; the outcome must
	// be recorded even if the caller has gone away.
	_, err = s.db.ExecContext(context.WithoutCancel(ctx),
		"UPDATE purchases SET status = ? WHERE id = ?",
		string(purchase.Status), purchase.ID,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("purchase_id", purchase.ID).Msg("Error updating purchase status")
		return nil, fmt.Errorf("failed to update purchase status: %w", err)
	}

	if grantErr != nil {
		s.metrics.RecordWebhook("credit_failed")
	} else {
		s.metrics.RecordWebhook("processed")
	}

	s.logger.Info().
		Str("purchase_id", purchase.ID).
		Str("event_id", event.EventID).
		Str("user_id", event.UserID).
		Int64("credits", purchase.Credits).
		Str("status", string(purchase.Status)).
		Msg("Purchase recorded")

	return purchase, nil
}

// resolveDuplicate decides what a redelivered event means. A finished
// purchase is acknowledged. A Pending row older than pendingClaimTimeout was
// abandoned mid-grant and is flagged for manual reconciliation instead of
// being granted again. A fresh Pending row is still being processed, so the
// provider is asked to retry.
func (s *BillingService) resolveDuplicate(ctx context.Context, eventID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = ?
		 WHERE provider_event_id = ? AND status = ? AND created_at < ?`,
		string(models.PurchaseStatusCreditUpdateFailed), eventID,
		string(models.PurchaseStatusPending), s.clock.Now().Add(-pendingClaimTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to reconcile purchase: %w", err)
	}
	flagged, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reconcile purchase: %w", err)
	}
	if flagged > 0 {
		s.metrics.RecordWebhook("credit_failed")
		s.logger.Error().Str("event_id", eventID).Msg("Abandoned pending purchase flagged for reconciliation")
		return ErrDuplicateEvent
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		"SELECT status FROM purchases WHERE provider_event_id = ?", eventID,
	).Scan(&status)
	if err != nil {
		return fmt.Errorf("failed to read purchase status: %w", err)
	}
	if models.PurchaseStatus(status) == models.PurchaseStatusPending {
		s.logger.Warn().Str("event_id", eventID).Msg("Payment event is still being processed")
		return ErrPaymentInProgress
	}

	s.metrics.RecordWebhook("duplicate")
	s.logger.Info().Str("event_id", eventID).Str("status", status).Msg("Payment event already processed")
	return ErrDuplicateEvent
}

func (s *BillingService) grantCredits(ctx context.Context, purchase *models.Purchase) error {
	if purchase.Credits <= 0 {
		return errors.New("payment does not map to any credits")
	}

	description := fmt.Sprintf("Purchased %d store credits", purchase.Credits)
	if purchase.Plan != "" {
		description = fmt.Sprintf("Purchased %s (%d store credits)", purchase.Plan, purchase.Credits)
	}

	return s.credits.AddCredits(ctx, &models.AddCreditsRequest{
		UserID:      purchase.UserID,
		Amount:      purchase.Credits,
		Pool:        models.PoolStore,
		Type:        models.EntryPurchase,
		Description: description,
	})
}

// GetPurchases lists a user's purchases, newest first.
func (s *BillingService) GetPurchases(ctx context.Context, userID string) ([]*models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider_event_id, plan, amount_cents, currency, credits, status, paid_at, created_at
		 FROM purchases
		 WHERE user_id = ?
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error fetching purchases")
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	purchases := []*models.Purchase{}
	for rows.Next() {
		var p models.Purchase
		var status string
		var paidAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.UserID, &p.ProviderEventID, &p.Plan, &p.AmountCents,
			&p.Currency, &p.Credits, &status, &paidAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning purchase: %w", err)
		}
		p.Status = models.PurchaseStatus(status)
		if paidAt.Valid {
			p.PaidAt = &paidAt.Time
		}
		purchases = append(purchases, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading purchases: %w", err)
	}
	return purchases, nil
}
