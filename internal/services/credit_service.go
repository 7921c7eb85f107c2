package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"podmanager/internal/clock"
	"podmanager/internal/metrics"
	"podmanager/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxConsumeAttempts  = 5
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// errStaleBalance signals that a guarded update matched no row because the
// balances moved between the read and the write.
var errStaleBalance = errors.New("stale balance")

// AllowanceProvider maps a user to the monthly subscription-credit allowance
// of their plan.
type AllowanceProvider interface {
	MonthlyAllowance(ctx context.Context, userID string) (int64, error)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type CreditService struct {
	db                    *sql.DB
	logger                zerolog.Logger
	plans                 AllowanceProvider
	clock                 clock.Clock
	metrics               *metrics.Metrics
	carryOverStoreCredits bool
}

type CreditServiceOption func(*CreditService)

func WithClock(c clock.Clock) CreditServiceOption {
	return func(s *CreditService) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) CreditServiceOption {
	return func(s *CreditService) { s.metrics = m }
}

// WithStoreCarryOver controls whether store credits survive the monthly
// reset. They do by default.
func WithStoreCarryOver(carryOver bool) CreditServiceOption {
	return func(s *CreditService) { s.carryOverStoreCredits = carryOver }
}

func NewCreditService(db *sql.DB, logger zerolog.Logger, plans AllowanceProvider, opts ...CreditServiceOption) *CreditService {
	s := &CreditService{
		db:                    db,
		logger:                logger,
		plans:                 plans,
		clock:                 clock.RealClock{},
		carryOverStoreCredits: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const selectAccountQuery = `
	SELECT user_id, sub_credits, store_credits, used_credits, last_updated,
	       last_sub_reset_month, last_sub_reset_year, created_at
	FROM credit_accounts
	WHERE user_id = ?`

func (s *CreditService) fetchAccount(ctx context.Context, q rowQuerier, userID string, forUpdate bool) (*models.CreditAccount, error) {
	query := selectAccountQuery
	if forUpdate {
		query += " FOR UPDATE"
	}

	var account models.CreditAccount
	var month, year sql.NullInt32
	err := q.QueryRowContext(ctx, query, userID).Scan(
		&account.UserID, &account.SubCredits, &account.StoreCredits, &account.UsedCredits,
		&account.LastUpdated, &month, &year, &account.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if month.Valid {
		m := int(month.Int32)
		account.LastSubResetMonth = &m
	}
	if year.Valid {
		y := int(year.Int32)
		account.LastSubResetYear = &y
	}
	return &account, nil
}

func (s *CreditService) fetchSnapshot(ctx context.Context, q rowQuerier, userID string) (*models.BalanceSnapshot, error) {
	var snapshot models.BalanceSnapshot
	err := q.QueryRowContext(ctx,
		"SELECT sub_credits, store_credits FROM credit_accounts WHERE user_id = ?",
		userID,
	).Scan(&snapshot.SubCredits, &snapshot.StoreCredits)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balances: %w", err)
	}
	return &snapshot, nil
}

func (s *CreditService) appendHistory(ctx context.Context, tx *sql.Tx, entry *models.CreditHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	var subAfter, storeAfter sql.NullInt64
	if entry.BalanceAfter != nil {
		subAfter = sql.NullInt64{Int64: entry.BalanceAfter.SubCredits, Valid: true}
		storeAfter = sql.NullInt64{Int64: entry.BalanceAfter.StoreCredits, Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_history (id, user_id, type, amount, description, sub_balance_after, store_balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, string(entry.Type), entry.Amount, entry.Description,
		subAfter, storeAfter, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record credit history: %w", err)
	}
	return nil
}

func (s *CreditService) initialAllowance(ctx context.Context, userID string) int64 {
	if s.plans == nil {
		return 0
	}
	allowance, err := s.plans.MonthlyAllowance(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Plan lookup failed, creating account with zero allowance")
		return 0
	}
	return allowance
}

// createAccount inserts a fresh account seeded with the user's plan
// allowance. Losing a creation race to another request is not an error.
func (s *CreditService) createAccount(ctx context.Context, userID string) error {
	allowance := s.initialAllowance(ctx, userID)
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO credit_accounts (user_id, sub_credits, store_credits, used_credits, last_updated, created_at)
		 VALUES (?, ?, 0, 0, ?, ?)`,
		userID, allowance, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize credit account: %w", err)
	}
	created, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to initialize credit account: %w", err)
	}
	if created == 0 {
		return nil
	}

	entry := &models.CreditHistoryEntry{
		UserID:       userID,
		Timestamp:    now,
		Type:         models.EntryInitialUser,
		Amount:       0,
		Description:  "Credit account created",
		BalanceAfter: &models.BalanceSnapshot{SubCredits: allowance},
	}
	if allowance > 0 {
		entry.Type = models.EntryInitialSub
		entry.Amount = allowance
		entry.Description = fmt.Sprintf("Initial subscription allowance of %d credits", allowance)
	}
	if err := s.appendHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit account: %w", err)
	}

	s.logger.Info().Str("user_id", userID).Int64("sub_credits", allowance).Msg("Credit account initialized")
	return nil
}

// GetBalance returns the user's account, creating it on first access.
func (s *CreditService) GetBalance(ctx context.Context, userID string) (*models.CreditAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}

	account, err := s.fetchAccount(ctx, s.db, userID, false)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error fetching credit account")
		return nil, err
	}

	if err := s.createAccount(ctx, userID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error initializing credit account")
		return nil, err
	}

	account, err = s.fetchAccount(ctx, s.db, userID, false)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error fetching new credit account")
		return nil, err
	}
	return account, nil
}

// CheckCredits reports whether the user could afford feature right now
// without consuming anything.
func (s *CreditService) CheckCredits(ctx context.Context, userID, feature string) (*models.CreditCheck, error) {
	cost, ok := FeatureCost(feature)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFeature, feature)
	}

	account, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &models.CreditCheck{
		Feature:   normalizeKey(feature),
		Cost:      cost,
		Available: account.Total(),
		Allowed:   account.Total() >= cost,
	}, nil
}

// splitCost draws cost from the subscription pool first and the store pool
// for the remainder.
func splitCost(sub, store, cost int64) (subDraw, storeDraw int64, ok bool) {
	if cost < 0 || sub < 0 || store < 0 || sub+store < cost {
		return 0, 0, false
	}
	subDraw = min(sub, cost)
	return subDraw, cost - subDraw, true
}

// Consume charges the price of feature against the user's credits. Balances
// are never read-modified-written: each attempt issues one guarded UPDATE and
// retries on a fresh transaction if a concurrent writer moved the balances.
func (s *CreditService) Consume(ctx context.Context, userID, feature string) (*models.ConsumeResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}

	cost, ok := FeatureCost(feature)
	if !ok {
		s.metrics.RecordRejection("invalid_feature")
		return nil, fmt.Errorf("%w: %s", ErrInvalidFeature, feature)
	}
	feature = normalizeKey(feature)

	for attempt := 1; attempt <= maxConsumeAttempts; attempt++ {
		result, err := s.tryConsume(ctx, userID, feature, cost)
		switch {
		case err == nil:
			s.metrics.RecordConsumption(feature, cost)
			s.logger.Info().
				Str("user_id", userID).
				Str("feature", feature).
				Int64("cost", cost).
				Int64("remaining_sub", result.RemainingSub).
				Int64("remaining_store", result.RemainingStore).
				Msg("Credits consumed")
			return result, nil
		case errors.Is(err, errStaleBalance):
			s.logger.Debug().Str("user_id", userID).Int("attempt", attempt).Msg("Balance changed during consumption, retrying")
			continue
		case errors.Is(err, ErrInsufficientCredits):
			s.metrics.RecordRejection("insufficient_credits")
			s.logger.Info().Str("user_id", userID).Str("feature", feature).Int64("cost", cost).Msg("Insufficient credits")
			return nil, err
		default:
			s.logger.Error().Err(err).Str("user_id", userID).Str("feature", feature).Msg("Error consuming credits")
			return nil, err
		}
	}

	s.metrics.RecordRejection("conflict")
	s.logger.Warn().Str("user_id", userID).Str("feature", feature).Msg("Giving up consumption after repeated conflicts")
	return nil, ErrConcurrentUpdate
}

func (s *CreditService) tryConsume(ctx context.Context, userID, feature string, cost int64) (*models.ConsumeResult, error) {
	account, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	subDraw, storeDraw, ok := splitCost(account.SubCredits, account.StoreCredits, cost)
	if !ok {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, cost, account.Total())
	}

	now := s.clock.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// A split that touches store credits is only valid for the exact
	// subscription balance it was computed from.
	subGuard := "sub_credits >= ?"
	if storeDraw > 0 {
		subGuard = "sub_credits = ?"
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts
		 SET sub_credits = sub_credits - ?, store_credits = store_credits - ?,
		     used_credits = used_credits + ?, last_updated = ?
		 WHERE user_id = ? AND `+subGuard+` AND store_credits >= ?`,
		subDraw, storeDraw, cost, now, userID, subDraw, storeDraw,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if updated == 0 {
		return nil, errStaleBalance
	}

	snapshot, err := s.fetchSnapshot(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	err = s.appendHistory(ctx, tx, &models.CreditHistoryEntry{
		UserID:       userID,
		Timestamp:    now,
		Type:         models.EntryConsumption,
		Amount:       -cost,
		Description:  fmt.Sprintf("Used %s (%d from subscription, %d from store)", feature, subDraw, storeDraw),
		BalanceAfter: snapshot,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consumption: %w", err)
	}

	return &models.ConsumeResult{
		Feature:        feature,
		Cost:           cost,
		RemainingSub:   snapshot.SubCredits,
		RemainingStore: snapshot.StoreCredits,
	}, nil
}

func poolColumn(pool models.CreditPool) (string, error) {
	switch pool {
	case models.PoolSub:
		return "sub_credits", nil
	case models.PoolStore:
		return "store_credits", nil
	}
	return "", ErrInvalidPool
}

// AddCredits grants credits to one pool. Failures come back as errors, never
// panics, so webhook callers can still record the payment.
func (s *CreditService) AddCredits(ctx context.Context, req *models.AddCreditsRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return ErrInvalidUserID
	}
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	column, err := poolColumn(req.Pool)
	if err != nil {
		return err
	}

	entryType := req.Type
	if entryType == "" {
		entryType = models.EntryAdjustment
	}
	if !entryType.Grantable() {
		return fmt.Errorf("%w: %s", ErrInvalidEntryType, entryType)
	}

	if _, err := s.GetBalance(ctx, req.UserID); err != nil {
		return err
	}

	now := s.clock.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error starting add credits transaction")
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE credit_accounts SET %s = %s + ?, last_updated = ? WHERE user_id = ?", column, column),
		req.Amount, now, req.UserID,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Error adding credits")
		return fmt.Errorf("failed to add credits: %w", err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	if updated == 0 {
		return ErrAccountNotFound
	}

	snapshot, err := s.fetchSnapshot(ctx, tx, req.UserID)
	if err != nil {
		return err
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Added %d %s credits", req.Amount, req.Pool)
	}
	err = s.appendHistory(ctx, tx, &models.CreditHistoryEntry{
		UserID:       req.UserID,
		Timestamp:    now,
		Type:         entryType,
		Amount:       req.Amount,
		Description:  description,
		BalanceAfter: snapshot,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error().Err(err).Msg("Error committing add credits")
		return fmt.Errorf("failed to commit credits: %w", err)
	}

	s.metrics.RecordGrant(string(req.Pool), string(entryType), req.Amount)
	s.logger.Info().
		Str("user_id", req.UserID).
		Str("pool", string(req.Pool)).
		Str("type", string(entryType)).
		Int64("amount", req.Amount).
		Msg("Credits added")
	return nil
}

// PerformMonthlyReset replaces the subscription pool with allowance once per
// calendar month (UTC). It reports applied=false when the current cycle was
// already reset.
func (s *CreditService) PerformMonthlyReset(ctx context.Context, userID string, allowance int64) (bool, error) {
	return s.resetSubscriptionPool(ctx, userID, allowance, false)
}

// ResetUser is the administrative variant of the monthly reset: it ignores
// the cycle guard and records a user_reset entry.
func (s *CreditService) ResetUser(ctx context.Context, userID string, allowance int64) error {
	_, err := s.resetSubscriptionPool(ctx, userID, allowance, true)
	return err
}

func (s *CreditService) resetSubscriptionPool(ctx context.Context, userID string, allowance int64, force bool) (bool, error) {
	if allowance < 0 {
		return false, ErrInvalidAmount
	}
	if _, err := s.GetBalance(ctx, userID); err != nil {
		return false, err
	}

	now := s.clock.Now()
	month, year := int(now.Month()), now.Year()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := s.fetchAccount(ctx, tx, userID, true)
	if err != nil {
		return false, err
	}
	if !force && account.ResetInCycle(now) {
		s.logger.Debug().Str("user_id", userID).Int("month", month).Int("year", year).Msg("Subscription credits already reset this cycle")
		return false, nil
	}

	newStore := account.StoreCredits
	if !s.carryOverStoreCredits {
		newStore = 0
	}

	query := `UPDATE credit_accounts
		 SET sub_credits = ?, store_credits = ?, last_sub_reset_month = ?, last_sub_reset_year = ?, last_updated = ?
		 WHERE user_id = ?`
	args := []any{allowance, newStore, month, year, now, userID}
	if !force {
		query += ` AND (last_sub_reset_year IS NULL OR last_sub_reset_month IS NULL
		      OR last_sub_reset_year <> ? OR last_sub_reset_month <> ?)`
		args = append(args, year, month)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to reset subscription credits: %w", err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reset subscription credits: %w", err)
	}
	if updated == 0 {
		return false, nil
	}

	entryType := models.EntrySubReset
	description := fmt.Sprintf("Monthly subscription reset to %d credits (was %d)", allowance, account.SubCredits)
	if force {
		entryType = models.EntryUserReset
		description = fmt.Sprintf("Subscription credits reset to %d by administrator (was %d)", allowance, account.SubCredits)
	}
	if newStore != account.StoreCredits {
		description += fmt.Sprintf("; %d store credits expired", account.StoreCredits)
	}

	err = s.appendHistory(ctx, tx, &models.CreditHistoryEntry{
		UserID:       userID,
		Timestamp:    now,
		Type:         entryType,
		Amount:       allowance - account.SubCredits,
		Description:  description,
		BalanceAfter: &models.BalanceSnapshot{SubCredits: allowance, StoreCredits: newStore},
	})
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit reset: %w", err)
	}

	s.logger.Info().
		Str("user_id", userID).
		Int64("allowance", allowance).
		Int64("previous_sub", account.SubCredits).
		Int64("store_credits", newStore).
		Str("type", string(entryType)).
		Msg("Subscription credits reset")
	return true, nil
}

// GetHistory returns the user's ledger, newest first.
func (s *CreditService) GetHistory(ctx context.Context, userID string, limit, offset int) ([]*models.CreditHistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, amount, description, sub_balance_after, store_balance_after, created_at
		 FROM credit_history
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error fetching credit history")
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	history := []*models.CreditHistoryEntry{}
	for rows.Next() {
		var entry models.CreditHistoryEntry
		var entryType string
		var subAfter, storeAfter sql.NullInt64

		err := rows.Scan(
			&entry.ID, &entry.UserID, &entryType, &entry.Amount, &entry.Description,
			&subAfter, &storeAfter, &entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning credit history: %w", err)
		}
		entry.Type = models.CreditEntryType(entryType)
		if subAfter.Valid && storeAfter.Valid {
			entry.BalanceAfter = &models.BalanceSnapshot{SubCredits: subAfter.Int64, StoreCredits: storeAfter.Int64}
		}
		history = append(history, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading credit history: %w", err)
	}

	return history, nil
}

// DeleteAccount removes the user's account; history rows cascade.
func (s *CreditService) DeleteAccount(ctx context.Context, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM credit_accounts WHERE user_id = ?", userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error deleting credit account")
		return false, fmt.Errorf("failed to delete credit account: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete credit account: %w", err)
	}

	if deleted > 0 {
		s.logger.Info().Str("user_id", userID).Msg("Credit account deleted")
	}
	return deleted > 0, nil
}

// ListAccountUserIDs pages through every account in user id order, starting
// after the given id.
func (s *CreditService) ListAccountUserIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM credit_accounts WHERE user_id > ? ORDER BY user_id LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning credit account: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading credit accounts: %w", err)
	}
	return ids, nil
}
