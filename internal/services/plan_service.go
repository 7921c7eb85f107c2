package services

import (
	"context"
	"database/sql"
	"fmt"

	"podmanager/internal/models"

	"github.com/rs/zerolog"
)

// PlanService resolves a user's subscription plan from the subscriptions
// table, which is owned by the account service.
type PlanService struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPlanService(db *sql.DB, logger zerolog.Logger) *PlanService {
	return &PlanService{
		db:     db,
		logger: logger,
	}
}

func (s *PlanService) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	var status string

	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, plan, status FROM subscriptions WHERE user_id = ?",
		userID,
	).Scan(&sub.UserID, &sub.Plan, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error fetching subscription")
		return nil, fmt.Errorf("database error: %w", err)
	}

	sub.Status = models.SubscriptionStatus(status)
	return &sub, nil
}

// PlanFor returns the plan whose allowance applies to the user. Users without
// an active subscription are on the free plan.
func (s *PlanService) PlanFor(ctx context.Context, userID string) (string, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub == nil || !sub.Active() {
		return DefaultPlan, nil
	}
	if _, ok := PlanAllowance(sub.Plan); !ok {
		s.logger.Warn().Str("user_id", userID).Str("plan", sub.Plan).Msg("Unknown plan, falling back to free allowance")
		return DefaultPlan, nil
	}
	return normalizeKey(sub.Plan), nil
}

func (s *PlanService) MonthlyAllowance(ctx context.Context, userID string) (int64, error) {
	plan, err := s.PlanFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	allowance, _ := PlanAllowance(plan)
	return allowance, nil
}
