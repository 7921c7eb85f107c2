package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"podmanager/internal/handlers"
	"podmanager/internal/metrics"
	"podmanager/internal/models"
	"podmanager/internal/scheduler"
	"podmanager/internal/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) PingContext(ctx context.Context) error { return p.err }

type ledgerStub struct{ handlers.CreditLedger }

func (ledgerStub) GetBalance(ctx context.Context, userID string) (*models.CreditAccount, error) {
	return &models.CreditAccount{UserID: userID, SubCredits: 3000}, nil
}

type allowanceStub struct{}

func (allowanceStub) MonthlyAllowance(ctx context.Context, userID string) (int64, error) {
	return 3000, nil
}

type resetStub struct{}

func (resetStub) RunNow(ctx context.Context) (*scheduler.ResetReport, error) {
	return &scheduler.ResetReport{}, nil
}

type paymentsStub struct{ handlers.PaymentProcessor }

func newTestRouter(t *testing.T, db Pinger) (http.Handler, *services.AuthService) {
	t.Helper()
	logger := zerolog.Nop()
	auth := services.NewAuthService("router-secret", logger)
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	r := SetupRouter(Options{
		Credits:        handlers.NewCreditHandler(ledgerStub{}, allowanceStub{}, resetStub{}, logger),
		Billing:        handlers.NewBillingHandler(services.NewStripeWebhook("whsec", nil), paymentsStub{}, m, logger),
		Auth:           auth,
		Gatherer:       registry,
		DB:             db,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		Logger:         logger,
	})
	return r, auth
}

func TestRouterHealth(t *testing.T) {
	r, _ := newTestRouter(t, pinger{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	r, _ = newTestRouter(t, pinger{err: errors.New("gone")})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterMetrics(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterAuthentication(t *testing.T) {
	r, auth := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credits/balance", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.GenerateToken("user-1", "user", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":3000`)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/jobs/monthly-reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken, err := auth.GenerateToken("admin-1", "admin", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/jobs/monthly-reset", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterWebhookSkipsAuthentication(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_signature")
}
