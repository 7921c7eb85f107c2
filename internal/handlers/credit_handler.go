package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"podmanager/internal/middleware"
	"podmanager/internal/models"
	"podmanager/internal/scheduler"
	"podmanager/internal/services"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type CreditLedger interface {
	GetBalance(ctx context.Context, userID string) (*models.CreditAccount, error)
	Consume(ctx context.Context, userID, feature string) (*models.ConsumeResult, error)
	CheckCredits(ctx context.Context, userID, feature string) (*models.CreditCheck, error)
	AddCredits(ctx context.Context, req *models.AddCreditsRequest) error
	ResetUser(ctx context.Context, userID string, allowance int64) error
	GetHistory(ctx context.Context, userID string, limit, offset int) ([]*models.CreditHistoryEntry, error)
	DeleteAccount(ctx context.Context, userID string) (bool, error)
}

type AllowanceProvider interface {
	MonthlyAllowance(ctx context.Context, userID string) (int64, error)
}

type ResetJob interface {
	RunNow(ctx context.Context) (*scheduler.ResetReport, error)
}

type CreditHandler struct {
	credits CreditLedger
	plans   AllowanceProvider
	resets  ResetJob
	logger  zerolog.Logger
}

func NewCreditHandler(credits CreditLedger, plans AllowanceProvider, resets ResetJob, logger zerolog.Logger) *CreditHandler {
	return &CreditHandler{
		credits: credits,
		plans:   plans,
		resets:  resets,
		logger:  logger,
	}
}

type BalanceResponse struct {
	*models.CreditAccount
	Total int64 `json:"total"`
}

// targetUser is the caller, or for admins the user_id query parameter when
// present.
func (h *CreditHandler) targetUser(r *http.Request) (string, bool) {
	currentUserID, ok := middleware.GetUserID(r)
	if !ok {
		return "", false
	}

	userRole, _ := middleware.GetUserRole(r)
	if userRole == string(models.RoleAdmin) {
		if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" {
			return userID, true
		}
	}
	return currentUserID, true
}

func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.targetUser(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "unauthorized", "User not authenticated")
		return
	}

	account, err := h.credits.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch balance")
		h.respondWithError(w, http.StatusInternalServerError, "fetch_failed", "Failed to fetch balance")
		return
	}

	h.respondWithJSON(w, http.StatusOK, BalanceResponse{CreditAccount: account, Total: account.Total()})
}

func (h *CreditHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.targetUser(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "unauthorized", "User not authenticated")
		return
	}

	limit, offset := 50, 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	history, err := h.credits.GetHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch credit history")
		h.respondWithError(w, http.StatusInternalServerError, "fetch_failed", "Failed to fetch credit history")
		return
	}

	h.respondWithJSON(w, http.StatusOK, history)
}

func (h *CreditHandler) CheckCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "unauthorized", "User not authenticated")
		return
	}

	check, err := h.credits.CheckCredits(r.Context(), userID, mux.Vars(r)["feature"])
	if err != nil {
		h.respondWithServiceError(w, err, userID)
		return
	}

	h.respondWithJSON(w, http.StatusOK, check)
}

func (h *CreditHandler) Consume(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "unauthorized", "User not authenticated")
		return
	}

	var req models.ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	result, err := h.credits.Consume(r.Context(), userID, req.Feature)
	if err != nil {
		h.respondWithServiceError(w, err, userID)
		return
	}

	h.respondWithJSON(w, http.StatusOK, result)
}

func (h *CreditHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, services.PriceList())
}

func (h *CreditHandler) AddCredits(w http.ResponseWriter, r *http.Request) {
	var req models.AddCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	req.UserID = mux.Vars(r)["userId"]

	if err := h.credits.AddCredits(r.Context(), &req); err != nil {
		h.respondWithServiceError(w, err, req.UserID)
		return
	}

	h.respondWithBalance(w, r, req.UserID, http.StatusCreated)
}

func (h *CreditHandler) ResetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	var req models.ResetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	var allowance int64
	if req.Allowance != nil {
		allowance = *req.Allowance
	} else {
		var err error
		allowance, err = h.plans.MonthlyAllowance(r.Context(), userID)
		if err != nil {
			h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to look up plan allowance")
			h.respondWithError(w, http.StatusInternalServerError, "plan_lookup_failed", "Failed to look up plan allowance")
			return
		}
	}

	if err := h.credits.ResetUser(r.Context(), userID, allowance); err != nil {
		h.respondWithServiceError(w, err, userID)
		return
	}

	h.respondWithBalance(w, r, userID, http.StatusOK)
}

func (h *CreditHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	deleted, err := h.credits.DeleteAccount(r.Context(), userID)
	if err != nil {
		h.respondWithServiceError(w, err, userID)
		return
	}
	if !deleted {
		h.respondWithError(w, http.StatusNotFound, "not_found", "Credit account not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *CreditHandler) RunMonthlyReset(w http.ResponseWriter, r *http.Request) {
	report, err := h.resets.RunNow(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Manual monthly reset failed")
		h.respondWithError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}

	h.respondWithJSON(w, http.StatusOK, report)
}

func (h *CreditHandler) respondWithBalance(w http.ResponseWriter, r *http.Request, userID string, code int) {
	account, err := h.credits.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch balance")
		h.respondWithError(w, http.StatusInternalServerError, "fetch_failed", "Failed to fetch balance")
		return
	}
	h.respondWithJSON(w, code, BalanceResponse{CreditAccount: account, Total: account.Total()})
}

func (h *CreditHandler) respondWithServiceError(w http.ResponseWriter, err error, userID string) {
	switch {
	case errors.Is(err, services.ErrInsufficientCredits):
		h.respondWithJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":    "insufficient_credits",
			"message":  "Not enough credits for this feature",
			"redirect": "/store",
		})
	case errors.Is(err, services.ErrInvalidFeature):
		h.respondWithError(w, http.StatusBadRequest, "invalid_feature", err.Error())
	case errors.Is(err, services.ErrConcurrentUpdate):
		h.respondWithError(w, http.StatusConflict, "concurrent_update", err.Error())
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidPool),
		errors.Is(err, services.ErrInvalidEntryType),
		errors.Is(err, services.ErrInvalidUserID):
		h.respondWithError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Credit operation failed")
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Credit operation failed")
	}
}

func (h *CreditHandler) respondWithError(w http.ResponseWriter, code int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

func (h *CreditHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
