package wallet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/osirix/backend/internal/ledger"
	"github.com/osirix/backend/internal/middleware"
	"github.com/osirix/backend/internal/models"
	"github.com/osirix/backend/internal/store"
)

// Handler serves /v1/wallet, /v1/withdrawals, /v1/products and /v1/deals.
type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// GetWallet handles GET /v1/wallet.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	wallet, err := h.svc.Get(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListTransactions handles GET /v1/wallet/transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.svc.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(w, "list transactions", err)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

type withdrawalRequestBody struct {
	Amount         int64           `json:"amount"`
	Method         string          `json:"method"`
	PaymentDetails json.RawMessage `json:"payment_details"`
}

// RequestWithdrawal handles POST /v1/withdrawals.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	var body withdrawalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if body.Method == "" {
		http.Error(w, `{"error":"method is required"}`, http.StatusBadRequest)
		return
	}
	req, err := h.svc.RequestWithdrawal(r.Context(), userID, body.Amount, body.Method, body.PaymentDetails)
	if err != nil {
		h.writeServiceError(w, "request withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListWithdrawals handles GET /v1/withdrawals.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	list, err := h.svc.ListWithdrawals(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "list withdrawals", err)
		return
	}
	if list == nil {
		list = []*models.WithdrawalRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ApproveWithdrawal handles POST /v1/admin/withdrawals/{id}/approve.
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid request id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.ApproveWithdrawal(r.Context(), id); err != nil {
		h.writeServiceError(w, "approve withdrawal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rejectBody struct {
	Reason string `json:"reason"`
}

// RejectWithdrawal handles POST /v1/admin/withdrawals/{id}/reject.
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid request id"}`, http.StatusBadRequest)
		return
	}
	var body rejectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.RejectWithdrawal(r.Context(), id, body.Reason); err != nil {
		h.writeServiceError(w, "reject withdrawal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createProductBody struct {
	Title        string `json:"title"`
	PriceCredits int64  `json:"price_credits"`
}

// CreateProduct handles POST /v1/products.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	var body createProductBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	p, err := h.svc.CreateProduct(r.Context(), userID, body.Title, body.PriceCredits)
	if err != nil {
		h.writeServiceError(w, "create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// PurchaseProduct handles POST /v1/products/{id}/purchase. Debits the buyer's
// credits and credits the seller's wallet atomically.
func (h *Handler) PurchaseProduct(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	productID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid product id"}`, http.StatusBadRequest)
		return
	}
	orderID, err := h.svc.PurchaseProduct(r.Context(), userID, productID)
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient credits",
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			})
			return
		}
		h.writeServiceError(w, "purchase product", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order_id": orderID})
}

type createDealBody struct {
	InfluencerUserID uuid.UUID `json:"influencer_user_id"`
	Amount           int64     `json:"amount"`
}

// CreateDeal handles POST /v1/deals.
func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	sponsorID := middleware.UserIDFromCtx(r.Context())
	var body createDealBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if body.InfluencerUserID == uuid.Nil {
		http.Error(w, `{"error":"influencer_user_id is required"}`, http.StatusBadRequest)
		return
	}
	deal, err := h.svc.CreateDeal(r.Context(), sponsorID, body.InfluencerUserID, body.Amount)
	if err != nil {
		h.writeServiceError(w, "create deal", err)
		return
	}
	writeJSON(w, http.StatusCreated, deal)
}

// ApproveDeal handles POST /v1/admin/deals/{id}/approve.
func (h *Handler) ApproveDeal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid deal id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.ApproveDeal(r.Context(), id); err != nil {
		h.writeServiceError(w, "approve deal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SettleDeal handles POST /v1/admin/deals/{id}/settle.
func (h *Handler) SettleDeal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid deal id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.SettleDeal(r.Context(), id); err != nil {
		h.writeServiceError(w, "settle deal", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var insufficient *InsufficientBalanceError
	var belowMin *BelowMinimumError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "insufficient balance",
			"requested": insufficient.Requested,
			"available": insufficient.Available,
		})
	case errors.As(err, &belowMin):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "amount below minimum",
			"requested": belowMin.Requested,
			"minimum":   belowMin.Minimum,
		})
	case errors.Is(err, ErrInvalidAmount):
		http.Error(w, `{"error":"amount must be positive"}`, http.StatusBadRequest)
	case errors.Is(err, ErrWalletNotFound),
		errors.Is(err, ErrRequestNotFound),
		errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrDealNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		http.Error(w, `{"error":"temporary conflict, please retry"}`, http.StatusServiceUnavailable)
	default:
		h.log.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
