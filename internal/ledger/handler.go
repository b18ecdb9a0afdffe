package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/osirix/backend/internal/middleware"
	"github.com/osirix/backend/internal/models"
)

// Handler serves the credit balance, history and purchase endpoints.
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

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// GetBalance handles GET /v1/credits/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("get balance", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// History handles GET /v1/credits/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	entries, err := h.svc.History(r.Context(), userID, 50)
	if err != nil {
		h.log.Error("ledger history", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type purchaseRequest struct {
	Amount int64 `json:"amount"`
}

type purchaseResponse struct {
	OrderID string `json:"order_id"`
	Balance int64  `json:"balance"`
}

// Purchase handles POST /v1/credits/purchase. Payment capture happens
// upstream; this endpoint records the grant.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
		return
	}
	orderID := uuid.New()
	if err := h.svc.Grant(r.Context(), userID, req.Amount, models.LedgerKindPurchase, orderID); err != nil {
		h.log.Error("purchase credits", "user_id", userID, "error", err)
		http.Error(w, `{"error":"purchase failed"}`, http.StatusInternalServerError)
		return
	}
	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("balance after purchase", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, purchaseResponse{OrderID: orderID.String(), Balance: balance})
}

// Reconcile handles GET /v1/admin/users/{id}/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	report, err := h.svc.Reconcile(r.Context(), userID)
	if err != nil {
		h.log.Error("reconcile", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !report.Consistent {
		h.log.Warn("ledger drift detected",
			"user_id", userID, "summed", report.SummedBalance, "latest", report.LatestBalance)
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
