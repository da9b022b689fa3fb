package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/kovalyow/payment-ledger/internal/models"
	service "github.com/kovalyow/payment-ledger/internal/services"
	pkgerrors "github.com/kovalyow/payment-ledger/pkg/errors"
)

type Handler struct {
	service service.LedgerService
}

func NewHandler(s service.LedgerService) *Handler {
	return &Handler{service: s}
}

type errorResponse struct {
	Error string `json:"error"`
}

type historyResponse struct {
	Items           []models.Payment `json:"items"`
	OldestTimestamp *string          `json:"oldest_timestamp"`
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/api/accounts/{id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/send_payment", h.SendPayment).Methods("PUT")
	r.HandleFunc("/payment_history/{user_id}", h.PaymentHistory).Methods("GET")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	h.writeJSON(w, status, errorResponse{Error: code})
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.CreateAccount(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}

	account, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *Handler) SendPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From           json.RawMessage `json:"from"`
		To             json.RawMessage `json:"to"`
		Amount         json.RawMessage `json:"amount"`
		IdempotencyKey string          `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}

	fromID, err := parseIntField(req.From)
	if err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}
	toID, err := parseIntField(req.To)
	if err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}
	amount, err := parseIntField(req.Amount)
	if err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}

	payment, replayed, err := h.service.Transfer(r.Context(), fromID, toID, amount, req.IdempotencyKey)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, payment)
}

func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}

	var before *time.Time
	if raw := r.URL.Query().Get("last_seen_timestamp"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			h.writeError(w, pkgerrors.ErrInvalidInput)
			return
		}
		before = &ts
	}

	items, next, err := h.service.History(r.Context(), userID, before)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := historyResponse{Items: items}
	if resp.Items == nil {
		resp.Items = []models.Payment{}
	}
	if next != nil {
		formatted := next.UTC().Format(time.RFC3339Nano)
		resp.OldestTimestamp = &formatted
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// parseIntField accepts a JSON number or a numeric string, matching the
// parse-as-integer contract of the transfer input.
func parseIntField(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, pkgerrors.ErrInvalidInput
	}
	s = strings.Trim(s, `"`)
	return strconv.ParseInt(s, 10, 64)
}

func parseTimestamp(raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, pkgerrors.ErrSameAccount):
		return http.StatusBadRequest, "same_account"
	case errors.Is(err, pkgerrors.ErrFromAccountNotFound):
		return http.StatusNotFound, "from_account_not_found"
	case errors.Is(err, pkgerrors.ErrToAccountNotFound):
		return http.StatusNotFound, "to_account_not_found"
	case errors.Is(err, pkgerrors.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, pkgerrors.ErrRequestInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, pkgerrors.ErrRequestFailed):
		return http.StatusConflict, "request_failed"
	case errors.Is(err, pkgerrors.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
