/*
handlers.go - HTTP API handlers for the loyalty points ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every rule to the ledger package.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/points          Available and pending balance
    GET    /api/users/{id}/points/as-of    Balance replayed at ?at=RFC3339
    GET    /api/users/{id}/points/history  Paged history, newest first
    POST   /api/users/{id}/points/earn     Credit points
    POST   /api/users/{id}/points/spend    Debit points for a reservation

  Admin:
    POST   /api/admin/points/adjustments                 Audited credit/debit
    POST   /api/admin/points/expirations                 Expire points
    POST   /api/admin/points/transactions/{txID}/cancel  Cancel a pending credit
    POST   /api/admin/points/sweep                       Run maturation now
    GET    /api/admin/points/users/{id}/verify           Projection vs log
    POST   /api/admin/points/users/{id}/rebuild          Rebuild projection

REQUEST FLOW:
  1. Parse HTTP request
  2. Convert amounts (decimal -> whole points)
  3. Call the engine
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Transaction not found
  - 409: Insufficient balance, invalid transition, idempotency key reuse
  - 503: Ledger busy (Retry-After set), safe to retry
  - 500: Internal errors

SECURITY NOTE:
  Authentication and admin authorization happen upstream. admin_id in the
  adjustment body is trusted as already verified.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Logger *slog.Logger

	// SweepBatchSize is used by TriggerSweep when the request sets none.
	SweepBatchSize int
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *ledger.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, Logger: logger, SweepBatchSize: 100}
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance returns the current balance of a user.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	b, err := h.Engine.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetBalanceAsOf replays the log at ?at=.
func (h *Handler) GetBalanceAsOf(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	at, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Query parameter 'at' must be RFC3339", err)
		return
	}

	b, err := h.Engine.BalanceAsOf(r.Context(), userID, at)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetHistory returns one page of history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid history query", err)
		return
	}

	page, err := h.Engine.GetHistory(r.Context(), q)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryDTO{
		Items:      toTransactionDTOs(page.Items),
		TotalCount: page.TotalCount,
		Page:       page.Page,
		Limit:      page.Limit,
		NextCursor: page.NextCursor,
	})
}

func parseHistoryQuery(r *http.Request) (ledger.HistoryQuery, error) {
	values := r.URL.Query()
	q := ledger.HistoryQuery{UserID: ledger.UserID(chi.URLParam(r, "id"))}

	var err error
	if s := values.Get("page"); s != "" {
		if q.Page, err = strconv.Atoi(s); err != nil {
			return q, err
		}
	}
	if s := values.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil {
			return q, err
		}
	}
	if s := values.Get("cursor"); s != "" {
		if q.Cursor, err = ledger.DecodeCursor(s); err != nil {
			return q, err
		}
	}
	if s := values.Get("type"); s != "" {
		t, err := ledger.ParseTransactionType(s)
		if err != nil {
			return q, err
		}
		q.Filter.Type = &t
	}
	if s := values.Get("status"); s != "" {
		st, err := ledger.ParseTransactionStatus(s)
		if err != nil {
			return q, err
		}
		q.Filter.Status = &st
	}
	for key, dst := range map[string]**time.Time{"from": &q.Filter.From, "to": &q.Filter.To} {
		if s := values.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return q, err
			}
			*dst = &t
		}
	}
	return q, nil
}

// =============================================================================
// WRITE HANDLERS
// =============================================================================

// Earn credits points to a user.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	txType, err := ledger.ParseTransactionType(req.Type)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	amount, err := ledger.PointsFromDecimal(req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	in := ledger.EarnInput{
		UserID:         ledger.UserID(chi.URLParam(r, "id")),
		Type:           txType,
		Amount:         amount,
		ReservationID:  req.ReservationID,
		RelatedUserID:  req.RelatedUserID,
		Metadata:       req.Metadata,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	}
	if req.Hold != nil {
		hold, err := time.ParseDuration(*req.Hold)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid hold duration", err)
			return
		}
		in.Hold = &hold
	}

	tx, err := h.Engine.Earn(r.Context(), in)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// Spend debits points for a reservation.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := ledger.PointsFromDecimal(req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	tx, err := h.Engine.Spend(r.Context(), ledger.SpendInput{
		UserID:         ledger.UserID(chi.URLParam(r, "id")),
		Amount:         amount,
		ReservationID:  req.ReservationID,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment applies an audited admin credit or debit.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	direction, err := ledger.ParseDirection(req.Direction)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	amount, err := ledger.PointsFromDecimal(req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	tx, err := h.Engine.Adjust(r.Context(), ledger.AdjustInput{
		AdminID:   req.AdminID,
		UserID:    ledger.UserID(req.UserID),
		Amount:    amount,
		Direction: direction,
		Reason:    req.Reason,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// CreateExpiration expires available points.
func (h *Handler) CreateExpiration(w http.ResponseWriter, r *http.Request) {
	var req ExpirationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := ledger.PointsFromDecimal(req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	tx, err := h.Engine.Expire(r.Context(), ledger.ExpireInput{
		UserID:         ledger.UserID(req.UserID),
		Amount:         amount,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// CancelTransaction cancels a pending credit. The body is optional.
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	txID := ledger.TransactionID(chi.URLParam(r, "txID"))

	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	tx, err := h.Engine.Cancel(r.Context(), txID, req.Reason)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// TriggerSweep runs maturation now. Per-account failures do not fail the
// request; they are reported in the body.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	batch := h.SweepBatchSize
	if s := r.URL.Query().Get("batch_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "batch_size must be a positive integer", err)
			return
		}
		batch = n
	}

	res, err := h.Engine.SweepMatured(r.Context(), batch)
	dto := SweepResultDTO{Accounts: res.Accounts, Promoted: res.Promoted, Failed: res.Failed}
	if err != nil {
		if res.Failed == 0 {
			h.writeLedgerError(w, r, err)
			return
		}
		dto.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// VerifyAccount compares the projection with a replay of the log.
func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	err := h.Engine.Verify(r.Context(), userID)
	var inconsistent *ledger.InconsistencyError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, VerifyDTO{UserID: string(userID), Consistent: true})
	case errors.As(err, &inconsistent):
		materialized := toBalanceDTO(inconsistent.Materialized)
		replayed := toBalanceDTO(inconsistent.Replayed)
		writeJSON(w, http.StatusOK, VerifyDTO{
			UserID:       string(userID),
			Materialized: &materialized,
			Replayed:     &replayed,
		})
	default:
		h.writeLedgerError(w, r, err)
	}
}

// RebuildAccount rewrites the projection from the log.
func (h *Handler) RebuildAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.Rebuild(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// idempotencyKey prefers the body field over the Idempotency-Key header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

var clientErrorCodes = []struct {
	err  error
	code string
}{
	{ledger.ErrInvalidAmount, "invalid_amount"},
	{ledger.ErrUnknownType, "unknown_type"},
	{ledger.ErrMissingReason, "missing_reason"},
	{ledger.ErrReservationRequired, "reservation_required"},
	{ledger.ErrInvalidDirection, "invalid_direction"},
	{ledger.ErrMissingUser, "missing_user"},
}

// writeLedgerError maps ledger errors to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "Insufficient balance",
			Code:  "insufficient_balance",
			Details: map[string]int64{
				"required":  insufficient.Required,
				"available": insufficient.Available,
			},
		})
		return
	}

	switch {
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Transaction not found", Code: "not_found", Details: err.Error()})
		return
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Invalid status transition", Code: "invalid_transition", Details: err.Error()})
		return
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Idempotency key already used", Code: "duplicate_idempotency_key", Details: err.Error()})
		return
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Ledger busy, retry later", Code: "ledger_busy"})
		return
	}

	for _, c := range clientErrorCodes {
		if errors.Is(err, c.err) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: c.err.Error(), Code: c.code, Details: err.Error()})
			return
		}
	}

	h.Logger.ErrorContext(r.Context(), "points request failed",
		"method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal error", nil)
}
