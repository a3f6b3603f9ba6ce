/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Request amounts are decoded as decimal.Decimal so that "1.5" or 1.5 can be
  rejected as non-integral instead of being silently truncated. Responses
  carry signed integer points.

TIMESTAMPS:
  RFC3339 with nanoseconds, UTC.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// EarnRequest credits points to the user in the URL.
type EarnRequest struct {
	Type          string            `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	ReservationID string            `json:"reservation_id,omitempty"`
	RelatedUserID string            `json:"related_user_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	// Hold overrides the configured hold, as a Go duration ("168h", "0s").
	Hold           *string `json:"hold,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// SpendRequest debits points for a reservation.
type SpendRequest struct {
	Amount         decimal.Decimal   `json:"amount"`
	ReservationID  string            `json:"reservation_id"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// AdjustmentRequest is an admin credit or debit.
type AdjustmentRequest struct {
	AdminID   string          `json:"admin_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction"`
	Reason    string          `json:"reason"`
}

// ExpirationRequest removes up to Amount available points.
type ExpirationRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type BalanceDTO struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
	Pending   int64  `json:"pending"`
	AsOf      string `json:"as_of"`
}

type TransactionDTO struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Type           string            `json:"type"`
	Amount         int64             `json:"amount"`
	Direction      string            `json:"direction"`
	Status         string            `json:"status"`
	MaturesAt      *string           `json:"matures_at,omitempty"`
	SettledAt      *string           `json:"settled_at,omitempty"`
	ReservationID  string            `json:"reservation_id,omitempty"`
	RelatedUserID  string            `json:"related_user_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

type HistoryDTO struct {
	Items      []TransactionDTO `json:"items"`
	TotalCount int              `json:"total_count"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type SweepResultDTO struct {
	Accounts int    `json:"accounts"`
	Promoted int    `json:"promoted"`
	Failed   int    `json:"failed"`
	Error    string `json:"error,omitempty"`
}

type VerifyDTO struct {
	UserID       string      `json:"user_id"`
	Consistent   bool        `json:"consistent"`
	Materialized *BalanceDTO `json:"materialized,omitempty"`
	Replayed     *BalanceDTO `json:"replayed,omitempty"`
}

type AccountDTO struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
	Pending   int64  `json:"pending"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:    string(b.UserID),
		Available: b.Available,
		Pending:   b.Pending,
		AsOf:      formatTime(b.AsOf),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		UserID:         string(tx.UserID),
		Type:           string(tx.Type),
		Amount:         tx.Amount,
		Direction:      tx.Delta().Kind.String(),
		Status:         string(tx.Status),
		MaturesAt:      formatTimePtr(tx.MaturesAt),
		SettledAt:      formatTimePtr(tx.SettledAt),
		ReservationID:  tx.ReservationID,
		RelatedUserID:  tx.RelatedUserID,
		Description:    tx.Description,
		IdempotencyKey: tx.IdempotencyKey,
		Metadata:       tx.Metadata,
		CreatedAt:      formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		UserID:    string(a.UserID),
		Available: a.Available,
		Pending:   a.Pending,
		Version:   a.Version,
		UpdatedAt: formatTime(a.UpdatedAt),
	}
}
