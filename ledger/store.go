/*
store.go - Persistence contract for the transaction log and projection

PURPOSE:
  Defines the interface between the ledger engine and the database. A Store
  persists two things that must never drift apart:
    1. the append-only transaction log
    2. the materialized per-account balance projection

UNIT OF WORK:
  Every write goes through WithTx. The function receives a Tx view; when it
  returns nil the log rows and the projection row are committed together,
  when it returns an error nothing is committed.

APPEND-ONLY CONTRACT:
  - Append(): the only way to add a transaction
  - UpdateStatus(): the only mutation, and only out of StatusPending
  - No Delete. Retention is handled outside the ledger.

OPTIMISTIC GUARD:
  SaveAccount takes the version that was read. A mismatch returns
  ErrConcurrentModification, which the engine retries.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite with WAL
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// READ MODELS
// =============================================================================

// AccountState is an account projection and its pending transactions, read
// atomically so a lazy maturation fold never double counts.
type AccountState struct {
	Account Account
	Pending []Transaction
}

// HistoryFilter narrows a history query. Status filters use the effective
// status as of AsOf: matured pending rows count as completed.
type HistoryFilter struct {
	Type   *TransactionType
	Status *TransactionStatus
	From   *time.Time
	To     *time.Time
}

// HistoryQuery selects one page of a user's history, newest first.
//
// When Cursor is set the page starts strictly after the cursor position
// (keyset paging, stable under concurrent appends). Otherwise Page/Limit use
// offset paging: rows appended between two calls shift later pages.
type HistoryQuery struct {
	UserID UserID
	Filter HistoryFilter
	Page   int
	Limit  int
	Cursor *Cursor
	AsOf   time.Time
}

func (q HistoryQuery) Offset() int {
	if q.Cursor != nil || q.Page <= 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// =============================================================================
// STORE - Transaction log + projection persistence
// =============================================================================

// Store handles persistence of transactions and account projections.
type Store interface {
	// WithTx executes fn within one atomic unit of work.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// AccountState returns the projection and pending transactions of a user
	// from a single consistent read.
	AccountState(ctx context.Context, userID UserID) (AccountState, error)

	// Transactions returns the full log of a user in commit order.
	Transactions(ctx context.Context, userID UserID) ([]Transaction, error)

	// Transaction returns one transaction or ErrTransactionNotFound.
	Transaction(ctx context.Context, id TransactionID) (Transaction, error)

	// History returns one page (newest first) and the total matching count.
	History(ctx context.Context, q HistoryQuery) ([]Transaction, int, error)

	// DueAccounts lists users owning pending transactions matured by asOf.
	DueAccounts(ctx context.Context, asOf time.Time, limit int) ([]UserID, error)
}

// Tx is the transactional view handed to WithTx.
type Tx interface {
	// Account returns the projection row, or a zero Account (Version 0)
	// when the user has none.
	Account(ctx context.Context, userID UserID) (Account, error)

	// SaveAccount upserts the projection if its stored version equals
	// expectedVersion. acct.Version must be expectedVersion+1.
	SaveAccount(ctx context.Context, acct Account, expectedVersion int64) error

	// Append adds a transaction. Returns ErrDuplicateIdempotencyKey when the
	// key is already used.
	Append(ctx context.Context, tx Transaction) error

	// UpdateStatus moves a pending transaction to a terminal status.
	UpdateStatus(ctx context.Context, id TransactionID, to TransactionStatus, at time.Time) error

	Transaction(ctx context.Context, id TransactionID) (Transaction, error)

	// ByIdempotencyKey returns the transaction created with key, if any.
	ByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// DuePending lists the user's pending transactions matured by asOf.
	DuePending(ctx context.Context, userID UserID, asOf time.Time) ([]Transaction, error)

	// Transactions returns the user's full log in commit order.
	Transactions(ctx context.Context, userID UserID) ([]Transaction, error)
}
