/*
projection.go - Balance Projector

PURPOSE:
  Answers "what is the balance" without re-scanning history on every call,
  while staying exactly consistent with the transaction log.

TWO VIEWS OF THE SAME NUMBER:
  Materialized: Account.Available / Account.Pending, updated in the same unit
                of work as every append or status change.
  Replayed:     Sum over the raw log. This is the correctness oracle: for any
                account and any instant, both views must agree.

LAZY MATURATION:
  A pending credit whose MaturesAt has passed but which the sweep has not
  promoted yet is folded into Available on read. Eager promotion and the lazy
  fold therefore report identical balances.

POINT-IN-TIME RULES (Replay at t, over transactions created at or before t):
  completed, no hold        -> available
  completed or pending with
    MaturesAt <= t          -> available
    MaturesAt >  t          -> pending
  cancelled, SettledAt >  t -> pending (it was still held at t)
  cancelled, SettledAt <= t -> nothing

SEE ALSO:
  - engine.go: Calls applyAppend / applyTransition inside the critical section
  - store.go: AccountState gives the atomic read the lazy fold needs
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// INCREMENTAL UPDATES
// =============================================================================

// applyAppend folds a newly appended transaction into the projection.
func applyAppend(acct *Account, tx Transaction) error {
	switch tx.Status {
	case StatusCompleted:
		acct.Available += tx.Amount
	case StatusPending:
		if tx.Amount <= 0 {
			return fmt.Errorf("%w: pending transaction %s has non-positive amount", ErrInconsistentProjection, tx.ID)
		}
		acct.Pending += tx.Amount
	default:
		return fmt.Errorf("%w: cannot append transaction %s in status %s", ErrInconsistentProjection, tx.ID, tx.Status)
	}
	return checkNonNegative(acct)
}

// applyTransition folds a pending -> completed/cancelled change.
func applyTransition(acct *Account, tx Transaction, to TransactionStatus) error {
	if tx.Status != StatusPending {
		return &TransitionError{ID: tx.ID, From: tx.Status, To: to}
	}
	acct.Pending -= tx.Amount
	switch to {
	case StatusCompleted:
		acct.Available += tx.Amount
	case StatusCancelled:
	default:
		return &TransitionError{ID: tx.ID, From: tx.Status, To: to}
	}
	return checkNonNegative(acct)
}

func checkNonNegative(acct *Account) error {
	if acct.Available < 0 || acct.Pending < 0 {
		return fmt.Errorf("%w: user %s available=%d pending=%d",
			ErrInconsistentProjection, acct.UserID, acct.Available, acct.Pending)
	}
	return nil
}

// =============================================================================
// REPLAY - The correctness oracle
// =============================================================================

// Materialize recomputes the stored projection from the log, by status only.
func Materialize(userID UserID, txs []Transaction) Account {
	acct := Account{UserID: userID}
	for _, tx := range txs {
		switch tx.Status {
		case StatusCompleted:
			acct.Available += tx.Amount
		case StatusPending:
			acct.Pending += tx.Amount
		}
	}
	return acct
}

// Replay computes the balance an observer would have seen at asOf.
func Replay(userID UserID, txs []Transaction, asOf time.Time) Balance {
	b := Balance{UserID: userID, AsOf: asOf}
	for _, tx := range txs {
		if tx.CreatedAt.After(asOf) {
			continue
		}
		switch tx.Status {
		case StatusCompleted, StatusPending:
			completesAt := tx.CreatedAt
			if tx.MaturesAt != nil {
				completesAt = *tx.MaturesAt
			}
			if !completesAt.After(asOf) {
				b.Available += tx.Amount
			} else if tx.Amount > 0 {
				b.Pending += tx.Amount
			}
		case StatusCancelled:
			if (tx.SettledAt == nil || tx.SettledAt.After(asOf)) && tx.Amount > 0 {
				b.Pending += tx.Amount
			}
		}
	}
	return b
}

// Observe folds matured pending transactions into a materialized state.
func Observe(state AccountState, now time.Time) Balance {
	b := Balance{
		UserID:    state.Account.UserID,
		Available: state.Account.Available,
		Pending:   state.Account.Pending,
		AsOf:      now,
	}
	for _, tx := range state.Pending {
		if tx.MaturedBy(now) {
			b.Available += tx.Amount
			b.Pending -= tx.Amount
		}
	}
	return b
}

// =============================================================================
// PROJECTOR
// =============================================================================

type Projector struct {
	store Store
	clock Clock
}

func NewProjector(store Store, clock Clock) *Projector {
	if clock == nil {
		clock = systemClock{}
	}
	return &Projector{store: store, clock: clock}
}

// Balance returns the current balance with matured holds folded in.
func (p *Projector) Balance(ctx context.Context, userID UserID) (Balance, error) {
	state, err := p.store.AccountState(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("read account %s: %w", userID, err)
	}
	state.Account.UserID = userID
	return Observe(state, p.clock.Now()), nil
}

// BalanceAsOf replays the log up to at.
func (p *Projector) BalanceAsOf(ctx context.Context, userID UserID, at time.Time) (Balance, error) {
	txs, err := p.store.Transactions(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("load transactions for %s: %w", userID, err)
	}
	return Replay(userID, txs, at), nil
}

// verify compares the projection and the log as read through one Tx.
func (p *Projector) verify(ctx context.Context, tx Tx, userID UserID) error {
	acct, err := tx.Account(ctx, userID)
	if err != nil {
		return err
	}
	txs, err := tx.Transactions(ctx, userID)
	if err != nil {
		return err
	}
	replayed := Materialize(userID, txs)
	if replayed.Available != acct.Available || replayed.Pending != acct.Pending {
		now := p.clock.Now()
		return &InconsistencyError{
			UserID:       userID,
			Materialized: Balance{UserID: userID, Available: acct.Available, Pending: acct.Pending, AsOf: now},
			Replayed:     Balance{UserID: userID, Available: replayed.Available, Pending: replayed.Pending, AsOf: now},
		}
	}
	return nil
}

// rebuild overwrites the projection with a replay of the log.
func (p *Projector) rebuild(ctx context.Context, tx Tx, userID UserID) (Account, error) {
	acct, err := tx.Account(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	txs, err := tx.Transactions(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	fresh := Materialize(userID, txs)
	fresh.Version = acct.Version + 1
	fresh.UpdatedAt = p.clock.Now()
	if err := checkNonNegative(&fresh); err != nil {
		return Account{}, err
	}
	if err := tx.SaveAccount(ctx, fresh, acct.Version); err != nil {
		return Account{}, err
	}
	return fresh, nil
}
