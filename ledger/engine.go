/*
engine.go - Ledger Engine

PURPOSE:
  Orchestrates every write to a point account: earn, spend, adjust, expire,
  cancel and maturation. Validates input, serializes per account, appends to
  the log and updates the projection in one unit of work.

CRITICAL SECTION (one per account, never global):
  1. Acquire the account lock (bounded by Config.LockTimeout)
  2. Open a store transaction
  3. Read the projection, promote matured pending credits
  4. Compare / append / transition
  5. Save the projection with an optimistic version check
  6. Commit, release the lock

  Validation errors are returned before step 1. InsufficientBalance is only
  raised in step 4. Busy and conflict errors are retried with exponential
  backoff up to Config.MaxAttempts, then surface as *BusyError.

STATE MACHINE (per transaction):
  created -> completed
  created -> pending -> completed   (hold elapsed)
  created -> pending -> cancelled   (before the hold elapses)
  completed and cancelled are terminal.

SEE ALSO:
  - adjustment.go: Admin adjustments
  - projection.go: Balance derivation
  - lock.go: Per-account serialization
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/warp/loyalty-ledger/ledger"

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     Store
	locker    Locker
	clock     Clock
	logger    *slog.Logger
	cfg       Config
	tracer    trace.Tracer
	projector *Projector
	adjust    *AdjustmentAuthority
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		locker: NewKeyedMutex(),
		clock:  systemClock{},
		logger: slog.Default(),
		cfg:    DefaultConfig(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxAttempts <= 0 {
		e.cfg.MaxAttempts = 1
	}
	if e.cfg.LockTimeout <= 0 {
		e.cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	e.projector = NewProjector(store, e.clock)
	e.adjust = &AdjustmentAuthority{engine: e}
	return e
}

func (e *Engine) Projector() *Projector { return e.projector }

// =============================================================================
// INPUTS
// =============================================================================

type EarnInput struct {
	UserID        UserID
	Type          TransactionType
	Amount        int64
	ReservationID string
	RelatedUserID string
	Metadata      map[string]string
	// Hold overrides the configured hold for Type. A zero hold completes
	// the credit immediately.
	Hold           *time.Duration
	IdempotencyKey string
}

type SpendInput struct {
	UserID         UserID
	Amount         int64
	ReservationID  string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type ExpireInput struct {
	UserID         UserID
	Amount         int64
	Reason         string
	IdempotencyKey string
}

func validAmount(n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d must be positive", ErrInvalidAmount, n)
	}
	if n > maxAmount {
		return fmt.Errorf("%w: %d exceeds maximum", ErrInvalidAmount, n)
	}
	return nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Earn credits points. The credit is pending until now+hold when a hold
// applies, completed otherwise.
func (e *Engine) Earn(ctx context.Context, in EarnInput) (_ *Transaction, err error) {
	ctx, span := e.startSpan(ctx, "Ledger.Earn", in.UserID,
		attribute.String("type", string(in.Type)), attribute.Int64("amount", in.Amount))
	defer func() { finishSpan(span, err) }()

	if in.UserID == "" {
		return nil, ErrMissingUser
	}
	if !in.Type.IsEarn() {
		return nil, fmt.Errorf("%w: %q cannot be earned", ErrUnknownType, in.Type)
	}
	if err := validAmount(in.Amount); err != nil {
		return nil, err
	}
	hold := e.cfg.Holds.For(in.Type)
	if in.Hold != nil {
		if *in.Hold < 0 {
			return nil, fmt.Errorf("%w: negative hold %s", ErrInvalidAmount, *in.Hold)
		}
		hold = *in.Hold
	}

	u, err := e.execute(ctx, in.UserID, func(u *unit) error {
		if found, err := u.replay(in.IdempotencyKey, in.Type); found || err != nil {
			return err
		}
		t := u.newTransaction(in.Type, CreditOf(in.Amount))
		if hold > 0 {
			matures := u.now.Add(hold)
			t.Status = StatusPending
			t.MaturesAt = &matures
			t.SettledAt = nil
		}
		t.ReservationID = in.ReservationID
		t.RelatedUserID = in.RelatedUserID
		t.Metadata = copyMetadata(in.Metadata)
		t.IdempotencyKey = in.IdempotencyKey
		return u.append(t)
	})
	if err != nil {
		return nil, err
	}
	e.logCommitted(ctx, u)
	return u.result, nil
}

// Spend debits points for a reservation. The balance check and the append
// happen in the same critical section.
func (e *Engine) Spend(ctx context.Context, in SpendInput) (_ *Transaction, err error) {
	ctx, span := e.startSpan(ctx, "Ledger.Spend", in.UserID,
		attribute.Int64("amount", in.Amount), attribute.String("reservation_id", in.ReservationID))
	defer func() { finishSpan(span, err) }()

	if in.UserID == "" {
		return nil, ErrMissingUser
	}
	if err := validAmount(in.Amount); err != nil {
		return nil, err
	}
	if in.ReservationID == "" {
		return nil, ErrReservationRequired
	}

	u, err := e.execute(ctx, in.UserID, func(u *unit) error {
		if found, err := u.replay(in.IdempotencyKey, TypeUsedService); found || err != nil {
			return err
		}
		if u.acct.Available < in.Amount {
			return &InsufficientBalanceError{UserID: in.UserID, Required: in.Amount, Available: u.acct.Available}
		}
		t := u.newTransaction(TypeUsedService, DebitOf(in.Amount))
		t.ReservationID = in.ReservationID
		t.Description = in.Description
		t.Metadata = copyMetadata(in.Metadata)
		t.IdempotencyKey = in.IdempotencyKey
		return u.append(t)
	})
	if err != nil {
		return nil, err
	}
	e.logCommitted(ctx, u)
	return u.result, nil
}

// Adjust applies an administrative credit or debit through the
// AdjustmentAuthority.
func (e *Engine) Adjust(ctx context.Context, in AdjustInput) (*Transaction, error) {
	return e.adjust.Adjust(ctx, in)
}

// Expire removes up to Amount points from the available balance. The debit
// is clamped so the balance never goes negative.
func (e *Engine) Expire(ctx context.Context, in ExpireInput) (_ *Transaction, err error) {
	ctx, span := e.startSpan(ctx, "Ledger.Expire", in.UserID, attribute.Int64("amount", in.Amount))
	defer func() { finishSpan(span, err) }()

	if in.UserID == "" {
		return nil, ErrMissingUser
	}
	if err := validAmount(in.Amount); err != nil {
		return nil, err
	}

	u, err := e.execute(ctx, in.UserID, func(u *unit) error {
		if found, err := u.replay(in.IdempotencyKey, TypeExpired); found || err != nil {
			return err
		}
		if u.acct.Available <= 0 {
			return &InsufficientBalanceError{UserID: in.UserID, Required: in.Amount, Available: u.acct.Available}
		}
		n := min(in.Amount, u.acct.Available)
		t := u.newTransaction(TypeExpired, DebitOf(n))
		t.Description = in.Reason
		t.Metadata = map[string]string{
			MetaReason:    in.Reason,
			MetaRequested: fmt.Sprint(in.Amount),
		}
		t.IdempotencyKey = in.IdempotencyKey
		return u.append(t)
	})
	if err != nil {
		return nil, err
	}
	e.logCommitted(ctx, u)
	return u.result, nil
}

// Cancel invalidates a pending transaction before its hold elapses.
func (e *Engine) Cancel(ctx context.Context, id TransactionID, reason string) (_ *Transaction, err error) {
	ctx, span := e.tracer.Start(ctx, "Ledger.Cancel", trace.WithAttributes(attribute.String("tx_id", string(id))))
	defer func() { finishSpan(span, err) }()

	existing, err := e.store.Transaction(ctx, id)
	if err != nil {
		return nil, err
	}

	u, err := e.execute(ctx, existing.UserID, func(u *unit) error {
		cur, err := u.tx.Transaction(u.ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return &TransitionError{ID: id, From: cur.Status, To: StatusCancelled}
		}
		return u.transition(cur, StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "points transaction cancelled",
		"user_id", existing.UserID, "tx_id", id, "amount", existing.Amount, "reason", reason,
		"available", u.acct.Available, "pending", u.acct.Pending)
	return u.result, nil
}

// MatureAccount promotes every pending credit of the user whose hold has
// elapsed. The account lock is held only for this user's promotion.
func (e *Engine) MatureAccount(ctx context.Context, userID UserID) (_ int, err error) {
	ctx, span := e.startSpan(ctx, "Ledger.MatureAccount", userID)
	defer func() { finishSpan(span, err) }()

	u, err := e.execute(ctx, userID, func(*unit) error { return nil })
	if err != nil {
		return 0, err
	}
	return u.promoted, nil
}

// SweepResult summarizes one maturation sweep.
type SweepResult struct {
	Accounts int
	Promoted int
	Failed   int
}

// SweepMatured promotes matured pending credits across all accounts, one
// account at a time. Failures on one account do not stop the sweep.
func (e *Engine) SweepMatured(ctx context.Context, batchSize int) (SweepResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var (
		res  SweepResult
		errs []error
	)
	failed := make(map[UserID]bool)
	for {
		users, err := e.store.DueAccounts(ctx, e.clock.Now(), batchSize)
		if err != nil {
			return res, fmt.Errorf("list due accounts: %w", err)
		}
		progressed := false
		for _, userID := range users {
			if failed[userID] {
				continue
			}
			n, err := e.MatureAccount(ctx, userID)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				failed[userID] = true
				res.Failed++
				errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
				continue
			}
			res.Accounts++
			res.Promoted += n
			progressed = progressed || n > 0
		}
		if len(users) < batchSize || !progressed {
			break
		}
	}
	return res, errors.Join(errs...)
}

// GetBalance returns available and pending points with matured holds folded
// into available. It takes no lock.
func (e *Engine) GetBalance(ctx context.Context, userID UserID) (_ Balance, err error) {
	ctx, span := e.startSpan(ctx, "Ledger.GetBalance", userID)
	defer func() { finishSpan(span, err) }()

	if userID == "" {
		return Balance{}, ErrMissingUser
	}
	return e.projector.Balance(ctx, userID)
}

// BalanceAsOf replays the log as an observer at `at` would have seen it.
func (e *Engine) BalanceAsOf(ctx context.Context, userID UserID, at time.Time) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrMissingUser
	}
	return e.projector.BalanceAsOf(ctx, userID, at)
}

// Verify checks the materialized projection against a replay of the log.
func (e *Engine) Verify(ctx context.Context, userID UserID) error {
	return e.retry(ctx, userID, func(ctx context.Context) error {
		return e.locked(ctx, userID, func(ctx context.Context, tx Tx) error {
			return e.projector.verify(ctx, tx, userID)
		})
	})
}

// Rebuild recomputes the projection from the log.
func (e *Engine) Rebuild(ctx context.Context, userID UserID) (Account, error) {
	var acct Account
	err := e.retry(ctx, userID, func(ctx context.Context) error {
		return e.locked(ctx, userID, func(ctx context.Context, tx Tx) error {
			var err error
			acct, err = e.projector.rebuild(ctx, tx, userID)
			return err
		})
	})
	if err != nil {
		return Account{}, err
	}
	e.logger.WarnContext(ctx, "points projection rebuilt",
		"user_id", userID, "available", acct.Available, "pending", acct.Pending)
	return acct, nil
}

// =============================================================================
// CRITICAL SECTION
// =============================================================================

// unit is the state of one attempt inside the critical section.
type unit struct {
	ctx      context.Context
	tx       Tx
	userID   UserID
	acct     Account
	now      time.Time
	result   *Transaction
	promoted int
	replayed bool
	dirty    bool
}

func (u *unit) newTransaction(t TransactionType, d Delta) Transaction {
	settled := u.now
	return Transaction{
		ID:        NewTransactionID(),
		UserID:    u.userID,
		Type:      t,
		Amount:    d.Signed(),
		Status:    StatusCompleted,
		SettledAt: &settled,
		CreatedAt: u.now,
	}
}

// replay returns the transaction already committed under key, if any.
func (u *unit) replay(key string, t TransactionType) (bool, error) {
	if key == "" {
		return false, nil
	}
	existing, err := u.tx.ByIdempotencyKey(u.ctx, key)
	if err != nil || existing == nil {
		return false, err
	}
	if existing.UserID != u.userID || existing.Type != t {
		return true, fmt.Errorf("%w: %q belongs to another operation", ErrDuplicateIdempotencyKey, key)
	}
	u.result = existing
	u.replayed = true
	return true, nil
}

func (u *unit) append(t Transaction) error {
	if err := applyAppend(&u.acct, t); err != nil {
		return err
	}
	if err := u.tx.Append(u.ctx, t); err != nil {
		return err
	}
	u.dirty = true
	u.result = &t
	return nil
}

func (u *unit) transition(t Transaction, to TransactionStatus) error {
	if err := applyTransition(&u.acct, t, to); err != nil {
		return err
	}
	if err := u.tx.UpdateStatus(u.ctx, t.ID, to, u.now); err != nil {
		return err
	}
	settled := u.now
	t.Status = to
	t.SettledAt = &settled
	u.dirty = true
	u.result = &t
	return nil
}

func (u *unit) promoteDue() error {
	due, err := u.tx.DuePending(u.ctx, u.userID, u.now)
	if err != nil {
		return err
	}
	for _, t := range due {
		if err := applyTransition(&u.acct, t, StatusCompleted); err != nil {
			return err
		}
		if err := u.tx.UpdateStatus(u.ctx, t.ID, StatusCompleted, u.now); err != nil {
			return err
		}
		u.promoted++
		u.dirty = true
	}
	return nil
}

// execute runs fn inside the critical section with bounded retries.
func (e *Engine) execute(ctx context.Context, userID UserID, fn func(*unit) error) (*unit, error) {
	var u *unit
	err := e.retry(ctx, userID, func(ctx context.Context) error {
		var err error
		u, err = e.attempt(ctx, userID, fn)
		return err
	})
	return u, err
}

func (e *Engine) attempt(ctx context.Context, userID UserID, fn func(*unit) error) (*unit, error) {
	var u *unit
	err := e.locked(ctx, userID, func(ctx context.Context, tx Tx) error {
		acct, err := tx.Account(ctx, userID)
		if err != nil {
			return err
		}
		acct.UserID = userID

		// Timestamps never go backwards within one account.
		now := e.clock.Now()
		if acct.UpdatedAt.After(now) {
			now = acct.UpdatedAt
		}
		u = &unit{ctx: ctx, tx: tx, userID: userID, acct: acct, now: now}

		if err := u.promoteDue(); err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		if !u.dirty {
			return nil
		}
		next := u.acct
		next.Version = acct.Version + 1
		next.UpdatedAt = u.now
		if err := tx.SaveAccount(ctx, next, acct.Version); err != nil {
			return err
		}
		u.acct = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// locked acquires the account lock and runs fn in one store transaction,
// all bounded by LockTimeout.
func (e *Engine) locked(ctx context.Context, userID UserID, fn func(context.Context, Tx) error) error {
	sectionCtx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	defer cancel()

	unlock, err := e.locker.Lock(sectionCtx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	err = e.store.WithTx(sectionCtx, func(tx Tx) error {
		return fn(sectionCtx, tx)
	})
	if err != nil && ctx.Err() == nil && errors.Is(sectionCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: critical section for user %s timed out: %v", ErrLedgerBusy, userID, err)
	}
	return err
}

func (e *Engine) retry(ctx context.Context, userID UserID, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if e.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = e.cfg.RetryInitialInterval
	}
	if e.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = e.cfg.RetryMaxInterval
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.cfg.MaxAttempts)))

	// The final attempt comes back still wrapped.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	if err != nil && IsRetryable(err) {
		e.logger.WarnContext(ctx, "points ledger busy", "user_id", userID, "attempts", attempts, "error", err)
		return &BusyError{UserID: userID, Attempts: attempts, Err: err}
	}
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) startSpan(ctx context.Context, name string, userID UserID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("user_id", string(userID)))
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) logCommitted(ctx context.Context, u *unit) {
	if u.promoted > 0 {
		e.logger.InfoContext(ctx, "matured pending points",
			"user_id", u.userID, "count", u.promoted)
	}
	if u.replayed {
		e.logger.InfoContext(ctx, "idempotent replay",
			"user_id", u.userID, "tx_id", u.result.ID, "idempotency_key", u.result.IdempotencyKey)
		return
	}
	e.logger.InfoContext(ctx, "points transaction committed",
		"user_id", u.userID, "tx_id", u.result.ID, "type", u.result.Type,
		"amount", u.result.Amount, "status", u.result.Status,
		"available", u.acct.Available, "pending", u.acct.Pending)
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
