/*
Package ledger provides the loyalty point balance and transaction ledger.

PURPOSE:
  Records every credit and debit against a user's point account, derives a
  consistent available/pending balance, and guarantees that concurrent earn,
  spend and adjust operations never drive a balance negative, lose an update
  or credit twice.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable ledger entry (signed integer amount)
  - TransactionType / TransactionStatus: Closed enumerations
  - Delta: Explicit credit/debit representation of a signed amount
  - Account: The derived balance projection for one user

DESIGN PRINCIPLES:
  1. Append-only: Completed transactions are never edited, corrections are new rows
  2. Integer points: No fractional points, amounts are int64
  3. Closed enums: Unknown types fail at construction, not at read time
  4. Auditability: Metadata carries provenance (source, admin, balance snapshots)

USAGE:
  engine := ledger.NewEngine(store.NewMemory())
  tx, err := engine.Earn(ctx, ledger.EarnInput{
      UserID: "user-1",
      Type:   ledger.TypeEarnedService,
      Amount: 50000,
  })

SEE ALSO:
  - engine.go: Earn / Spend / Adjust / Cancel / Expire orchestration
  - projection.go: Balance derivation and replay
  - store.go: Persistence contract
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// NewTransactionID returns a UUIDv7 identifier. UUIDv7 values sort by creation
// time and are strictly increasing within one process.
func NewTransactionID() TransactionID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return TransactionID(uuid.NewString())
	}
	return TransactionID(id.String())
}

// =============================================================================
// TRANSACTION TYPE
// =============================================================================

type TransactionType string

const (
	TypeEarnedService   TransactionType = "earned_service"   // Points earned from a completed reservation
	TypeEarnedReferral  TransactionType = "earned_referral"  // Referral bonus, usually held
	TypeInfluencerBonus TransactionType = "influencer_bonus" // Influencer program credit, usually held
	TypeUsedService     TransactionType = "used_service"     // Points spent on a reservation
	TypeAdjusted        TransactionType = "adjusted"         // Admin credit or debit
	TypeExpired         TransactionType = "expired"          // Points removed by expiry
)

var allTypes = []TransactionType{
	TypeEarnedService, TypeEarnedReferral, TypeInfluencerBonus,
	TypeUsedService, TypeAdjusted, TypeExpired,
}

// ParseTransactionType converts a string into a known type.
func ParseTransactionType(s string) (TransactionType, error) {
	for _, t := range allTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// IsEarn reports whether the type can be created through Earn.
func (t TransactionType) IsEarn() bool {
	switch t {
	case TypeEarnedService, TypeEarnedReferral, TypeInfluencerBonus:
		return true
	}
	return false
}

func (t TransactionType) Valid() bool {
	_, err := ParseTransactionType(string(t))
	return err == nil
}

// =============================================================================
// TRANSACTION STATUS
// =============================================================================

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusCancelled TransactionStatus = "cancelled"
)

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch TransactionStatus(s) {
	case StatusPending, StatusCompleted, StatusCancelled:
		return TransactionStatus(s), nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// =============================================================================
// DELTA - Explicit credit/debit
// =============================================================================

type DeltaKind int

const (
	Credit DeltaKind = iota + 1
	Debit
)

func (k DeltaKind) String() string {
	switch k {
	case Credit:
		return "credit"
	case Debit:
		return "debit"
	}
	return "unknown"
}

// Delta is a balance change as a kind plus a strictly positive magnitude.
// Transactions persist the signed form so balances stay a plain SUM.
type Delta struct {
	Kind      DeltaKind
	Magnitude int64
}

func CreditOf(n int64) Delta { return Delta{Kind: Credit, Magnitude: n} }
func DebitOf(n int64) Delta  { return Delta{Kind: Debit, Magnitude: n} }

// Signed returns the amount as stored in the ledger.
func (d Delta) Signed() int64 {
	if d.Kind == Debit {
		return -d.Magnitude
	}
	return d.Magnitude
}

// DeltaFromSigned is the inverse of Signed.
func DeltaFromSigned(amount int64) Delta {
	if amount < 0 {
		return DebitOf(-amount)
	}
	return CreditOf(amount)
}

// PointsFromDecimal converts a client supplied amount into whole points.
// Fractional, zero and negative values are rejected with ErrInvalidAmount.
func PointsFromDecimal(d decimal.Decimal) (int64, error) {
	if !d.IsInteger() || !d.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, d.String())
	}
	if d.GreaterThan(decimal.NewFromInt(maxAmount)) {
		return 0, fmt.Errorf("%w: %s exceeds maximum", ErrInvalidAmount, d.String())
	}
	return d.IntPart(), nil
}

// maxAmount bounds a single transaction so sums cannot overflow int64.
const maxAmount = int64(1) << 48

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type Transaction struct {
	ID     TransactionID
	UserID UserID
	Type   TransactionType

	// Signed amount: positive = credit, negative = debit.
	Amount int64
	Status TransactionStatus

	// MaturesAt is set only for transactions created pending.
	MaturesAt *time.Time
	// SettledAt is when the status last changed (creation time for
	// immediately completed transactions).
	SettledAt *time.Time

	ReservationID  string
	RelatedUserID  string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string

	CreatedAt time.Time
}

func (t Transaction) Delta() Delta { return DeltaFromSigned(t.Amount) }

// MaturedBy reports whether a pending transaction's hold has elapsed at now.
func (t Transaction) MaturedBy(now time.Time) bool {
	return t.Status == StatusPending && t.MaturesAt != nil && !t.MaturesAt.After(now)
}

// EffectiveStatus is the status an observer sees at now: a pending
// transaction whose hold has elapsed already counts as completed.
func (t Transaction) EffectiveStatus(now time.Time) TransactionStatus {
	if t.MaturedBy(now) {
		return StatusCompleted
	}
	return t.Status
}

// Clone returns a deep copy so stores never share metadata maps with callers.
func (t Transaction) Clone() Transaction {
	c := t
	if t.MaturesAt != nil {
		m := *t.MaturesAt
		c.MaturesAt = &m
	}
	if t.SettledAt != nil {
		s := *t.SettledAt
		c.SettledAt = &s
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// =============================================================================
// ACCOUNT - Derived balance projection
// =============================================================================

// Account is the materialized balance of one user. It is never stored
// independently of the transaction log: every change to it is written in the
// same unit of work as the transaction that caused it.
type Account struct {
	UserID    UserID
	Available int64
	Pending   int64

	// Version increments on every write and guards against lost updates.
	Version   int64
	UpdatedAt time.Time
}

// Balance is the externally observed balance.
type Balance struct {
	UserID    UserID    `json:"user_id"`
	Available int64     `json:"available"`
	Pending   int64     `json:"pending"`
	AsOf      time.Time `json:"as_of"`
}
