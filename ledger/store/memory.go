// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the log and projections in maps. WithTx stages writes in a
// private view and publishes them in one short critical section, so units of
// work on different accounts never wait on each other. Conflicts are detected
// at commit via projection versions.
type Memory struct {
	mu          sync.RWMutex
	txs         map[ledger.TransactionID]ledger.Transaction
	byUser      map[ledger.UserID][]ledger.TransactionID
	accounts    map[ledger.UserID]ledger.Account
	idempotency map[string]ledger.TransactionID
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		txs:         make(map[ledger.TransactionID]ledger.Transaction),
		byUser:      make(map[ledger.UserID][]ledger.TransactionID),
		accounts:    make(map[ledger.UserID]ledger.Account),
		idempotency: make(map[string]ledger.TransactionID),
	}
}

// WithTx runs fn against a staged view. Returning an error discards the view.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := newView(m)
	if err := fn(v); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(v)
}

func (m *Memory) commit(v *view) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, sa := range v.accounts {
		if m.accounts[userID].Version != sa.base {
			return fmt.Errorf("%w: account %s", ledger.ErrConcurrentModification, userID)
		}
	}
	for id := range v.updated {
		if m.txs[id].Status != ledger.StatusPending {
			return fmt.Errorf("%w: transaction %s", ledger.ErrConcurrentModification, id)
		}
	}
	for key := range v.idempotency {
		if _, exists := m.idempotency[key]; exists {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}

	for _, id := range v.appended {
		tx := v.staged[id]
		m.txs[id] = tx
		m.byUser[tx.UserID] = append(m.byUser[tx.UserID], id)
	}
	for id := range v.updated {
		m.txs[id] = v.staged[id]
	}
	for key, id := range v.idempotency {
		m.idempotency[key] = id
	}
	for userID, sa := range v.accounts {
		m.accounts[userID] = sa.acct
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) AccountState(_ context.Context, userID ledger.UserID) (ledger.AccountState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := ledger.AccountState{Account: m.account(userID)}
	for _, id := range m.byUser[userID] {
		if tx := m.txs[id]; tx.Status == ledger.StatusPending {
			state.Pending = append(state.Pending, tx.Clone())
		}
	}
	return state, nil
}

func (m *Memory) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userTransactions(userID), nil
}

func (m *Memory) Transaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	return tx.Clone(), nil
}

func (m *Memory) History(_ context.Context, q ledger.HistoryQuery) ([]ledger.Transaction, int, error) {
	m.mu.RLock()
	all := m.userTransactions(q.UserID)
	m.mu.RUnlock()

	matched := all[:0]
	for _, tx := range all {
		if q.Filter.Matches(tx, q.AsOf) {
			matched = append(matched, tx)
		}
	}
	ledger.SortNewestFirst(matched)
	total := len(matched)

	start := q.Offset()
	if q.Cursor != nil {
		start = sort.Search(len(matched), func(i int) bool { return q.Cursor.After(matched[i]) })
	}
	if start >= len(matched) {
		return []ledger.Transaction{}, total, nil
	}
	end := len(matched)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	return matched[start:end], total, nil
}

func (m *Memory) DueAccounts(_ context.Context, asOf time.Time, limit int) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []ledger.UserID
	for userID, ids := range m.byUser {
		for _, id := range ids {
			if m.txs[id].MaturedBy(asOf) {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// account and userTransactions expect m.mu to be held.
func (m *Memory) account(userID ledger.UserID) ledger.Account {
	acct, ok := m.accounts[userID]
	if !ok {
		return ledger.Account{UserID: userID}
	}
	return acct
}

func (m *Memory) userTransactions(userID ledger.UserID) []ledger.Transaction {
	ids := m.byUser[userID]
	out := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.txs[id].Clone())
	}
	return out
}

// =============================================================================
// STAGED VIEW (ledger.Tx)
// =============================================================================

type stagedAccount struct {
	acct ledger.Account
	base int64 // version observed in the parent when first saved
}

type view struct {
	parent      *Memory
	staged      map[ledger.TransactionID]ledger.Transaction
	appended    []ledger.TransactionID
	updated     map[ledger.TransactionID]bool
	idempotency map[string]ledger.TransactionID
	accounts    map[ledger.UserID]stagedAccount
}

func newView(m *Memory) *view {
	return &view{
		parent:      m,
		staged:      make(map[ledger.TransactionID]ledger.Transaction),
		updated:     make(map[ledger.TransactionID]bool),
		idempotency: make(map[string]ledger.TransactionID),
		accounts:    make(map[ledger.UserID]stagedAccount),
	}
}

func (v *view) Account(_ context.Context, userID ledger.UserID) (ledger.Account, error) {
	if sa, ok := v.accounts[userID]; ok {
		return sa.acct, nil
	}
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return v.parent.account(userID), nil
}

func (v *view) SaveAccount(ctx context.Context, acct ledger.Account, expectedVersion int64) error {
	current, err := v.Account(ctx, acct.UserID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: account %s at version %d, expected %d",
			ledger.ErrConcurrentModification, acct.UserID, current.Version, expectedVersion)
	}
	sa, ok := v.accounts[acct.UserID]
	if !ok {
		sa.base = expectedVersion
	}
	sa.acct = acct
	v.accounts[acct.UserID] = sa
	return nil
}

func (v *view) Append(ctx context.Context, tx ledger.Transaction) error {
	if tx.IdempotencyKey != "" {
		existing, err := v.ByIdempotencyKey(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	if _, err := v.Transaction(ctx, tx.ID); err == nil {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	v.staged[tx.ID] = tx.Clone()
	v.appended = append(v.appended, tx.ID)
	if tx.IdempotencyKey != "" {
		v.idempotency[tx.IdempotencyKey] = tx.ID
	}
	return nil
}

func (v *view) UpdateStatus(ctx context.Context, id ledger.TransactionID, to ledger.TransactionStatus, at time.Time) error {
	tx, err := v.Transaction(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != ledger.StatusPending {
		return &ledger.TransitionError{ID: id, From: tx.Status, To: to}
	}
	tx.Status = to
	tx.SettledAt = &at
	v.staged[id] = tx
	if !v.isAppended(id) {
		v.updated[id] = true
	}
	return nil
}

func (v *view) Transaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	if tx, ok := v.staged[id]; ok {
		return tx.Clone(), nil
	}
	return v.parent.Transaction(context.Background(), id)
}

func (v *view) ByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	id, ok := v.idempotency[key]
	if !ok {
		v.parent.mu.RLock()
		id, ok = v.parent.idempotency[key]
		v.parent.mu.RUnlock()
	}
	if !ok {
		return nil, nil
	}
	tx, err := v.Transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (v *view) DuePending(ctx context.Context, userID ledger.UserID, asOf time.Time) ([]ledger.Transaction, error) {
	txs, err := v.Transactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	var due []ledger.Transaction
	for _, tx := range txs {
		if tx.MaturedBy(asOf) {
			due = append(due, tx)
		}
	}
	return due, nil
}

func (v *view) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	v.parent.mu.RLock()
	txs := v.parent.userTransactions(userID)
	v.parent.mu.RUnlock()

	for i, tx := range txs {
		if staged, ok := v.staged[tx.ID]; ok {
			txs[i] = staged.Clone()
		}
	}
	for _, id := range v.appended {
		if tx := v.staged[id]; tx.UserID == userID {
			txs = append(txs, tx.Clone())
		}
	}
	return txs, nil
}

func (v *view) isAppended(id ledger.TransactionID) bool {
	for _, a := range v.appended {
		if a == id {
			return true
		}
	}
	return false
}
