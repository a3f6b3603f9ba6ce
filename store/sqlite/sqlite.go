/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists the points transaction log and the per-account balance projection
  in one database so both are always written in the same SQL transaction.
  In production the same patterns apply to PostgreSQL with minor dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  - point_transactions rows are only INSERTed
  - the single UPDATE moves status out of 'pending' (guarded in the WHERE)
  - no DELETE anywhere

KEY TABLES:
  point_transactions: Immutable ledger of all point changes
  point_accounts:     Materialized available/pending balance per user

INDEXES:
  - idx_point_tx_user_created: History paging and replay (hot path)
  - idx_point_tx_due:          Maturation sweep lookups
  - UNIQUE idempotency_key:    Duplicate request detection

CONCURRENCY:
  No process-wide mutex. Writers open BEGIN IMMEDIATE transactions
  (_txlock=immediate) and wait up to _busy_timeout for the write lock;
  a busy database surfaces as ledger.ErrLedgerBusy and is retried by the
  engine. The account row carries a version for optimistic checks.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers never block the writer and see a consistent snapshot
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewWithDB wraps an already opened database. The schema is not migrated.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS point_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		matures_at INTEGER,
		settled_at INTEGER,
		reservation_id TEXT,
		related_user_id TEXT,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);

	-- History paging, newest first, and replay per user
	CREATE INDEX IF NOT EXISTS idx_point_tx_user_created
		ON point_transactions(user_id, created_at DESC, id DESC);

	-- Maturation sweep
	CREATE INDEX IF NOT EXISTS idx_point_tx_due
		ON point_transactions(status, matures_at) WHERE status = 'pending';

	CREATE INDEX IF NOT EXISTS idx_point_tx_reservation
		ON point_transactions(reservation_id) WHERE reservation_id IS NOT NULL;

	-- Balance projection
	CREATE TABLE IF NOT EXISTS point_accounts (
		user_id TEXT PRIMARY KEY,
		available INTEGER NOT NULL CHECK (available >= 0),
		pending INTEGER NOT NULL CHECK (pending >= 0),
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Account(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	acct := ledger.Account{UserID: userID}
	var updatedAt int64
	err := ts.tx.QueryRowContext(ctx,
		"SELECT available, pending, version, updated_at FROM point_accounts WHERE user_id = ?",
		userID,
	).Scan(&acct.Available, &acct.Pending, &acct.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return acct, nil
	}
	if err != nil {
		return acct, mapError(fmt.Errorf("failed to read account: %w", err))
	}
	acct.UpdatedAt = fromNanos(updatedAt)
	return acct, nil
}

func (ts *txStore) SaveAccount(ctx context.Context, acct ledger.Account, expectedVersion int64) error {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = ts.tx.ExecContext(ctx, `
			INSERT INTO point_accounts (user_id, available, pending, version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			acct.UserID, acct.Available, acct.Pending, acct.Version, acct.UpdatedAt.UnixNano(),
		)
	} else {
		res, err = ts.tx.ExecContext(ctx, `
			UPDATE point_accounts
			SET available = ?, pending = ?, version = ?, updated_at = ?
			WHERE user_id = ? AND version = ?`,
			acct.Available, acct.Pending, acct.Version, acct.UpdatedAt.UnixNano(),
			acct.UserID, expectedVersion,
		)
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to save account: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: account %s not at version %d",
			ledger.ErrConcurrentModification, acct.UserID, expectedVersion)
	}
	return nil
}

func (ts *txStore) Append(ctx context.Context, tx ledger.Transaction) error {
	return appendTx(ctx, ts.tx, tx)
}

func appendTx(ctx context.Context, db querier, tx ledger.Transaction) error {
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO point_transactions
		(id, user_id, tx_type, amount, status, matures_at, settled_at,
		 reservation_id, related_user_id, description, idempotency_key, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Type,
		tx.Amount,
		tx.Status,
		nullNanos(tx.MaturesAt),
		nullNanos(tx.SettledAt),
		nullString(tx.ReservationID),
		nullString(tx.RelatedUserID),
		nullString(tx.Description),
		nullString(tx.IdempotencyKey),
		metadataJSON,
		tx.CreatedAt.UnixNano(),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

func (ts *txStore) UpdateStatus(ctx context.Context, id ledger.TransactionID, to ledger.TransactionStatus, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE point_transactions SET status = ?, settled_at = ? WHERE id = ? AND status = 'pending'",
		to, at.UnixNano(), id,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update status: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if n == 1 {
		return nil
	}

	cur, err := ts.Transaction(ctx, id)
	if err != nil {
		return err
	}
	return &ledger.TransitionError{ID: id, From: cur.Status, To: to}
}

func (ts *txStore) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) ByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, ts.tx,
		"SELECT "+txColumns+" FROM point_transactions WHERE idempotency_key = ?", key)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (ts *txStore) DuePending(ctx context.Context, userID ledger.UserID, asOf time.Time) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, ts.tx, `
		SELECT `+txColumns+` FROM point_transactions
		WHERE user_id = ? AND status = 'pending' AND matures_at IS NOT NULL AND matures_at <= ?
		ORDER BY seq ASC`,
		userID, asOf.UnixNano())
}

func (ts *txStore) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return userTransactions(ctx, ts.tx, userID)
}

// =============================================================================
// READS (ledger.Store)
// =============================================================================

// AccountState reads the projection and its pending rows with one statement,
// so both come from the same snapshot.
func (s *Store) AccountState(ctx context.Context, userID ledger.UserID) (ledger.AccountState, error) {
	query := `
		SELECT COALESCE(a.available, 0), COALESCE(a.pending, 0),
		       COALESCE(a.version, 0), COALESCE(a.updated_at, 0),
		       t.id, t.user_id, t.tx_type, t.amount, t.status, t.matures_at, t.settled_at,
		       t.reservation_id, t.related_user_id, t.description, t.idempotency_key,
		       t.metadata_json, t.created_at
		FROM (SELECT ? AS user_id) AS u
		LEFT JOIN point_accounts AS a ON a.user_id = u.user_id
		LEFT JOIN point_transactions AS t ON t.user_id = u.user_id AND t.status = 'pending'
		ORDER BY t.seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return ledger.AccountState{}, mapError(fmt.Errorf("failed to query account state: %w", err))
	}
	defer rows.Close()

	state := ledger.AccountState{Account: ledger.Account{UserID: userID}}
	for rows.Next() {
		var (
			row       txRow
			updatedAt int64
		)
		dest := append([]any{
			&state.Account.Available, &state.Account.Pending, &state.Account.Version, &updatedAt,
		}, row.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return ledger.AccountState{}, fmt.Errorf("failed to scan account state: %w", err)
		}
		if updatedAt != 0 {
			state.Account.UpdatedAt = fromNanos(updatedAt)
		}
		if tx, ok, err := row.transaction(); err != nil {
			return ledger.AccountState{}, err
		} else if ok {
			state.Pending = append(state.Pending, tx)
		}
	}
	return state, rows.Err()
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return userTransactions(ctx, s.db, userID)
}

func (s *Store) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

func (s *Store) History(ctx context.Context, q ledger.HistoryQuery) ([]ledger.Transaction, int, error) {
	where, args := historyWhere(q)

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM point_transactions WHERE "+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, mapError(fmt.Errorf("failed to count history: %w", err))
	}

	pageWhere, pageArgs := where, args
	if q.Cursor != nil {
		c := q.Cursor.CreatedAt.UnixNano()
		pageWhere += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		pageArgs = append(append([]any{}, args...), c, c, q.Cursor.ID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	pageArgs = append(pageArgs, limit, q.Offset())

	items, err := queryTransactions(ctx, s.db, `
		SELECT `+txColumns+` FROM point_transactions
		WHERE `+pageWhere+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []ledger.Transaction{}
	}
	return items, total, nil
}

// historyWhere mirrors ledger.HistoryFilter.Matches in SQL.
func historyWhere(q ledger.HistoryQuery) (string, []any) {
	clauses := []string{"user_id = ?"}
	args := []any{q.UserID}
	asOf := q.AsOf.UnixNano()

	f := q.Filter
	if f.Type != nil {
		clauses = append(clauses, "tx_type = ?")
		args = append(args, *f.Type)
	}
	if f.Status != nil {
		switch *f.Status {
		case ledger.StatusCompleted:
			clauses = append(clauses, "(status = 'completed' OR (status = 'pending' AND matures_at IS NOT NULL AND matures_at <= ?))")
			args = append(args, asOf)
		case ledger.StatusPending:
			clauses = append(clauses, "(status = 'pending' AND (matures_at IS NULL OR matures_at > ?))")
			args = append(args, asOf)
		default:
			clauses = append(clauses, "status = ?")
			args = append(args, *f.Status)
		}
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.To.UnixNano())
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) DueAccounts(ctx context.Context, asOf time.Time, limit int) ([]ledger.UserID, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM point_transactions
		WHERE status = 'pending' AND matures_at IS NOT NULL AND matures_at <= ?
		ORDER BY user_id
		LIMIT ?`, asOf.UnixNano(), limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query due accounts: %w", err))
	}
	defer rows.Close()

	var users []ledger.UserID
	for rows.Next() {
		var u ledger.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// ROW MAPPING
// =============================================================================

const txColumns = `id, user_id, tx_type, amount, status, matures_at, settled_at,
	reservation_id, related_user_id, description, idempotency_key, metadata_json, created_at`

func getTransaction(ctx context.Context, db querier, id ledger.TransactionID) (ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, db,
		"SELECT "+txColumns+" FROM point_transactions WHERE id = ?", id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	return txs[0], nil
}

func userTransactions(ctx context.Context, db querier, userID ledger.UserID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, db,
		"SELECT "+txColumns+" FROM point_transactions WHERE user_id = ? ORDER BY seq ASC", userID)
}

func queryTransactions(ctx context.Context, db querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var row txRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx, ok, err := row.transaction()
		if err != nil {
			return nil, err
		}
		if ok {
			txs = append(txs, tx)
		}
	}
	return txs, rows.Err()
}

// txRow scans point_transactions columns. Every field is nullable so the
// same row works on the outer side of a LEFT JOIN.
type txRow struct {
	id, userID, txType, status              sql.NullString
	amount, maturesAt, settledAt, createdAt sql.NullInt64
	reservationID, relatedUserID            sql.NullString
	description, idempotencyKey, metadata   sql.NullString
}

func (r *txRow) dest() []any {
	return []any{
		&r.id, &r.userID, &r.txType, &r.amount, &r.status, &r.maturesAt, &r.settledAt,
		&r.reservationID, &r.relatedUserID, &r.description, &r.idempotencyKey,
		&r.metadata, &r.createdAt,
	}
}

func (r *txRow) transaction() (ledger.Transaction, bool, error) {
	if !r.id.Valid {
		return ledger.Transaction{}, false, nil
	}
	tx := ledger.Transaction{
		ID:             ledger.TransactionID(r.id.String),
		UserID:         ledger.UserID(r.userID.String),
		Type:           ledger.TransactionType(r.txType.String),
		Amount:         r.amount.Int64,
		Status:         ledger.TransactionStatus(r.status.String),
		MaturesAt:      timePtr(r.maturesAt),
		SettledAt:      timePtr(r.settledAt),
		ReservationID:  r.reservationID.String,
		RelatedUserID:  r.relatedUserID.String,
		Description:    r.description.String,
		IdempotencyKey: r.idempotencyKey.String,
		CreatedAt:      fromNanos(r.createdAt.Int64),
	}
	if r.metadata.Valid && r.metadata.String != "" {
		if err := json.Unmarshal([]byte(r.metadata.String), &tx.Metadata); err != nil {
			return tx, false, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
		}
	}
	return tx, true, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// mapError translates driver errors into ledger sentinels.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", ledger.ErrLedgerBusy, err)
	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(err.Error(), "idempotency_key") {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	return err
}
