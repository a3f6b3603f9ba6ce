package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Cursor is a keyset position in newest-first history order.
type Cursor struct {
	CreatedAt time.Time
	ID        TransactionID
}

func CursorOf(tx Transaction) Cursor {
	return Cursor{CreatedAt: tx.CreatedAt, ID: tx.ID}
}

func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + string(c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid cursor: malformed")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: TransactionID(id)}, nil
}

// After reports whether tx comes after the cursor in newest-first order.
func (c Cursor) After(tx Transaction) bool {
	if tx.CreatedAt.Equal(c.CreatedAt) {
		return tx.ID < c.ID
	}
	return tx.CreatedAt.Before(c.CreatedAt)
}

// HistoryPage is one page of GetHistory.
type HistoryPage struct {
	Items      []Transaction
	TotalCount int
	Page       int
	Limit      int
	NextCursor string
}

// SortNewestFirst orders by (CreatedAt, ID) descending.
func SortNewestFirst(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID > txs[j].ID
		}
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}

// SortCommitOrder orders by (CreatedAt, ID) ascending.
func SortCommitOrder(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}

// Matches applies the filter as observed at asOf.
func (f HistoryFilter) Matches(tx Transaction, asOf time.Time) bool {
	if f.Type != nil && tx.Type != *f.Type {
		return false
	}
	if f.Status != nil && tx.EffectiveStatus(asOf) != *f.Status {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// GetHistory returns a page of a user's transactions, newest first. Pending
// transactions whose hold has elapsed are reported as completed.
func (e *Engine) GetHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	ctx, span := e.startSpan(ctx, "Ledger.GetHistory", q.UserID)
	defer span.End()

	if q.UserID == "" {
		return HistoryPage{}, ErrMissingUser
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	q.AsOf = e.clock.Now()

	items, total, err := e.store.History(ctx, q)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("load history: %w", err)
	}
	for i := range items {
		items[i].Status = items[i].EffectiveStatus(q.AsOf)
	}

	page := HistoryPage{Items: items, TotalCount: total, Page: q.Page, Limit: q.Limit}
	if len(items) == q.Limit {
		page.NextCursor = CursorOf(items[len(items)-1]).Encode()
	}
	return page, nil
}
