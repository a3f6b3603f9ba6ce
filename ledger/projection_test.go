package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, time.January, 10, 8, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func TestReplay_PointInTimeRules(t *testing.T) {
	txs := []Transaction{
		{ID: "1", Amount: 100, Status: StatusCompleted, CreatedAt: base, SettledAt: at(0)},
		{ID: "2", Amount: 40, Status: StatusPending, CreatedAt: base.Add(time.Hour), MaturesAt: at(48 * time.Hour)},
		{ID: "3", Amount: 60, Status: StatusCompleted, CreatedAt: base.Add(2 * time.Hour), MaturesAt: at(24 * time.Hour), SettledAt: at(30 * time.Hour)},
		{ID: "4", Amount: 25, Status: StatusCancelled, CreatedAt: base.Add(3 * time.Hour), MaturesAt: at(72 * time.Hour), SettledAt: at(5 * time.Hour)},
		{ID: "5", Amount: -30, Status: StatusCompleted, CreatedAt: base.Add(4 * time.Hour), SettledAt: at(4 * time.Hour)},
	}

	tests := []struct {
		name      string
		asOf      time.Duration
		available int64
		pending   int64
	}{
		{"start", 0, 100, 0},
		{"two holds open", 3 * time.Hour, 100, 125},
		{"after spend", 4 * time.Hour, 70, 125},
		{"cancelled", 6 * time.Hour, 70, 100},
		{"first hold elapsed, sweep not run", 25 * time.Hour, 130, 40},
		{"all elapsed", 49 * time.Hour, 170, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Replay("u", txs, base.Add(tt.asOf))
			assert.Equal(t, tt.available, b.Available)
			assert.Equal(t, tt.pending, b.Pending)
		})
	}
}

func TestObserve_MatchesReplay(t *testing.T) {
	// GIVEN: A projection with one matured and one open hold
	// WHEN: Observing at now
	// THEN: The lazy fold equals a full replay at now

	txs := []Transaction{
		{ID: "1", Amount: 100, Status: StatusCompleted, CreatedAt: base, SettledAt: at(0)},
		{ID: "2", Amount: 40, Status: StatusPending, CreatedAt: base, MaturesAt: at(time.Hour)},
		{ID: "3", Amount: 15, Status: StatusPending, CreatedAt: base, MaturesAt: at(10 * time.Hour)},
	}
	acct := Materialize("u", txs)
	assert.Equal(t, int64(100), acct.Available)
	assert.Equal(t, int64(55), acct.Pending)

	now := base.Add(2 * time.Hour)
	observed := Observe(AccountState{Account: acct, Pending: txs[1:]}, now)
	replayed := Replay("u", txs, now)
	assert.Equal(t, replayed.Available, observed.Available)
	assert.Equal(t, replayed.Pending, observed.Pending)
}

func TestApplyAppend_RejectsNegativeAvailable(t *testing.T) {
	acct := Account{UserID: "u", Available: 10}
	err := applyAppend(&acct, Transaction{ID: "x", Amount: -11, Status: StatusCompleted})
	assert.ErrorIs(t, err, ErrInconsistentProjection)

	err = applyAppend(&acct, Transaction{ID: "y", Amount: -5, Status: StatusPending})
	assert.ErrorIs(t, err, ErrInconsistentProjection)
}

func TestApplyTransition(t *testing.T) {
	acct := Account{UserID: "u", Pending: 40}
	pending := Transaction{ID: "p", Amount: 40, Status: StatusPending}

	require.NoError(t, applyTransition(&acct, pending, StatusCompleted))
	assert.Equal(t, int64(40), acct.Available)
	assert.Equal(t, int64(0), acct.Pending)

	done := pending
	done.Status = StatusCompleted
	var transition *TransitionError
	assert.ErrorAs(t, applyTransition(&acct, done, StatusCancelled), &transition)
}

func TestCursor_EncodeDecode(t *testing.T) {
	c := Cursor{CreatedAt: base.Add(123 * time.Nanosecond), ID: "0190-abc"}
	decoded, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, decoded.CreatedAt.Equal(c.CreatedAt))
	assert.Equal(t, c.ID, decoded.ID)

	_, err = DecodeCursor("%%%")
	assert.Error(t, err)
	_, err = DecodeCursor("bm9waXBl")
	assert.Error(t, err)

	older := Transaction{ID: "0190-aaa", CreatedAt: c.CreatedAt}
	newer := Transaction{ID: "0190-zzz", CreatedAt: c.CreatedAt}
	assert.True(t, c.After(older))
	assert.False(t, c.After(newer))
}
