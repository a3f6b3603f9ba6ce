/*
handlers_test.go - HTTP tests for the points API

Tests for:
- Earn, spend and balance round trips
- Error mapping (400/404/409/503) and error codes
- Idempotency-Key header replay
- History paging with cursors
- Admin adjustments, expirations, cancels, sweeps, verify and rebuild
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	router http.Handler
	engine *ledger.Engine
	clock  *fakeClock
}

func newTestServer(t *testing.T, opts ...ledger.Option) *testServer {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []ledger.Option{ledger.WithClock(clock), ledger.WithLogger(logger)}
	engine := ledger.NewEngine(store.NewMemory(), append(base, opts...)...)
	return &testServer{
		router: NewRouter(NewHandler(engine, logger)),
		engine: engine,
		clock:  clock,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v), rec.Body.String())
	return v
}

func (s *testServer) earn(t *testing.T, user string, body string) TransactionDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/users/"+user+"/points/earn", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TransactionDTO](t, rec)
}

func (s *testServer) balance(t *testing.T, user string) BalanceDTO {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/users/"+user+"/points", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[BalanceDTO](t, rec)
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

func TestEarnSpendBalance(t *testing.T) {
	// GIVEN: A user who earns 100 points from a stay
	s := newTestServer(t)
	tx := s.earn(t, "u1", `{"type":"earned_service","amount":100,"reservation_id":"r-1"}`)
	assert.Equal(t, "completed", tx.Status)
	assert.Equal(t, "credit", tx.Direction)
	assert.Equal(t, int64(100), tx.Amount)

	// WHEN: Spending 30 on a reservation
	rec := s.do(t, http.MethodPost, "/api/users/u1/points/spend",
		`{"amount":"30","reservation_id":"r-2","description":"Room upgrade"}`)

	// THEN: The debit is recorded and the balance reflects it
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	spent := decode[TransactionDTO](t, rec)
	assert.Equal(t, "used_service", spent.Type)
	assert.Equal(t, int64(-30), spent.Amount)
	assert.Equal(t, "debit", spent.Direction)

	b := s.balance(t, "u1")
	assert.Equal(t, "u1", b.UserID)
	assert.Equal(t, int64(70), b.Available)
	assert.Equal(t, int64(0), b.Pending)
}

func TestGetBalance_UnknownUserIsZero(t *testing.T) {
	s := newTestServer(t)

	b := s.balance(t, "nobody")

	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, int64(0), b.Pending)
}

func TestSpend_InsufficientBalance(t *testing.T) {
	// GIVEN: 50 available points
	s := newTestServer(t)
	s.earn(t, "u1", `{"type":"earned_service","amount":50,"reservation_id":"r-1"}`)

	// WHEN: Spending 80
	rec := s.do(t, http.MethodPost, "/api/users/u1/points/spend", `{"amount":80,"reservation_id":"r-2"}`)

	// THEN: 409 with both sides of the comparison, balance untouched
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[struct {
		Code    string           `json:"code"`
		Details map[string]int64 `json:"details"`
	}](t, rec)
	assert.Equal(t, "insufficient_balance", resp.Code)
	assert.Equal(t, int64(80), resp.Details["required"])
	assert.Equal(t, int64(50), resp.Details["available"])
	assert.Equal(t, int64(50), s.balance(t, "u1").Available)
}

func TestWriteEndpoints_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		code string
	}{
		{"fractional amount", "/api/users/u1/points/earn", `{"type":"earned_service","amount":1.5,"reservation_id":"r"}`, "invalid_amount"},
		{"zero amount", "/api/users/u1/points/earn", `{"type":"earned_service","amount":0,"reservation_id":"r"}`, "invalid_amount"},
		{"negative spend", "/api/users/u1/points/spend", `{"amount":-5,"reservation_id":"r"}`, "invalid_amount"},
		{"unknown type", "/api/users/u1/points/earn", `{"type":"cashback","amount":10}`, "unknown_type"},
		{"spend type via earn", "/api/users/u1/points/earn", `{"type":"used_service","amount":10}`, "unknown_type"},
		{"spend without reservation", "/api/users/u1/points/spend", `{"amount":10}`, "reservation_required"},
		{"adjustment without reason", "/api/admin/points/adjustments", `{"admin_id":"a1","user_id":"u1","amount":10,"direction":"add","reason":"  "}`, "missing_reason"},
		{"adjustment bad direction", "/api/admin/points/adjustments", `{"admin_id":"a1","user_id":"u1","amount":10,"direction":"sideways","reason":"x"}`, "invalid_direction"},
		{"adjustment without admin", "/api/admin/points/adjustments", `{"user_id":"u1","amount":10,"direction":"add","reason":"x"}`, "missing_user"},
		{"expiration without user", "/api/admin/points/expirations", `{"amount":10,"reason":"x"}`, "missing_user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			rec := s.do(t, http.MethodPost, tt.path, tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestWriteEndpoints_MalformedBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/users/u1/points/earn", `{"type":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decode[ErrorResponse](t, rec).Error)
}

func TestEarn_HoldOverride(t *testing.T) {
	// GIVEN: A referral with an explicit one hour hold
	s := newTestServer(t)
	tx := s.earn(t, "u1", `{"type":"earned_referral","amount":40,"related_user_id":"u2","hold":"1h"}`)

	// THEN: The credit is pending until one hour from now
	assert.Equal(t, "pending", tx.Status)
	require.NotNil(t, tx.MaturesAt)
	assert.Equal(t, "2025-06-02T13:00:00Z", *tx.MaturesAt)
	b := s.balance(t, "u1")
	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, int64(40), b.Pending)

	// WHEN: The hold elapses, without any sweep
	s.clock.Advance(time.Hour)

	// THEN: The credit is spendable
	b = s.balance(t, "u1")
	assert.Equal(t, int64(40), b.Available)
	assert.Equal(t, int64(0), b.Pending)
}

func TestEarn_InvalidHold(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/users/u1/points/earn",
		`{"type":"earned_referral","amount":40,"hold":"a week"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEarn_IdempotencyKeyHeader(t *testing.T) {
	// GIVEN: An earn retried by the client with the same Idempotency-Key
	s := newTestServer(t)
	body := `{"type":"earned_service","amount":25,"reservation_id":"r-9"}`

	first := s.do(t, http.MethodPost, "/api/users/u1/points/earn", body, "Idempotency-Key", "stay-r-9")
	second := s.do(t, http.MethodPost, "/api/users/u1/points/earn", body, "Idempotency-Key", "stay-r-9")

	// THEN: Both calls return the same transaction and points are credited once
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	a, b := decode[TransactionDTO](t, first), decode[TransactionDTO](t, second)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "stay-r-9", a.IdempotencyKey)
	assert.Equal(t, int64(25), s.balance(t, "u1").Available)
}

func TestSpend_IdempotencyKeyReusedByOtherUser(t *testing.T) {
	s := newTestServer(t)
	s.earn(t, "u1", `{"type":"earned_service","amount":50,"reservation_id":"r-1"}`)
	s.earn(t, "u2", `{"type":"earned_service","amount":50,"reservation_id":"r-1"}`)

	rec := s.do(t, http.MethodPost, "/api/users/u1/points/spend", `{"amount":10,"reservation_id":"r-2","idempotency_key":"k"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/users/u2/points/spend", `{"amount":10,"reservation_id":"r-2","idempotency_key":"k"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_idempotency_key", decode[ErrorResponse](t, rec).Code)
	assert.Equal(t, int64(50), s.balance(t, "u2").Available)
}

func TestGetBalanceAsOf(t *testing.T) {
	// GIVEN: 100 earned, then 40 spent an hour later
	s := newTestServer(t)
	s.earn(t, "u1", `{"type":"earned_service","amount":100,"reservation_id":"r-1"}`)
	s.clock.Advance(time.Hour)
	rec := s.do(t, http.MethodPost, "/api/users/u1/points/spend", `{"amount":40,"reservation_id":"r-2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Asking for the balance half an hour after the earn
	rec = s.do(t, http.MethodGet, "/api/users/u1/points/as-of?at=2025-06-02T12:30:00Z", "")

	// THEN: The spend is not yet visible
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(100), decode[BalanceDTO](t, rec).Available)

	rec = s.do(t, http.MethodGet, "/api/users/u1/points/as-of?at=2025-06-02T13:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(60), decode[BalanceDTO](t, rec).Available)
}

func TestGetBalanceAsOf_BadTimestamp(t *testing.T) {
	s := newTestServer(t)

	for _, q := range []string{"", "?at=yesterday"} {
		rec := s.do(t, http.MethodGet, "/api/users/u1/points/as-of"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetHistory_CursorPaging(t *testing.T) {
	// GIVEN: Five earns, one minute apart
	s := newTestServer(t)
	for i := 0; i < 5; i++ {
		s.earn(t, "u1", `{"type":"earned_service","amount":10,"reservation_id":"r"}`)
		s.clock.Advance(time.Minute)
	}

	// WHEN: Reading two at a time with the returned cursor
	var seen []string
	path := "/api/users/u1/points/history?limit=2"
	for page := 0; page < 3; page++ {
		rec := s.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		h := decode[HistoryDTO](t, rec)
		if page == 0 {
			assert.Equal(t, 5, h.TotalCount)
		}
		for _, item := range h.Items {
			seen = append(seen, item.ID)
		}
		if h.NextCursor == "" {
			break
		}
		// A new earn between pages must not shift the cursor
		if page == 0 {
			s.earn(t, "u1", `{"type":"earned_service","amount":10,"reservation_id":"late"}`)
		}
		path = "/api/users/u1/points/history?limit=2&cursor=" + h.NextCursor
	}

	// THEN: The five original rows appear exactly once
	assert.Len(t, seen, 5)
	unique := make(map[string]bool)
	for _, id := range seen {
		unique[id] = true
	}
	assert.Len(t, unique, 5)
}

func TestGetHistory_Filters(t *testing.T) {
	s := newTestServer(t)
	s.earn(t, "u1", `{"type":"earned_service","amount":100,"reservation_id":"r-1"}`)
	s.earn(t, "u1", `{"type":"earned_referral","amount":20,"related_user_id":"u2"}`)
	rec := s.do(t, http.MethodPost, "/api/users/u1/points/spend", `{"amount":10,"reservation_id":"r-2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/users/u1/points/history?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[HistoryDTO](t, rec)
	require.Len(t, h.Items, 1)
	assert.Equal(t, "earned_referral", h.Items[0].Type)

	rec = s.do(t, http.MethodGet, "/api/users/u1/points/history?type=used_service", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h = decode[HistoryDTO](t, rec)
	require.Len(t, h.Items, 1)
	assert.Equal(t, int64(-10), h.Items[0].Amount)

	for _, q := range []string{"type=cashback", "status=frozen", "limit=ten", "cursor=!!", "from=monday"} {
		rec = s.do(t, http.MethodGet, "/api/users/u1/points/history?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func TestCreateAdjustment(t *testing.T) {
	// GIVEN: A user with 30 points
	s := newTestServer(t)
	s.earn(t, "u1", `{"type":"earned_service","amount":30,"reservation_id":"r-1"}`)

	// WHEN: An admin subtracts 20
	rec := s.do(t, http.MethodPost, "/api/admin/points/adjustments",
		`{"admin_id":"admin-7","user_id":"u1","amount":20,"direction":"subtract","reason":"Duplicate stay credit"}`)

	// THEN: The adjustment carries its audit metadata
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "adjusted", tx.Type)
	assert.Equal(t, int64(-20), tx.Amount)
	assert.Equal(t, "admin-7", tx.Metadata[ledger.MetaAdjustedBy])
	assert.Equal(t, "30", tx.Metadata[ledger.MetaPreviousBalance])
	assert.Equal(t, "10", tx.Metadata[ledger.MetaNewBalance])
	assert.Equal(t, int64(10), s.balance(t, "u1").Available)

	// AND: Subtracting more than is available is rejected
	rec = s.do(t, http.MethodPost, "/api/admin/points/adjustments",
		`{"admin_id":"admin-7","user_id":"u1","amount":11,"direction":"subtract","reason":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateExpiration_Clamps(t *testing.T) {
	s := newTestServer(t)
	s.earn(t, "u1", `{"type":"earned_service","amount":30,"reservation_id":"r-1"}`)

	rec := s.do(t, http.MethodPost, "/api/admin/points/expirations",
		`{"user_id":"u1","amount":50,"reason":"12 months inactive"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "expired", tx.Type)
	assert.Equal(t, int64(-30), tx.Amount)
	assert.Equal(t, int64(0), s.balance(t, "u1").Available)
}

func TestCancelTransaction(t *testing.T) {
	// GIVEN: A held referral credit
	s := newTestServer(t)
	pending := s.earn(t, "u1", `{"type":"earned_referral","amount":40,"related_user_id":"u2"}`)
	require.Equal(t, "pending", pending.Status)

	// WHEN: Cancelling it
	rec := s.do(t, http.MethodPost, "/api/admin/points/transactions/"+pending.ID+"/cancel",
		`{"reason":"referred user charged back"}`)

	// THEN: It is cancelled and never reaches available
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[TransactionDTO](t, rec).Status)
	s.clock.Advance(8 * 24 * time.Hour)
	b := s.balance(t, "u1")
	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, int64(0), b.Pending)

	// AND: A second cancel is an invalid transition
	rec = s.do(t, http.MethodPost, "/api/admin/points/transactions/"+pending.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Code)
}

func TestCancelTransaction_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/admin/points/transactions/missing/cancel", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestTriggerSweep(t *testing.T) {
	// GIVEN: Two held referrals on different accounts whose hold has elapsed
	s := newTestServer(t)
	s.earn(t, "u1", `{"type":"earned_referral","amount":40,"related_user_id":"u9"}`)
	s.earn(t, "u2", `{"type":"influencer_bonus","amount":60}`)
	s.clock.Advance(7 * 24 * time.Hour)

	// WHEN: Triggering a sweep
	rec := s.do(t, http.MethodPost, "/api/admin/points/sweep?batch_size=1", "")

	// THEN: Both are promoted
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[SweepResultDTO](t, rec)
	assert.Equal(t, 2, res.Accounts)
	assert.Equal(t, 2, res.Promoted)
	assert.Equal(t, 0, res.Failed)

	rec = s.do(t, http.MethodGet, "/api/users/u2/points/history?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[HistoryDTO](t, rec).Items, 1)

	rec = s.do(t, http.MethodPost, "/api/admin/points/sweep?batch_size=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyAndRebuild(t *testing.T) {
	s := newTestServer(t)
	s.earn(t, "u1", `{"type":"earned_service","amount":70,"reservation_id":"r-1"}`)
	s.earn(t, "u1", `{"type":"earned_referral","amount":5}`)

	rec := s.do(t, http.MethodGet, "/api/admin/points/users/u1/verify", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[VerifyDTO](t, rec)
	assert.True(t, v.Consistent)
	assert.Nil(t, v.Materialized)

	rec = s.do(t, http.MethodPost, "/api/admin/points/users/u1/rebuild", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acct := decode[AccountDTO](t, rec)
	assert.Equal(t, int64(70), acct.Available)
	assert.Equal(t, int64(5), acct.Pending)
}

// =============================================================================
// BUSY LEDGER
// =============================================================================

type busyLocker struct{}

func (busyLocker) Lock(ctx context.Context, userID ledger.UserID) (func(), error) {
	return nil, ledger.ErrLedgerBusy
}

func TestWriteEndpoints_BusyLedger(t *testing.T) {
	// GIVEN: A ledger whose account lock can never be acquired
	cfg := ledger.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = time.Millisecond
	s := newTestServer(t, ledger.WithConfig(cfg), ledger.WithLocker(busyLocker{}))

	// WHEN: Earning
	rec := s.do(t, http.MethodPost, "/api/users/u1/points/earn",
		`{"type":"earned_service","amount":10,"reservation_id":"r-1"}`)

	// THEN: 503 with Retry-After, and nothing was written
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "ledger_busy", decode[ErrorResponse](t, rec).Code)
	assert.Equal(t, int64(0), s.balance(t, "u1").Available)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}
