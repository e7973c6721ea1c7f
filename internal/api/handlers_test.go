package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/mentorledger/internal/clock"
	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/idempotency"
	"github.com/punchamoorthee/mentorledger/internal/lockmgr"
	"github.com/punchamoorthee/mentorledger/internal/logging"
	"github.com/punchamoorthee/mentorledger/internal/models"
	"github.com/punchamoorthee/mentorledger/internal/processor"
	"github.com/punchamoorthee/mentorledger/internal/query"
	"github.com/punchamoorthee/mentorledger/internal/registry"
	"github.com/punchamoorthee/mentorledger/internal/service"
	"github.com/punchamoorthee/mentorledger/internal/store"
)

func newServer(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	log := logging.Discard()
	clk := clock.RealClock{}
	reg := registry.New(mem, "INR")
	p := processor.New(processor.Config{Currency: "INR", SettlementHold: time.Hour}, processor.Deps{
		Store:    mem,
		Registry: reg,
		Guard:    idempotency.NewGuard(mem, clk, idempotency.Options{LeaseTTL: time.Minute}, log, nil),
		Locks:    lockmgr.NewLocal(time.Second),
		Clock:    clk,
		Log:      log,
	})
	svc := service.NewWalletService(p, reg, query.New(mem))
	return NewRouter(NewHandler(svc, log))
}

func do(t *testing.T, h http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/wallets/stu/topups", "t1",
		models.TopupRequest{Amount: 5000, Gateway: "upi", GatewayID: "gw1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[models.OperationResponse](t, rec)
	assert.False(t, first.Replayed)
	require.Len(t, first.Transactions, 1)

	rec = do(t, srv, http.MethodPost, "/api/v1/wallets/stu/topups", "t1",
		models.TopupRequest{Amount: 5000, Gateway: "upi", GatewayID: "gw1"})
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decode[models.OperationResponse](t, rec)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.GroupID, replay.GroupID)

	rec = do(t, srv, http.MethodPost, "/api/v1/sessions/s1/reservations", "r1",
		models.HoldRequest{UserID: "stu", Amount: 2000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/v1/sessions/s1/completion", "c1",
		[]byte(`{"student_id":"stu","mentor_id":"men","total_amount":2000,"fee_percent":"0.125"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[models.OperationResponse](t, rec).Transactions, 3)

	rec = do(t, srv, http.MethodGet, "/api/v1/wallets/stu", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	w := decode[domain.Wallet](t, rec)
	assert.Equal(t, int64(3000), w.Available)
	assert.Equal(t, int64(0), w.Locked)

	rec = do(t, srv, http.MethodGet, "/api/v1/mentors/men/earnings", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1750), decode[domain.Wallet](t, rec).Locked)

	rec = do(t, srv, http.MethodPost, "/api/v1/sessions/s1/mentor-release", "m1",
		models.MentorReleaseRequest{MentorID: "men", Amount: 1750})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "settlement_hold", decode[models.ErrorResponse](t, rec).Reason)

	rec = do(t, srv, http.MethodGet, "/api/v1/sessions/s1/transactions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[models.HistoryResponse](t, rec).Transactions, 4)

	rec = do(t, srv, http.MethodGet, "/api/v1/ledger/conservation", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[registry.Conservation](t, rec).Balanced)
}

func TestMutationErrors(t *testing.T) {
	srv := newServer(t)
	rec := do(t, srv, http.MethodPost, "/api/v1/wallets/stu/topups", "t1",
		models.TopupRequest{Amount: 1000, Gateway: "upi", GatewayID: "gw1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	cases := []struct {
		name   string
		path   string
		key    string
		body   any
		status int
		reason string
	}{
		{"missing key", "/api/v1/sessions/s1/reservations", "", models.HoldRequest{UserID: "stu", Amount: 1}, http.StatusBadRequest, "invalid_request"},
		{"malformed json", "/api/v1/sessions/s1/reservations", "k1", []byte(`{"amount":`), http.StatusBadRequest, "invalid_request"},
		{"insufficient", "/api/v1/sessions/s1/reservations", "k2", models.HoldRequest{UserID: "stu", Amount: 5000}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"non positive", "/api/v1/sessions/s1/reservations", "k3", models.HoldRequest{UserID: "stu", Amount: 0}, http.StatusUnprocessableEntity, "invalid_amount"},
		{"unknown session", "/api/v1/sessions/nope/releases", "k4", models.HoldRequest{UserID: "stu", Amount: 10}, http.StatusNotFound, "unknown_session"},
		{"topup below min", "/api/v1/wallets/stu/topups", "k5", models.TopupRequest{Amount: 1, Gateway: "upi", GatewayID: "g"}, http.StatusUnprocessableEntity, "invalid_amount"},
		{"key mismatch", "/api/v1/wallets/stu/topups", "t1", models.TopupRequest{Amount: 2000, Gateway: "upi", GatewayID: "gw1"}, http.StatusUnprocessableEntity, "idempotency_mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, tc.path, tc.key, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.reason, decode[models.ErrorResponse](t, rec).Reason)
		})
	}
}

func TestHistoryQueryParams(t *testing.T) {
	srv := newServer(t)
	for i := 0; i < 3; i++ {
		rec := do(t, srv, http.MethodPost, "/api/v1/wallets/stu/topups", fmt.Sprintf("t%d", i),
			models.TopupRequest{Amount: 1000, Gateway: "upi", GatewayID: fmt.Sprintf("gw%d", i)})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, srv, http.MethodGet, "/api/v1/wallets/stu/transactions?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[models.HistoryResponse](t, rec)
	require.Len(t, page.Transactions, 2)
	require.NotZero(t, page.NextBefore)

	rec = do(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/wallets/stu/transactions?limit=2&before=%d", page.NextBefore), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[models.HistoryResponse](t, rec).Transactions, 1)

	for _, q := range []string{"limit=x", "before=y", "from=yesterday", "to=2026-13-01", "limit=-1"} {
		rec = do(t, srv, http.MethodGet, "/api/v1/wallets/stu/transactions?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHealthAndRouting(t *testing.T) {
	srv := newServer(t)
	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/v1/wallets/stu", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrConcurrentModification))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(domain.ErrSessionClosed))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(domain.ErrInvariantViolation))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.New("conn reset")))
	assert.Equal(t, http.StatusRequestEntityTooLarge,
		statusFor(fmt.Errorf("%w: %w", domain.ErrInvalidRequest, &http.MaxBytesError{Limit: 1})))
}
