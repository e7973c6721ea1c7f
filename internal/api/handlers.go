package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/mentorledger/internal/domain"
	"github.com/punchamoorthee/mentorledger/internal/models"
	"github.com/punchamoorthee/mentorledger/internal/processor"
	"github.com/punchamoorthee/mentorledger/internal/service"
)

const maxBodyBytes = 64 << 10

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

var errMissingKey = fmt.Errorf("%w: missing Idempotency-Key header", domain.ErrInvalidRequest)

type Handler struct {
	svc *service.WalletService
	log logrus.FieldLogger
}

func NewHandler(svc *service.WalletService, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, log: log.WithField("component", "api")}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Halted(); err != nil {
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "error": err.Error()})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) TopupHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets/{userId}/topups"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var body models.TopupRequest
	key, err := decodeMutation(w, r, &body)
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	res, err := h.svc.Topup(r.Context(), processor.TopupRequest{
		UserID:         mux.Vars(r)["userId"],
		Amount:         body.Amount,
		Currency:       body.Currency,
		Gateway:        body.Gateway,
		GatewayID:      body.GatewayID,
		IdempotencyKey: key,
	})
	h.respondResult(w, r, endpoint, res, err)
}

func (h *Handler) ReserveHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/sessions/{sessionId}/reservations"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var body models.HoldRequest
	key, err := decodeMutation(w, r, &body)
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	res, err := h.svc.Reserve(r.Context(), processor.ReserveRequest{
		UserID:         body.UserID,
		SessionID:      mux.Vars(r)["sessionId"],
		Amount:         body.Amount,
		Currency:       body.Currency,
		IdempotencyKey: key,
	})
	h.respondResult(w, r, endpoint, res, err)
}

func (h *Handler) ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/sessions/{sessionId}/releases"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var body models.HoldRequest
	key, err := decodeMutation(w, r, &body)
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	res, err := h.svc.Release(r.Context(), processor.ReleaseRequest{
		UserID:         body.UserID,
		SessionID:      mux.Vars(r)["sessionId"],
		Amount:         body.Amount,
		Currency:       body.Currency,
		IdempotencyKey: key,
	})
	h.respondResult(w, r, endpoint, res, err)
}

func (h *Handler) CompleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/sessions/{sessionId}/completion"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var body models.CompletionRequest
	key, err := decodeMutation(w, r, &body)
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	res, err := h.svc.CompleteSession(r.Context(), processor.CompleteSessionRequest{
		SessionID:      mux.Vars(r)["sessionId"],
		StudentID:      body.StudentID,
		MentorID:       body.MentorID,
		TotalAmount:    body.TotalAmount,
		Currency:       body.Currency,
		FeePercent:     body.FeePercent,
		IdempotencyKey: key,
	})
	h.respondResult(w, r, endpoint, res, err)
}

func (h *Handler) MentorReleaseHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/sessions/{sessionId}/mentor-release"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var body models.MentorReleaseRequest
	key, err := decodeMutation(w, r, &body)
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	res, err := h.svc.ReleaseMentorEarnings(r.Context(), processor.MentorReleaseRequest{
		MentorID:       body.MentorID,
		SessionID:      mux.Vars(r)["sessionId"],
		Amount:         body.Amount,
		Currency:       body.Currency,
		IdempotencyKey: key,
	})
	h.respondResult(w, r, endpoint, res, err)
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets/{userId}"
	wallet, err := h.svc.GetWallet(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, wallet)
}

func (h *Handler) GetMentorEarningsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/mentors/{mentorId}/earnings"
	wallet, err := h.svc.GetMentorEarnings(r.Context(), mux.Vars(r)["mentorId"])
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, wallet)
}

func (h *Handler) GetWalletTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets/{userId}/transactions"
	filter, err := historyFilter(r)
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	filter.UserID = mux.Vars(r)["userId"]
	page, err := h.svc.GetHistory(r.Context(), filter)
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, models.HistoryResponse{Transactions: page.Transactions, NextBefore: page.NextBefore})
}

func (h *Handler) GetSessionTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/sessions/{sessionId}/transactions"
	legs, err := h.svc.SessionTransactions(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, models.HistoryResponse{Transactions: legs})
}

func (h *Handler) ConservationHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/ledger/conservation"
	c, err := h.svc.Conservation(r.Context())
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, c)
}

// decodeMutation checks the Idempotency-Key header and decodes the JSON body.
func decodeMutation(w http.ResponseWriter, r *http.Request, dst any) (string, error) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return "", errMissingKey
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", domain.ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return "", fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidRequest)
	}
	return key, nil
}

func historyFilter(r *http.Request) (domain.HistoryFilter, error) {
	q := r.URL.Query()
	var f domain.HistoryFilter
	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("%w: from must be RFC3339", domain.ErrInvalidRequest)
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("%w: to must be RFC3339", domain.ErrInvalidRequest)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidRequest)
		}
	}
	if v := q.Get("before"); v != "" {
		if f.Before, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, fmt.Errorf("%w: before must be an integer", domain.ErrInvalidRequest)
		}
	}
	return f, nil
}

func (h *Handler) respondResult(w http.ResponseWriter, r *http.Request, endpoint string, res processor.Result, err error) {
	if err != nil {
		h.fail(w, r, endpoint, err)
		return
	}
	resp := models.OperationResponse{Replayed: res.Replayed, Transactions: res.Transactions}
	if len(res.Transactions) > 0 {
		resp.GroupID = res.Transactions[0].GroupID
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, resp)
}

func (h *Handler) ok(w http.ResponseWriter, r *http.Request, endpoint string, payload any) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, payload)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	code := statusFor(err)
	reason, retriable := service.FailureReason(err)
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()

	entry := h.log.WithError(err).WithFields(logrus.Fields{
		"method":          r.Method,
		"endpoint":        endpoint,
		"status":          code,
		"idempotency_key": r.Header.Get("Idempotency-Key"),
	})
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	respondWithJSON(w, code, models.ErrorResponse{Error: err.Error(), Reason: reason, Retriable: retriable})
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindUnknownSession:
		return http.StatusNotFound
	case domain.KindConcurrentModification:
		return http.StatusConflict
	case domain.KindInsufficientFunds, domain.KindInvalidAmount, domain.KindIdempotencyMismatch,
		domain.KindSettlementHold, domain.KindSessionClosed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
