package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the wallet API under /api/v1 plus health and metrics.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/wallets/{userId}/topups", h.TopupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/wallets/{userId}", h.GetWalletHandler).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{userId}/transactions", h.GetWalletTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/mentors/{mentorId}/earnings", h.GetMentorEarningsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{sessionId}/reservations", h.ReserveHandler).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{sessionId}/releases", h.ReleaseHandler).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{sessionId}/completion", h.CompleteSessionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{sessionId}/mentor-release", h.MentorReleaseHandler).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{sessionId}/transactions", h.GetSessionTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/ledger/conservation", h.ConservationHandler).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
