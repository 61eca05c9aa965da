package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quillhaven/keycast/internal/metrics"
)

// NewRouter wires the daemon's HTTP surface: the WebSocket endpoint plus
// health and metrics.
func NewRouter(h *Handler, m *metrics.Metrics) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	return router
}
