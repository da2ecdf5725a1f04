package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

const banner = "Bitespeed Identity Reconciliation Service"

// RouterConfig collects what NewRouter mounts.
type RouterConfig struct {
	Identify     *IdentifyHandler
	Health       *HealthHandler
	Metrics      http.Handler
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// NewRouter builds the service's HTTP routes and middleware chain.
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestID, Recovery(cfg.Logger), Logger(cfg.Logger))

	router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(banner))
	}).Methods(http.MethodGet)

	identify := BodyLimit(cfg.MaxBodyBytes)(http.HandlerFunc(cfg.Identify.Handle))
	router.Handle("/identify", identify).Methods(http.MethodPost)
	router.Handle("/api/identify", identify).Methods(http.MethodPost)

	if cfg.Health != nil {
		cfg.Health.Register(router)
	}
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error:            "method_not_allowed",
			ErrorDescription: "method not allowed",
		})
	})
	return router
}
