package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/gorilla/mux"

	"github.com/zyonstudios/stripe-tap-pay-demo/internal/backend"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/core"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/session"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/settings"
)

// Server handles HTTP communication from the merchant-facing app.
type Server struct {
	*http.Server
	Logger          *log.Logger
	SettingsManager *settings.Manager
	CacheStore      *core.CacheStore
	Backend         *backend.Client
	Session         *session.Session
	Audit           *core.AuditLogger

	jwtSecret []byte
	startTime time.Time
}

// NewServer creates and configures a new server for app communication.
func NewServer(addr string, logger *log.Logger, sm *settings.Manager, store *core.CacheStore, bc *backend.Client, sess *session.Session, audit *core.AuditLogger, jwtSecret []byte) *Server {
	r := mux.NewRouter()

	s := &Server{
		Server: &http.Server{
			Addr:           addr,
			Handler:        r,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		Logger:          logger,
		SettingsManager: sm,
		CacheStore:      store,
		Backend:         bc,
		Session:         sess,
		Audit:           audit,
		jwtSecret:       jwtSecret,
		startTime:       time.Now(),
	}

	r.HandleFunc("/healthcheck", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/signup", s.signupHandler).Methods(http.MethodPost)
	r.HandleFunc("/login", s.loginHandler).Methods(http.MethodPost)

	r.HandleFunc("/verify_pin", s.requireAuth(s.verifyPINHandler)).Methods(http.MethodPost)
	r.HandleFunc("/onboarding/account", s.requireAuth(s.connectAccountHandler)).Methods(http.MethodPost)
	r.HandleFunc("/onboarding/link", s.requireAuth(s.onboardingLinkHandler)).Methods(http.MethodPost)
	r.HandleFunc("/onboarding/status", s.requireAuth(s.onboardingStatusHandler)).Methods(http.MethodGet)
	r.HandleFunc("/onboarding/location", s.requireAuth(s.terminalLocationHandler)).Methods(http.MethodPost)

	r.HandleFunc("/session", s.requireAuth(s.sessionStatusHandler)).Methods(http.MethodGet)
	r.HandleFunc("/session/start", s.requireAuth(s.sessionStartHandler)).Methods(http.MethodPost)
	r.HandleFunc("/session/stop", s.requireAuth(s.sessionStopHandler)).Methods(http.MethodPost)
	r.HandleFunc("/charge", s.requireAuth(s.chargeHandler)).Methods(http.MethodPost)

	r.HandleFunc("/payments", s.requireAuth(s.paymentsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/payouts", s.requireAuth(s.payoutsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/receipts", s.requireAuth(s.receiptsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/refund", s.requireAuth(s.refundHandler)).Methods(http.MethodPost)

	r.HandleFunc("/settings/currency", s.requireAuth(s.currencyHandler)).Methods(http.MethodPost)
	r.HandleFunc("/config", s.requireAuth(s.configHandler)).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.requireAuth(s.metricsHandler)).Methods(http.MethodGet)

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.Logger.Infof("Starting API Server on %s", s.Addr)
	return s.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Info("Shutting down API Server...")
	return s.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
