package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zyonstudios/stripe-tap-pay-demo/internal/backend"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/session"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/settings"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentialsRequest struct {
	Email string `json:"email"`
	PIN   string `json:"pin"`
}

type authResponse struct {
	Token    string            `json:"token"`
	Merchant settings.Merchant `json:"merchant"`
}

func (s *Server) signupHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email required")
		return
	}
	if !ValidPIN(req.PIN) {
		writeError(w, http.StatusBadRequest, "PIN must be exactly 6 digits")
		return
	}

	resp, err := s.Backend.Signup(r.Context(), req.Email, req.PIN)
	if err != nil {
		s.backendError(w, "signup", err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash PIN")
		return
	}

	if err := s.SettingsManager.Update(func(m *settings.Merchant) {
		m.MerchantID = resp.MerchantID
		m.Email = req.Email
		m.PINHash = string(hash)
	}); err != nil {
		s.Logger.Errorf("Failed to persist merchant after signup: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to persist merchant state")
		return
	}

	s.auditEvent("merchant_signup", map[string]interface{}{"merchant_id": resp.MerchantID})
	s.respondWithToken(w, resp.MerchantID)
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Email == "" || !ValidPIN(req.PIN) {
		writeError(w, http.StatusBadRequest, "email and 6-digit PIN required")
		return
	}

	resp, err := s.Backend.Login(r.Context(), req.Email, req.PIN)
	if err != nil {
		s.backendError(w, "login", err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash PIN")
		return
	}

	if err := s.SettingsManager.Update(func(m *settings.Merchant) {
		m.MerchantID = resp.MerchantID
		m.Email = req.Email
		m.StripeAccountID = resp.AccountID
		m.OnboardingComplete = resp.OnboardingComplete
		m.PINHash = string(hash)
	}); err != nil {
		s.Logger.Errorf("Failed to persist merchant after login: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to persist merchant state")
		return
	}

	s.auditEvent("merchant_login", map[string]interface{}{"merchant_id": resp.MerchantID})
	s.respondWithToken(w, resp.MerchantID)
}

func (s *Server) respondWithToken(w http.ResponseWriter, merchantID string) {
	token, err := s.issueToken(merchantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	merchant := s.SettingsManager.Get()
	merchant.PINHash = ""
	writeJSON(w, http.StatusOK, authResponse{Token: token, Merchant: merchant})
}

type pinRequest struct {
	PIN string `json:"pin"`
}

// verifyPINHandler checks the merchant PIN against the locally stored hash.
// Merchants who signed in before the hash existed fall through to the
// backend check.
func (s *Server) verifyPINHandler(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !ValidPIN(req.PIN) {
		writeJSON(w, http.StatusOK, map[string]bool{"valid": false})
		return
	}

	merchant := s.SettingsManager.Get()
	if merchant.PINHash != "" {
		valid := bcrypt.CompareHashAndPassword([]byte(merchant.PINHash), []byte(req.PIN)) == nil
		writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
		return
	}

	valid, err := s.Backend.VerifyPIN(r.Context(), merchantIDFrom(r), req.PIN)
	if err != nil {
		s.backendError(w, "verify_pin", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) connectAccountHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Backend.CreateConnectAccount(r.Context(), merchantIDFrom(r))
	if err != nil {
		s.backendError(w, "create_connect_account", err)
		return
	}

	if err := s.SettingsManager.Update(func(m *settings.Merchant) {
		m.StripeAccountID = resp.AccountID
	}); err != nil {
		s.Logger.Errorf("Failed to persist account ID: %v", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) onboardingLinkHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Backend.CreateOnboardingLink(r.Context(), merchantIDFrom(r))
	if err != nil {
		s.backendError(w, "create_onboarding_link", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) onboardingStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.Backend.CheckOnboardingStatus(r.Context(), merchantIDFrom(r))
	if err != nil {
		s.backendError(w, "check_onboarding_status", err)
		return
	}

	if err := s.SettingsManager.Update(func(m *settings.Merchant) {
		m.OnboardingComplete = status.OnboardingComplete
		if status.TerminalLocationID != "" {
			m.TerminalLocationID = status.TerminalLocationID
		}
	}); err != nil {
		s.Logger.Errorf("Failed to persist onboarding status: %v", err)
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) terminalLocationHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.TerminalLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.MerchantID = merchantIDFrom(r)

	resp, err := s.Backend.CreateTerminalLocation(r.Context(), req)
	if err != nil {
		s.backendError(w, "create_terminal_location", err)
		return
	}

	if err := s.SettingsManager.Update(func(m *settings.Merchant) {
		m.TerminalLocationID = resp.LocationID
	}); err != nil {
		s.Logger.Errorf("Failed to persist location ID: %v", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Session.Status())
}

func (s *Server) sessionStartHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.Start(r.Context()); err != nil {
		if errors.Is(err, session.ErrLocationRequired) {
			writeError(w, http.StatusPreconditionFailed, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Session.Status())
}

func (s *Server) sessionStopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Session.Status())
}

type chargeRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) chargeHandler(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	receipt, err := s.Session.Capture(r.Context(), req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, session.ErrCaptureInFlight):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrNotConnected):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, backend.ErrBackendUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// paymentsHandler serves the payments list. The first page is answered from
// the badger cache when the backend is unreachable, so recent history stays
// visible offline.
// resolveAccountID returns the merchant's connected account, recovering it
// from the backend when local settings predate account persistence.
func (s *Server) resolveAccountID(r *http.Request) (string, bool) {
	merchant := s.SettingsManager.Get()
	if merchant.StripeAccountID != "" {
		return merchant.StripeAccountID, true
	}
	if merchant.MerchantID == "" {
		return "", false
	}

	accountID, err := s.Backend.GetStripeAccount(r.Context(), merchant.MerchantID)
	if err != nil {
		s.Logger.Warningf("Connected account lookup failed for %s: %v", merchant.MerchantID, err)
		return "", false
	}
	if err := s.SettingsManager.Update(func(m *settings.Merchant) {
		m.StripeAccountID = accountID
	}); err != nil {
		s.Logger.Errorf("Failed to persist connected account: %v", err)
	}
	return accountID, true
}

func (s *Server) paymentsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.resolveAccountID(r)
	if !ok {
		writeError(w, http.StatusPreconditionFailed, "no connected account")
		return
	}

	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = "all"
	}
	startingAfter := r.URL.Query().Get("starting_after")

	page, err := s.Backend.ListPayments(r.Context(), accountID, rng, startingAfter)
	if err != nil {
		if startingAfter == "" {
			if cached, ok, cerr := s.CacheStore.GetPayments(accountID, rng); cerr == nil && ok {
				s.Logger.Warningf("Serving cached payments for %s: %v", accountID, err)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "stale")
				_, _ = w.Write(cached)
				return
			}
		}
		s.backendError(w, "payments", err)
		return
	}

	if startingAfter == "" {
		if payload, merr := json.Marshal(page); merr == nil {
			if cerr := s.CacheStore.PutPayments(accountID, rng, payload); cerr != nil {
				s.Logger.Errorf("Failed to cache payments: %v", cerr)
			}
		}
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *Server) payoutsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.resolveAccountID(r)
	if !ok {
		writeError(w, http.StatusPreconditionFailed, "no connected account")
		return
	}

	resp, err := s.Backend.PayoutsBalance(r.Context(), accountID)
	if err != nil {
		if cached, ok, cerr := s.CacheStore.GetPayouts(accountID); cerr == nil && ok {
			s.Logger.Warningf("Serving cached payouts for %s: %v", accountID, err)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "stale")
			_, _ = w.Write(cached)
			return
		}
		s.backendError(w, "payouts", err)
		return
	}

	if payload, merr := json.Marshal(resp); merr == nil {
		if cerr := s.CacheStore.PutPayouts(accountID, payload); cerr != nil {
			s.Logger.Errorf("Failed to cache payouts: %v", cerr)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	merchant := s.SettingsManager.Get()

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	receipts, err := s.CacheStore.ListReceipts(merchant.StripeAccountID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

func (s *Server) refundHandler(w http.ResponseWriter, r *http.Request) {
	merchant := s.SettingsManager.Get()
	if merchant.StripeAccountID == "" {
		writeError(w, http.StatusPreconditionFailed, "no connected account")
		return
	}

	var req backend.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PaymentID == "" {
		writeError(w, http.StatusBadRequest, "payment_id required")
		return
	}

	resp, err := s.Backend.RefundPayment(r.Context(), merchant.StripeAccountID, req)
	if err != nil {
		s.backendError(w, "refund_payment", err)
		return
	}

	s.auditEvent("payment_refunded", map[string]interface{}{
		"payment_id": req.PaymentID,
		"refund_id":  resp.RefundID,
	})
	writeJSON(w, http.StatusOK, resp)
}

type currencyRequest struct {
	Currency string `json:"currency"`
}

var supportedCurrencies = map[string]bool{"GBP": true, "USD": true, "EUR": true}

func (s *Server) currencyHandler(w http.ResponseWriter, r *http.Request) {
	var req currencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !supportedCurrencies[req.Currency] {
		writeError(w, http.StatusBadRequest, "unsupported currency")
		return
	}

	if err := s.Backend.UpdateCurrency(r.Context(), merchantIDFrom(r), req.Currency); err != nil {
		s.backendError(w, "update_currency", err)
		return
	}

	if err := s.SettingsManager.Update(func(m *settings.Merchant) {
		m.Currency = req.Currency
	}); err != nil {
		s.Logger.Errorf("Failed to persist currency: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"currency": req.Currency})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	merchant := s.SettingsManager.Get()
	merchant.PINHash = ""
	writeJSON(w, http.StatusOK, merchant)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"session":        s.Session.Status(),
		"backend":        s.Backend.Health().GetStats(),
	}
	if s.CacheStore != nil {
		lsm, vlog := s.CacheStore.GetDB().Size()
		metrics["db_lsm_bytes"] = lsm
		metrics["db_vlog_bytes"] = vlog
	}
	if s.Audit != nil {
		metrics["audit"] = s.Audit.GetStats()
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) backendError(w http.ResponseWriter, op string, err error) {
	s.Logger.Errorf("Backend %s failed: %v", op, err)
	if errors.Is(err, backend.ErrBackendUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) auditEvent(event string, detail map[string]interface{}) {
	if s.Audit == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := s.Audit.Log(event, payload); err != nil {
		s.Logger.Errorf("Failed to write audit event %s: %v", event, err)
	}
}
