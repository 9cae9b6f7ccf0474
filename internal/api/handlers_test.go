package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"github.com/zyonstudios/stripe-tap-pay-demo/internal/backend"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/core"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/session"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/settings"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/terminal/simulated"
)

func testLogger() *goeen_log.Logger {
	return goeen_log.NewContext(os.Stderr, "", goeen_log.LevelError).GetLogger("api-test", goeen_log.LevelError)
}

// fakeBackend stubs the merchant backend PHP endpoints.
type fakeBackend struct {
	mu             sync.Mutex
	server         *httptest.Server
	signupCalls    int
	failPayments   bool
	accountLookups int
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{}
	mux := http.NewServeMux()

	mux.HandleFunc("/signup.php", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.signupCalls++
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"merchant_id":"merchant_1"}`))
	})
	mux.HandleFunc("/login.php", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"merchant_id":"merchant_1","account_id":"acct_1","onboarding_complete":true}`))
	})
	mux.HandleFunc("/connection_token.php", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"secret":"pst_test"}`))
	})
	mux.HandleFunc("/create_payment_intent.php", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"payment_intent":{"id":"pi_1","client_secret":"pi_1_secret_x"}}`))
	})
	mux.HandleFunc("/payments.php", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		fail := b.failPayments
		b.mu.Unlock()
		if fail {
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"payments":[{"id":"py_1","amount":550,"currency":"gbp","status":"succeeded"}],"has_more":false}`))
	})
	mux.HandleFunc("/get_stripe_account.php", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.accountLookups++
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"stripe_account_id":"acct_1"}`))
	})
	mux.HandleFunc("/payouts_balance.php", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"payouts":[],"balance":{"available":1000,"pending":0}}`))
	})
	mux.HandleFunc("/update_currency_only.php", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/refund_payment.php", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"refund_id":"re_1","status":"succeeded"}`))
	})

	b.server = httptest.NewServer(mux)
	return b
}

func (b *fakeBackend) setFailPayments(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPayments = fail
}

type testEnv struct {
	backend *fakeBackend
	sm      *settings.Manager
	store   *core.CacheStore
	api     *Server
	ts      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	fb := newFakeBackend()
	t.Cleanup(fb.server.Close)

	sm := settings.NewManager(t.TempDir(), logger)
	err := sm.Update(func(m *settings.Merchant) {
		m.MerchantID = "merchant_1"
		m.Email = "shop@example.com"
		m.StripeAccountID = "acct_1"
		m.OnboardingComplete = true
		m.TerminalLocationID = "loc_1"
		m.Currency = "GBP"
	})
	if err != nil {
		t.Fatalf("Failed to seed settings: %v", err)
	}

	store, err := core.NewCacheStore(t.TempDir(), 1, logger)
	if err != nil {
		t.Fatalf("Failed to open cache store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bc := backend.New(fb.server.URL, fb.server.Client())

	term, err := simulated.New(logger, []byte(`{"discover_delay_ms":1}`), func(ctx context.Context) (string, error) {
		return bc.ConnectionToken(ctx, sm.Get().MerchantID)
	})
	if err != nil {
		t.Fatalf("Failed to create terminal: %v", err)
	}

	cfg := session.DefaultConfig()
	cfg.ReconnectInitialDelay = 5 * time.Millisecond
	sess := session.New(logger, term, bc, sm, store, nil, cfg)
	t.Cleanup(func() { _ = sess.Shutdown(context.Background()) })

	srv := NewServer(":0", logger, sm, store, bc, sess, nil, []byte("test-secret"))
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{backend: fb, sm: sm, store: store, api: srv, ts: ts}
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	token, err := e.api.issueToken("merchant_1")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestSignup(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/signup", "", map[string]string{
		"email": "new@example.com",
		"pin":   "123456",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body authResponse
	decodeBody(t, resp, &body)
	if body.Token == "" {
		t.Error("Expected a token")
	}
	if body.Merchant.MerchantID != "merchant_1" {
		t.Errorf("Expected merchant_1, got %s", body.Merchant.MerchantID)
	}
	if body.Merchant.PINHash != "" {
		t.Error("PIN hash must not be returned")
	}

	stored := env.sm.Get()
	if stored.Email != "new@example.com" {
		t.Errorf("Expected persisted email, got %s", stored.Email)
	}
	if stored.PINHash == "" {
		t.Error("Expected PIN hash to be persisted")
	}
}

func TestSignup_RejectsBadPIN(t *testing.T) {
	env := newTestEnv(t)

	for _, pin := range []string{"12345", "1234567", "12ab56", ""} {
		resp := env.request(t, http.MethodPost, "/signup", "", map[string]string{
			"email": "new@example.com",
			"pin":   pin,
		})
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("PIN %q: expected 400, got %d", pin, resp.StatusCode)
		}
	}

	env.backend.mu.Lock()
	calls := env.backend.signupCalls
	env.backend.mu.Unlock()
	if calls != 0 {
		t.Errorf("Expected no backend signup calls, got %d", calls)
	}
}

func TestAuth_Required(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/config", "", nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/config", "not-a-token", nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 with bad token, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/config", env.token(t), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 with token, got %d", resp.StatusCode)
	}

	var merchant settings.Merchant
	decodeBody(t, resp, &merchant)
	if merchant.MerchantID != "merchant_1" {
		t.Errorf("Expected merchant_1, got %s", merchant.MerchantID)
	}
	if merchant.PINHash != "" {
		t.Error("PIN hash must not leak through /config")
	}
}

func TestVerifyPIN(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	// Establish the local hash via signup.
	resp := env.request(t, http.MethodPost, "/signup", "", map[string]string{
		"email": "shop@example.com",
		"pin":   "123456",
	})
	_ = resp.Body.Close()

	resp = env.request(t, http.MethodPost, "/verify_pin", token, map[string]string{"pin": "123456"})
	var result map[string]bool
	decodeBody(t, resp, &result)
	if !result["valid"] {
		t.Error("Expected correct PIN to verify")
	}

	resp = env.request(t, http.MethodPost, "/verify_pin", token, map[string]string{"pin": "654321"})
	decodeBody(t, resp, &result)
	if result["valid"] {
		t.Error("Expected wrong PIN to fail")
	}
}

func waitForConnected(t *testing.T, env *testEnv, token string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := env.request(t, http.MethodGet, "/session", token, nil)
		var snap session.Snapshot
		decodeBody(t, resp, &snap)
		if snap.State == session.StateConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Session never connected")
}

func TestCharge(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	resp := env.request(t, http.MethodPost, "/session/start", token, nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Session start failed: %d", resp.StatusCode)
	}
	waitForConnected(t, env, token)

	resp = env.request(t, http.MethodPost, "/charge", token, map[string]string{"amount": "5.50"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var receipt core.Receipt
	decodeBody(t, resp, &receipt)
	if receipt.AmountMinor != 550 {
		t.Errorf("Expected 550 minor units, got %d", receipt.AmountMinor)
	}
	if receipt.Status != "succeeded" {
		t.Errorf("Expected succeeded, got %s", receipt.Status)
	}

	// The receipt is durably recorded.
	receipts, err := env.store.ListReceipts("acct_1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Errorf("Expected 1 stored receipt, got %d", len(receipts))
	}
}

func TestCharge_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	resp := env.request(t, http.MethodPost, "/session/start", token, nil)
	_ = resp.Body.Close()
	waitForConnected(t, env, token)

	resp = env.request(t, http.MethodPost, "/charge", token, map[string]string{"amount": "abc"})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid amount, got %d", resp.StatusCode)
	}
}

func TestCharge_NotConnected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/charge", env.token(t), map[string]string{"amount": "5.50"})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 without a reader, got %d", resp.StatusCode)
	}
}

func TestSessionStart_NoLocation(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sm.Update(func(m *settings.Merchant) {
		m.TerminalLocationID = ""
	}); err != nil {
		t.Fatal(err)
	}

	resp := env.request(t, http.MethodPost, "/session/start", env.token(t), nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("Expected 412 without a location, got %d", resp.StatusCode)
	}
}

func TestPayments_CachesAndServesStale(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	resp := env.request(t, http.MethodGet, "/payments?range=week", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var page backend.PaymentsPage
	decodeBody(t, resp, &page)
	if len(page.Payments) != 1 || page.Payments[0].ID != "py_1" {
		t.Fatalf("Unexpected payments page: %+v", page)
	}

	// Backend failure: the cached first page is served instead.
	env.backend.setFailPayments(true)

	resp = env.request(t, http.MethodGet, "/payments?range=week", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from cache, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Cache") != "stale" {
		t.Error("Expected stale cache marker")
	}
	decodeBody(t, resp, &page)
	if len(page.Payments) != 1 {
		t.Errorf("Expected cached payments, got %+v", page)
	}

	// Pagination requests are never served from cache.
	resp = env.request(t, http.MethodGet, "/payments?range=week&starting_after=py_1", token, nil)
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("Expected paginated request to fail when backend is down")
	}
}

func TestPayments_RecoversMissingAccountID(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	// A merchant restored from an older settings file has an ID but no
	// connected account. The backend lookup must fill it in.
	if err := env.sm.Update(func(m *settings.Merchant) {
		m.StripeAccountID = ""
	}); err != nil {
		t.Fatal(err)
	}

	resp := env.request(t, http.MethodGet, "/payments?range=week", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 after account recovery, got %d", resp.StatusCode)
	}
	var page backend.PaymentsPage
	decodeBody(t, resp, &page)
	if len(page.Payments) != 1 {
		t.Fatalf("Unexpected payments page: %+v", page)
	}

	if got := env.sm.Get().StripeAccountID; got != "acct_1" {
		t.Errorf("Expected recovered account to be persisted, got %q", got)
	}

	// Subsequent requests use the persisted account, not another lookup.
	resp = env.request(t, http.MethodGet, "/payments?range=week", token, nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	env.backend.mu.Lock()
	lookups := env.backend.accountLookups
	env.backend.mu.Unlock()
	if lookups != 1 {
		t.Errorf("Expected exactly one account lookup, got %d", lookups)
	}
}

func TestCurrency(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	resp := env.request(t, http.MethodPost, "/settings/currency", token, map[string]string{"currency": "XYZ"})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsupported currency, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodPost, "/settings/currency", token, map[string]string{"currency": "USD"})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	if got := env.sm.Get().Currency; got != "USD" {
		t.Errorf("Expected persisted currency USD, got %s", got)
	}
}

func TestRefund(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/refund", env.token(t), map[string]string{"payment_id": "py_1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var result backend.RefundResponse
	decodeBody(t, resp, &result)
	if result.RefundID != "re_1" {
		t.Errorf("Expected re_1, got %s", result.RefundID)
	}
}
